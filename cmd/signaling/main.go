package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"call-signaling/internal/callstore"
	"call-signaling/internal/config"
	"call-signaling/internal/history"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/identity"
	"call-signaling/internal/notify"
	"call-signaling/internal/reaper"
	sigmachine "call-signaling/internal/signal"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := callstore.NewRedisStore(rdb)
	machine := sigmachine.New(store, log)
	archive := history.NewPostgresRepo(db)
	directory := identity.NewRedisDirectory(rdb)

	var dispatcher *notify.Dispatcher
	if cfg.Push.Enabled {
		sender, err := notify.NewFCMSender(notify.FCMConfig{
			ProjectID:     cfg.Push.ProjectID,
			ClientEmail:   cfg.Push.ClientEmail,
			PrivateKeyPEM: cfg.Push.PrivateKeyPEM,
		})
		if err != nil {
			log.Error("fcm init failed", "err", err)
			os.Exit(1)
		}
		dispatcher = notify.NewDispatcher(directory, sender, log)
	} else {
		log.Warn("push disabled; recipients will not be woken for incoming calls")
	}

	sweeper := reaper.New(reaper.Config{
		RingTimeout:    cfg.Signaling.RingTimeout,
		ConnectTimeout: cfg.Signaling.ConnectTimeout,
		Retention:      cfg.Signaling.Retention,
		SweepInterval:  cfg.Signaling.SweepInterval,
	}, store, machine, archive, log)
	go sweeper.Run(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Machine:      machine,
		Store:        store,
		History:      archive,
		Notifier:     dispatcher,
		PlaceLimiter: httpapi.NewRedisRateLimiter(rdb, 0, 0),
		Registrar:    directory,
	}, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("signaling listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
