package main

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"call-signaling/internal/httpapi"
	"call-signaling/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// protected API group; the fronting gateway authenticates and sets
	// X-User-Id.
	v1 := r.Group("/v1")
	v1.Use(httpapi.RequireUser())
	{
		v1.POST("/calls", h.PlaceCall)
		v1.GET("/calls/:id", h.GetCall)
		v1.POST("/calls/:id/answer", h.Answer)
		v1.POST("/calls/:id/decline", h.Decline)
		v1.POST("/calls/:id/hangup", h.HangUp)
		v1.POST("/calls/:id/signals", h.AppendSignal)

		v1.PUT("/devices/push-token", h.RegisterDevice)
		v1.GET("/users/:user_id/history", h.ListHistory)
	}
}
