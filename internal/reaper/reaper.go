// Package reaper sweeps the live call store for records abandoned by crashed
// or partitioned devices and for terminal records past their retention window.
//
// Exactly one conceptual sweeper is needed, but running several replicas is
// safe: every expiry is a conditional status transition, so concurrent sweeps
// (or a sweep racing a live device) resolve to one winner and the losers move
// on. Staleness is judged against the store clock's timestamps, never against
// device clocks.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/history"
	"call-signaling/internal/metrics"
	"call-signaling/internal/signal"
)

// Config bounds the sweep.
type Config struct {
	// RingTimeout expires ringing calls nobody answered.
	RingTimeout time.Duration
	// ConnectTimeout expires calls stuck negotiating media.
	ConnectTimeout time.Duration
	// Retention keeps terminal records visible to late observers before they
	// are archived and pruned.
	Retention time.Duration

	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration
	// BatchLimit caps records handled per status per sweep.
	BatchLimit int
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.Retention <= 0 {
		out.Retention = 5 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 10 * time.Second
	}
	if out.BatchLimit <= 0 {
		out.BatchLimit = 100
	}
	return out
}

// Reaper expires stale calls and prunes terminal ones into the history
// archive.
type Reaper struct {
	cfg     Config
	store   callstore.Store
	machine *signal.Machine
	archive history.Repository
	log     *slog.Logger
	clock   func() time.Time
}

func New(cfg Config, store callstore.Store, machine *signal.Machine, archive history.Repository, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		cfg:     cfg.withDefaults(),
		store:   store,
		machine: machine,
		archive: archive,
		log:     log,
		clock:   time.Now,
	}
}

// SetClock overrides time for tests.
func (r *Reaper) SetClock(clock func() time.Time) { r.clock = clock }

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		"ring_timeout", r.cfg.RingTimeout,
		"connect_timeout", r.cfg.ConnectTimeout,
		"retention", r.cfg.Retention,
		"sweep_interval", r.cfg.SweepInterval,
	)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one full pass: expire unanswered rings, expire stuck
// negotiations, prune terminal records past retention.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock().UTC()
	r.expire(ctx, call.StatusRinging, now.Add(-r.cfg.RingTimeout))
	r.expire(ctx, call.StatusConnecting, now.Add(-r.cfg.ConnectTimeout))
	r.prune(ctx, now.Add(-r.cfg.Retention))
}

func (r *Reaper) expire(ctx context.Context, status call.Status, cutoff time.Time) {
	recs, err := r.store.ListStale(ctx, status, cutoff, r.cfg.BatchLimit)
	if err != nil {
		r.log.Error("list stale calls failed", "status", status, "err", err)
		return
	}
	for _, rec := range recs {
		out, err := r.expireOne(ctx, rec)
		if err != nil {
			r.log.Error("expire call failed", "call_id", rec.ID, "status", status, "err", err)
			continue
		}
		if out.Won {
			metrics.ReapedTotal.WithLabelValues(string(out.Record.Status)).Inc()
			r.log.Info("expired stale call",
				"call_id", rec.ID, "from", status, "to", out.Record.Status)
		}
	}
}

func (r *Reaper) expireOne(ctx context.Context, rec call.Record) (signal.Outcome, error) {
	switch rec.Status {
	case call.StatusRinging:
		return r.machine.MarkMissed(ctx, rec.ID)
	case call.StatusConnecting:
		return r.machine.MarkConnectFailed(ctx, rec.ID)
	default:
		return signal.Outcome{Record: rec}, nil
	}
}

// prune archives terminal records past retention, then deletes them. Archive
// strictly precedes delete so a crash in between leaves a retriable record,
// never a lost one.
func (r *Reaper) prune(ctx context.Context, cutoff time.Time) {
	recs, err := r.store.ListTerminalBefore(ctx, cutoff, r.cfg.BatchLimit)
	if err != nil {
		r.log.Error("list terminal calls failed", "err", err)
		return
	}
	for _, rec := range recs {
		if r.archive != nil {
			if err := r.archive.Archive(ctx, history.FromRecord(rec, r.clock())); err != nil {
				r.log.Error("archive call failed", "call_id", rec.ID, "err", err)
				continue
			}
		}
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			// A concurrent replica may have pruned it first.
			if !errors.Is(err, callstore.ErrNotFound) {
				r.log.Error("prune call failed", "call_id", rec.ID, "err", err)
			}
			continue
		}
		metrics.PrunedTotal.Inc()
		r.log.Info("pruned terminal call", "call_id", rec.ID, "outcome", rec.Status)
	}
}
