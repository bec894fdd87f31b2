// Package notify wakes the callee's device when a call starts ringing.
//
// Delivery is strictly best-effort: a missing push token or a failed send is
// logged and counted, never surfaced into the signaling path. A callee that
// is never woken simply never answers, and the reaper converts the call to
// missed.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/call"
	"call-signaling/internal/identity"
	"call-signaling/internal/metrics"
)

// ErrDelivery wraps gateway-side send failures.
var ErrDelivery = errors.New("notify: delivery failed")

// Payload is the provider-agnostic wake notification.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`

	// HighPriority asks the platform to bypass batching so the device wakes
	// immediately (time-sensitive on iOS, high priority on Android).
	HighPriority bool `json:"high_priority"`
}

// Sender is the push-gateway boundary. Implementations must respect ctx
// cancellation; the dispatcher applies a network timeout.
type Sender interface {
	Send(ctx context.Context, token string, p Payload) error
}

// Dispatcher resolves the callee and fires the wake notification.
type Dispatcher struct {
	dir    identity.Directory
	sender Sender
	log    *slog.Logger

	// sendTimeout bounds one gateway round trip.
	sendTimeout time.Duration
}

func NewDispatcher(dir identity.Directory, sender Sender, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{dir: dir, sender: sender, log: log, sendTimeout: 10 * time.Second}
}

// CallPlaced handles a freshly created ringing record. It never returns an
// error: every failure degrades to the callee discovering the call through
// the record subscription instead of a push.
func (d *Dispatcher) CallPlaced(ctx context.Context, rec call.Record) {
	log := d.log.With("call_id", rec.ID, "recipient_id", rec.RecipientID)

	callee, err := d.dir.Lookup(ctx, rec.RecipientID)
	if err != nil {
		log.Warn("callee lookup failed, no wake notification", "err", err)
		return
	}
	if callee.PushToken == "" {
		// No registered device: the call stays discoverable via the record
		// subscription only. Intentionally silent.
		log.Debug("callee has no push token")
		return
	}

	callerName := rec.CallerID
	if caller, err := d.dir.Lookup(ctx, rec.CallerID); err == nil && caller.DisplayName != "" {
		callerName = caller.DisplayName
	}

	p := Payload{
		Title:        "Incoming call",
		Body:         incomingBody(callerName, rec.Type),
		HighPriority: true,
		Data: map[string]string{
			"call_id":     rec.ID,
			"caller_id":   rec.CallerID,
			"caller_name": callerName,
			"call_type":   string(rec.Type),
		},
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, callee.PushToken, p); err != nil {
		// Not retried: a missed wake-up degrades to "missed" via the reaper.
		metrics.NotifyFailuresTotal.Inc()
		log.Warn("wake notification failed", "err", err)
		return
	}
	log.Info("wake notification sent", "call_type", rec.Type)
}

func incomingBody(callerName string, typ call.Type) string {
	if typ == call.TypeVideo {
		return callerName + " is video calling you"
	}
	return callerName + " is calling you"
}
