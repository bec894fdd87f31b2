// Package signal owns the authoritative call lifecycle. It applies every
// transition as a conditional update against the currently known status and
// turns lost races into reconciliation instead of retries.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/metrics"
)

// Machine drives the signaling state machine over a Store.
// It is stateless; the record is the only state.
type Machine struct {
	store callstore.Store
	log   *slog.Logger
}

func New(store callstore.Store, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, log: log}
}

// Outcome reports how a transition attempt resolved.
//
// Won == true: the conditional write was accepted and Record is the new state.
// Won == false: another actor advanced the call first; Record is the
// authoritative state the loser must reconcile to. Losing is not an error.
type Outcome struct {
	Record call.Record
	Won    bool
}

// createAttempts bounds id regeneration on the (practically impossible)
// UUID collision path.
const createAttempts = 3

// PlaceCall creates the call record in ringing state. On an id collision the
// caller generates a fresh id and retries, never overwriting the existing call.
func (m *Machine) PlaceCall(ctx context.Context, callerID, recipientID string, typ call.Type) (call.Record, error) {
	var lastErr error
	for i := 0; i < createAttempts; i++ {
		rec, err := m.store.Create(ctx, call.Record{
			ID:          uuid.NewString(),
			CallerID:    callerID,
			RecipientID: recipientID,
			Type:        typ,
		})
		if err == nil {
			metrics.CallsCreatedTotal.WithLabelValues(string(typ)).Inc()
			return rec, nil
		}
		if !errors.Is(err, callstore.ErrAlreadyExists) {
			return call.Record{}, err
		}
		lastErr = err
	}
	return call.Record{}, fmt.Errorf("signal: place call: %w", lastErr)
}

// Answer moves ringing -> connecting (callee accepted).
func (m *Machine) Answer(ctx context.Context, id string) (Outcome, error) {
	return m.transition(ctx, id, call.StatusRinging, call.StatusConnecting)
}

// Decline moves ringing -> declined.
func (m *Machine) Decline(ctx context.Context, id string) (Outcome, error) {
	return m.transition(ctx, id, call.StatusRinging, call.StatusDeclined)
}

// TransportConnected moves connecting -> connected. The store stamps
// ConnectedAt exactly once.
func (m *Machine) TransportConnected(ctx context.Context, id string) (Outcome, error) {
	return m.transition(ctx, id, call.StatusConnecting, call.StatusConnected)
}

// TransportFailed records a media failure: connecting -> failed, or
// connected -> failed when an established call drops.
func (m *Machine) TransportFailed(ctx context.Context, id string, from call.Status) (Outcome, error) {
	if from != call.StatusConnecting && from != call.StatusConnected {
		return Outcome{}, fmt.Errorf("signal: transport failure from %s: %w", from, call.ErrInvalidTransition)
	}
	return m.transition(ctx, id, from, call.StatusFailed)
}

// MarkMissed is the reaper's ring-timeout transition: ringing -> missed.
func (m *Machine) MarkMissed(ctx context.Context, id string) (Outcome, error) {
	return m.transition(ctx, id, call.StatusRinging, call.StatusMissed)
}

// MarkConnectFailed is the reaper's connect-timeout transition:
// connecting -> failed.
func (m *Machine) MarkConnectFailed(ctx context.Context, id string) (Outcome, error) {
	return m.transition(ctx, id, call.StatusConnecting, call.StatusFailed)
}

// hangUpAttempts bounds the read-then-CAS loop; each retry means another
// actor moved the call while we were hanging up.
const hangUpAttempts = 3

// HangUp ends the call from any non-terminal state. The transition target is
// ended; when the call is already terminal the hang-up is a no-op and the
// authoritative record is returned with Won == false.
func (m *Machine) HangUp(ctx context.Context, id string) (Outcome, error) {
	for i := 0; i < hangUpAttempts; i++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if cur.Status.Terminal() {
			return Outcome{Record: cur, Won: false}, nil
		}
		out, err := m.transition(ctx, id, cur.Status, call.StatusEnded)
		if err != nil {
			return Outcome{}, err
		}
		if out.Won || out.Record.Status.Terminal() {
			return out, nil
		}
		// Lost to a concurrent non-terminal transition (e.g. the callee
		// answered while we cancelled); hang up from the new state.
	}
	return Outcome{}, fmt.Errorf("signal: hang up %s: too many concurrent transitions", id)
}

// AppendSignal appends one opaque transport blob, guarded by the expected
// status so blobs never land on a call that already moved on.
func (m *Machine) AppendSignal(ctx context.Context, id string, sig call.Signal, expected call.Status) (Outcome, error) {
	rec, err := m.store.Update(ctx, id, call.Mutation{Signal: &sig}, expected)
	if err == nil {
		return Outcome{Record: rec, Won: true}, nil
	}
	if errors.Is(err, callstore.ErrStatusConflict) {
		return m.reconcile(ctx, id)
	}
	return Outcome{}, err
}

func (m *Machine) transition(ctx context.Context, id string, from, to call.Status) (Outcome, error) {
	rec, err := m.store.Update(ctx, id, call.Mutation{Status: to}, from)
	if err == nil {
		metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
		return Outcome{Record: rec, Won: true}, nil
	}
	if errors.Is(err, callstore.ErrStatusConflict) {
		m.log.Debug("transition lost race", "call_id", id, "from", from, "to", to)
		return m.reconcile(ctx, id)
	}
	return Outcome{}, err
}

// reconcile re-reads the authoritative record after a lost CAS. A vanished
// record (pruned) propagates ErrNotFound, which callers treat as terminal.
func (m *Machine) reconcile(ctx context.Context, id string) (Outcome, error) {
	metrics.ConflictsTotal.Inc()
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Record: cur, Won: false}, nil
}
