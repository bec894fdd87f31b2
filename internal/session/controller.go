// Package session binds the signaling state machine to the local media
// transport for one device's side of one call.
//
// Everything that can change call state (user actions, record subscription
// deliveries, transport callbacks) is serialized through a single event loop
// per controller, so local UI and transport state are never mutated from two
// goroutines at once. The call record remains the source of truth for call
// intent/status; the transport is the source of truth for actual media
// connectivity.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"call-signaling/internal/call"
	"call-signaling/internal/callstore"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/internal/signal"
)

// ErrSessionEnded is returned for actions issued after local teardown.
var ErrSessionEnded = errors.New("session: already ended")

// Local UI states, kept deliberately coarser than the record status: the UI
// only distinguishes what it renders differently.
const (
	StateIdle       = "idle"
	StateDialing    = "dialing" // outgoing, peer not yet answered
	StateRinging    = "ringing" // incoming, not yet answered
	StateConnecting = "connecting"
	StateActive     = "active"
	StateEnded      = "ended"
)

const (
	evDial         = "dial"
	evIncoming     = "incoming"
	evAnswer       = "answer"
	evRemoteAnswer = "remote_answer"
	evMediaUp      = "media_up"
	evTerminate    = "terminate"
)

func newLocalFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evDial, Src: []string{StateIdle}, Dst: StateDialing},
			{Name: evIncoming, Src: []string{StateIdle}, Dst: StateRinging},
			{Name: evAnswer, Src: []string{StateRinging}, Dst: StateConnecting},
			{Name: evRemoteAnswer, Src: []string{StateDialing}, Dst: StateConnecting},
			{Name: evMediaUp, Src: []string{StateConnecting}, Dst: StateActive},
			{Name: evTerminate, Src: []string{StateIdle, StateDialing, StateRinging, StateConnecting, StateActive}, Dst: StateEnded},
		}, nil,
	)
}

// Notifier is the wake-notification hook fired after an outgoing call record
// is created. Best-effort; implementations must not block long.
type Notifier interface {
	CallPlaced(ctx context.Context, rec call.Record)
}

// Deps carries the controller's collaborators. Store and Machine are
// required; Notifier may be nil (no wake path).
type Deps struct {
	Store     callstore.Store
	Machine   *signal.Machine
	Transport media.Transport
	Notifier  Notifier
	Log       *slog.Logger
	// Clock is injectable for deterministic tests.
	Clock func() time.Time

	// UserID is this device's participant id.
	UserID string
}

func (d Deps) withDefaults() Deps {
	out := d
	if out.Log == nil {
		out.Log = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Snapshot is the observable session state the UI renders from.
type Snapshot struct {
	CallID     string
	LocalState string
	Status     call.Status

	IsConnected    bool
	IsMuted        bool
	IsVideoEnabled bool

	// Duration is anchored to the record's ConnectedAt, not local wall-clock,
	// so both sides display the same figure under clock skew or reconnect.
	Duration time.Duration

	// EndReason is set once the session reached a terminal state.
	EndReason call.Status
}

// Controller drives one side of one call.
type Controller struct {
	deps Deps

	localFSM *fsm.FSM

	actions chan func()
	done    chan struct{}

	// Fields below are owned by the event loop; mu only guards the copies
	// Snapshot reads.
	mu         sync.RWMutex
	rec        call.Record
	localState string
	muted      bool
	videoOn    bool
	endReason  call.Status

	lastRev          int64
	fedSignals       int
	transportStarted bool
	ended            bool
}

// PlaceCall creates the call record, fires the wake notification, starts the
// outbound media transport and returns the caller-side controller.
func PlaceCall(ctx context.Context, deps Deps, recipientID string, typ call.Type) (*Controller, error) {
	deps = deps.withDefaults()

	rec, err := deps.Machine.PlaceCall(ctx, deps.UserID, recipientID, typ)
	if err != nil {
		return nil, err
	}
	if deps.Notifier != nil {
		deps.Notifier.CallPlaced(ctx, rec)
	}

	c, err := newController(ctx, deps, rec, evDial)
	if err != nil {
		return nil, err
	}
	if err := c.run(func() error { return c.startTransportLocked(ctx, media.RoleOfferer) }); err != nil {
		// End the record so the callee is not left ringing for a call whose
		// caller side is already dead.
		if _, hangErr := deps.Machine.HangUp(ctx, rec.ID); hangErr != nil {
			deps.Log.Warn("hang up after transport start failure failed",
				"call_id", rec.ID, "err", hangErr)
		}
		c.Close()
		return nil, err
	}
	return c, nil
}

// Attach binds the callee-side controller to a ringing call, typically after
// a wake notification or an incoming record observed elsewhere. The transport
// is not started until Answer.
func Attach(ctx context.Context, deps Deps, callID string) (*Controller, error) {
	deps = deps.withDefaults()

	rec, err := deps.Store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.RecipientID != deps.UserID {
		return nil, errors.New("session: call is not addressed to this user")
	}
	return newController(ctx, deps, rec, evIncoming)
}

func newController(ctx context.Context, deps Deps, rec call.Record, firstEvent string) (*Controller, error) {
	c := &Controller{
		deps:       deps,
		localFSM:   newLocalFSM(),
		actions:    make(chan func()),
		done:       make(chan struct{}),
		rec:        rec,
		localState: StateIdle,
		videoOn:    rec.Type == call.TypeVideo,
		lastRev:    rec.Revision,
	}
	_ = c.localFSM.Event(ctx, firstEvent)
	c.localState = c.localFSM.Current()

	if deps.Transport != nil {
		deps.Transport.OnSignal(c.onTransportSignal)
		deps.Transport.OnStateChange(c.onTransportState)
	}

	updates, cancelSub, err := deps.Store.Subscribe(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Inc()

	// The record may already be terminal, typically a callee woken late after
	// the reaper marked the call missed. The subscription replays that same
	// revision, which the dedupe would swallow, so resolve it here. A record
	// turning terminal between Get and Subscribe carries a higher revision and
	// is handled by the loop.
	if rec.Status.Terminal() {
		cancelSub()
		c.teardown(ctx, rec.Status)
		return c, nil
	}

	go c.loop(updates, cancelSub)
	return c, nil
}

// Done is closed when the session is torn down, whichever side or component
// caused it.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Answer accepts an incoming call: ringing -> connecting, then media setup.
// Losing the race (peer cancelled, reaper expired, simultaneous decline)
// reconciles silently; the snapshot reflects the winning status.
func (c *Controller) Answer(ctx context.Context) error {
	return c.run(func() error {
		if c.localState != StateRinging {
			return ErrSessionEnded
		}
		out, err := c.deps.Machine.Answer(ctx, c.rec.ID)
		if err != nil {
			if errors.Is(err, callstore.ErrNotFound) {
				c.teardown(ctx, call.StatusEnded)
				return nil
			}
			return err
		}
		if !out.Won {
			c.applyRecord(ctx, out.Record)
			return nil
		}
		c.applyRecord(ctx, out.Record)
		_ = c.fsmEvent(ctx, evAnswer)
		return c.startTransportLocked(ctx, media.RoleAnswerer)
	})
}

// Decline rejects an incoming call.
func (c *Controller) Decline(ctx context.Context) error {
	return c.run(func() error {
		out, err := c.deps.Machine.Decline(ctx, c.rec.ID)
		if err != nil {
			if errors.Is(err, callstore.ErrNotFound) {
				c.teardown(ctx, call.StatusEnded)
				return nil
			}
			return err
		}
		c.applyRecord(ctx, out.Record)
		if !out.Record.Status.Terminal() {
			// Lost to a concurrent answer from this account's other device;
			// the user still wants out.
			if out, err = c.deps.Machine.HangUp(ctx, c.rec.ID); err == nil {
				c.applyRecord(ctx, out.Record)
			}
		}
		return nil
	})
}

// HangUp ends the call from any local state.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.run(func() error {
		out, err := c.deps.Machine.HangUp(ctx, c.rec.ID)
		if err != nil {
			if errors.Is(err, callstore.ErrNotFound) {
				c.teardown(ctx, call.StatusEnded)
				return nil
			}
			return err
		}
		c.applyRecord(ctx, out.Record)
		return nil
	})
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	var muted bool
	err := c.run(func() error {
		if c.deps.Transport == nil {
			return media.ErrTransport
		}
		if err := c.deps.Transport.SetMuted(!c.muted); err != nil {
			return err
		}
		c.setMuted(!c.muted)
		muted = c.muted
		return nil
	})
	return muted, err
}

// ToggleVideo flips the camera feed and returns the new enabled state.
func (c *Controller) ToggleVideo() (bool, error) {
	var enabled bool
	err := c.run(func() error {
		if c.deps.Transport == nil {
			return media.ErrTransport
		}
		if err := c.deps.Transport.SetVideo(!c.videoOn); err != nil {
			return err
		}
		c.setVideoOn(!c.videoOn)
		enabled = c.videoOn
		return nil
	})
	return enabled, err
}

// SwitchCamera cycles to the next capture device.
func (c *Controller) SwitchCamera() error {
	return c.run(func() error {
		if c.deps.Transport == nil {
			return media.ErrTransport
		}
		return c.deps.Transport.SwitchCamera()
	})
}

// Close tears the session down locally without writing a status transition.
// Used when the UI is dismissed after a terminal state; idempotent.
func (c *Controller) Close() {
	_ = c.run(func() error {
		c.teardown(context.Background(), c.rec.Status)
		return nil
	})
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		CallID:         c.rec.ID,
		LocalState:     c.localState,
		Status:         c.rec.Status,
		IsConnected:    c.localState == StateActive,
		IsMuted:        c.muted,
		IsVideoEnabled: c.videoOn,
		EndReason:      c.endReason,
	}
	if c.rec.ConnectedAt != nil {
		end := c.deps.Clock().UTC()
		if c.rec.EndedAt != nil {
			end = *c.rec.EndedAt
		}
		if d := end.Sub(*c.rec.ConnectedAt); d > 0 {
			s.Duration = d
		}
	}
	return s
}

// run executes fn on the event loop and waits for its result.
func (c *Controller) run(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.actions <- func() { reply <- fn() }:
	case <-c.done:
		return ErrSessionEnded
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		// fn may have completed and torn the session down itself; prefer its
		// actual result over the sentinel.
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

// enqueue is run's fire-and-forget variant for transport callbacks, which
// must never block the transport's goroutines.
func (c *Controller) enqueue(fn func()) {
	go func() {
		select {
		case c.actions <- fn:
		case <-c.done:
		}
	}()
}

func (c *Controller) loop(updates <-chan call.Record, cancelSub func()) {
	defer cancelSub()
	ctx := context.Background()
	for {
		select {
		case fn := <-c.actions:
			fn()
		case rec, ok := <-updates:
			if !ok {
				// Record pruned or stream ended: same as terminal.
				c.teardown(ctx, c.rec.Status)
			} else {
				c.applyRecord(ctx, rec)
			}
		case <-c.done:
			return
		}
		if c.ended {
			return
		}
	}
}

// applyRecord folds one authoritative record revision into local state:
// dedupe, feed new peer signals to the transport, advance the local FSM,
// tear down on terminal.
func (c *Controller) applyRecord(ctx context.Context, rec call.Record) {
	if rec.Revision <= c.lastRev {
		return
	}
	prevStatus := c.rec.Status
	c.lastRev = rec.Revision
	c.setRecord(rec)

	c.feedPeerSignals(rec)

	switch {
	case rec.Status == call.StatusConnecting && prevStatus == call.StatusRinging:
		// The callee answered. On the caller this advances dialing ->
		// connecting; on the callee the FSM already moved in Answer and the
		// event is a no-op error we ignore.
		_ = c.fsmEvent(ctx, evRemoteAnswer)
	case rec.Status == call.StatusConnected:
		if c.localFSM.Current() == StateDialing {
			// The connecting revision never arrived (pub/sub drop, with the
			// fallback poll observing only the latest snapshot); catch the
			// local FSM up before reporting media up.
			_ = c.fsmEvent(ctx, evRemoteAnswer)
		}
		_ = c.fsmEvent(ctx, evMediaUp)
	case rec.Status.Terminal():
		c.teardown(ctx, rec.Status)
	}
}

// feedPeerSignals hands newly appended peer blobs to the transport, in order.
func (c *Controller) feedPeerSignals(rec call.Record) {
	if !c.transportStarted || c.deps.Transport == nil {
		return
	}
	for ; c.fedSignals < len(rec.Signals); c.fedSignals++ {
		sig := rec.Signals[c.fedSignals]
		if sig.From == c.deps.UserID {
			continue
		}
		if err := c.deps.Transport.HandleSignal(sig.Data); err != nil {
			c.deps.Log.Warn("transport rejected signal", "call_id", rec.ID, "err", err)
		}
	}
}

// startTransportLocked starts media negotiation. Runs on the event loop.
func (c *Controller) startTransportLocked(ctx context.Context, role media.Role) error {
	if c.deps.Transport == nil {
		return nil
	}
	if err := c.deps.Transport.Start(ctx, role); err != nil {
		return err
	}
	c.transportStarted = true
	// Catch up on blobs the peer appended before we started (the answerer
	// consumes the caller's offer here).
	c.fedSignals = 0
	c.feedPeerSignals(c.rec)
	return nil
}

// onTransportSignal appends a locally produced blob to the call record,
// guarded by the currently known status.
func (c *Controller) onTransportSignal(data string) {
	c.enqueue(func() {
		if c.ended {
			return
		}
		ctx := context.Background()
		sig := call.Signal{From: c.deps.UserID, Data: data}
		out, err := c.deps.Machine.AppendSignal(ctx, c.rec.ID, sig, c.rec.Status)
		if err != nil {
			if errors.Is(err, callstore.ErrNotFound) {
				c.teardown(ctx, c.rec.Status)
				return
			}
			c.deps.Log.Warn("append signal failed", "call_id", c.rec.ID, "err", err)
			return
		}
		c.applyRecord(ctx, out.Record)
	})
}

// onTransportState maps media connectivity onto record transitions. The
// transport decides when media is actually up or dead; the record conveys it
// to the peer.
func (c *Controller) onTransportState(st media.State) {
	c.enqueue(func() {
		if c.ended {
			return
		}
		ctx := context.Background()
		switch st {
		case media.StateConnected:
			if c.rec.Status != call.StatusConnecting {
				return
			}
			out, err := c.deps.Machine.TransportConnected(ctx, c.rec.ID)
			if err != nil {
				if errors.Is(err, callstore.ErrNotFound) {
					c.teardown(ctx, c.rec.Status)
				}
				return
			}
			c.applyRecord(ctx, out.Record)

		case media.StateFailed:
			from := c.rec.Status
			if from != call.StatusConnecting && from != call.StatusConnected {
				return
			}
			out, err := c.deps.Machine.TransportFailed(ctx, c.rec.ID, from)
			if err != nil {
				if errors.Is(err, callstore.ErrNotFound) {
					c.teardown(ctx, call.StatusFailed)
				}
				return
			}
			c.applyRecord(ctx, out.Record)

		case media.StateDisconnected:
			// Transient; ICE may recover. The reaper or a failed callback is
			// the backstop if it does not.
			c.deps.Log.Debug("media disconnected", "call_id", c.rec.ID)
		}
	})
}

// teardown releases the transport and finishes the session. Runs on the
// event loop; idempotent.
func (c *Controller) teardown(ctx context.Context, reason call.Status) {
	if c.ended {
		return
	}
	c.ended = true
	if c.deps.Transport != nil {
		if err := c.deps.Transport.Close(); err != nil {
			c.deps.Log.Warn("transport close failed", "call_id", c.rec.ID, "err", err)
		}
	}
	_ = c.fsmEvent(ctx, evTerminate)
	c.setEndReason(reason)
	metrics.ActiveSessions.Dec()
	close(c.done)
}

func (c *Controller) fsmEvent(ctx context.Context, name string) error {
	err := c.localFSM.Event(ctx, name)
	c.mu.Lock()
	c.localState = c.localFSM.Current()
	c.mu.Unlock()
	return err
}

func (c *Controller) setRecord(rec call.Record) {
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
}

func (c *Controller) setMuted(v bool) {
	c.mu.Lock()
	c.muted = v
	c.mu.Unlock()
}

func (c *Controller) setVideoOn(v bool) {
	c.mu.Lock()
	c.videoOn = v
	c.mu.Unlock()
}

func (c *Controller) setEndReason(s call.Status) {
	c.mu.Lock()
	c.endReason = s
	c.mu.Unlock()
}
