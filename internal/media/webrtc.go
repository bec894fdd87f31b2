package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// WebRTCConfig configures the pion-backed transport.
type WebRTCConfig struct {
	// STUNServers defaults to a public STUN server when empty.
	STUNServers []string

	// Local capture tracks. Either may be nil (audio-only calls carry no
	// video track).
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal

	// NextCamera yields the capture track for the next camera when the user
	// switches (front/back). Nil means camera switching is unsupported.
	NextCamera func() (webrtc.TrackLocal, error)

	// ICE liveness tuning. Generous defaults so a brief relay hiccup does not
	// kill the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (c WebRTCConfig) withDefaults() WebRTCConfig {
	out := c
	if len(out.STUNServers) == 0 {
		out.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if out.DisconnectedTimeout <= 0 {
		out.DisconnectedTimeout = 30 * time.Second
	}
	if out.FailedTimeout <= 0 {
		out.FailedTimeout = 120 * time.Second
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = 2 * time.Second
	}
	return out
}

// signalEnvelope is the wire form of one opaque blob exchanged through the
// call record. Only this package reads or writes it.
type signalEnvelope struct {
	Kind      string                   `json:"kind"` // offer | answer | candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// WebRTCTransport implements Transport on a pion PeerConnection.
type WebRTCTransport struct {
	cfg WebRTCConfig

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
	muted       bool
	videoOn     bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	closed      bool

	onSignal func(string)
	onState  func(State)
}

func NewWebRTCTransport(cfg WebRTCConfig) *WebRTCTransport {
	return &WebRTCTransport{cfg: cfg.withDefaults(), videoOn: cfg.VideoTrack != nil}
}

func (t *WebRTCTransport) OnSignal(fn func(string)) {
	t.mu.Lock()
	t.onSignal = fn
	t.mu.Unlock()
}

func (t *WebRTCTransport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *WebRTCTransport) Start(ctx context.Context, role Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.pc != nil {
		return fmt.Errorf("%w: already started", ErrTransport)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(t.cfg.DisconnectedTimeout, t.cfg.FailedTimeout, t.cfg.KeepAliveInterval)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.cfg.STUNServers}},
	})
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", ErrTransport, err)
	}
	t.pc = pc

	if t.cfg.AudioTrack != nil {
		s, err := pc.AddTrack(t.cfg.AudioTrack)
		if err != nil {
			_ = pc.Close()
			t.pc = nil
			return fmt.Errorf("%w: add audio track: %v", ErrTransport, err)
		}
		t.audioSender = s
	}
	if t.cfg.VideoTrack != nil {
		s, err := pc.AddTrack(t.cfg.VideoTrack)
		if err != nil {
			_ = pc.Close()
			t.pc = nil
			return fmt.Errorf("%w: add video track: %v", ErrTransport, err)
		}
		t.videoSender = s
		t.videoTrack = t.cfg.VideoTrack
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emit(signalEnvelope{Kind: "candidate", Candidate: &init})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if mapped, ok := mapPCState(s); ok {
			t.mu.Lock()
			fn := t.onState
			t.mu.Unlock()
			if fn != nil {
				fn(mapped)
			}
		}
	})

	if role == RoleOfferer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("%w: create offer: %v", ErrTransport, err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("%w: set local offer: %v", ErrTransport, err)
		}
		t.emitLocked(signalEnvelope{Kind: "offer", SDP: offer.SDP})
	}
	return nil
}

func (t *WebRTCTransport) HandleSignal(data string) error {
	var env signalEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("%w: decode signal: %v", ErrTransport, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.pc == nil {
		return fmt.Errorf("%w: transport not started", ErrTransport)
	}

	switch env.Kind {
	case "offer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}); err != nil {
			return fmt.Errorf("%w: set remote offer: %v", ErrTransport, err)
		}
		t.remoteSet = true
		if err := t.flushPendingLocked(); err != nil {
			return err
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", ErrTransport, err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local answer: %v", ErrTransport, err)
		}
		t.emitLocked(signalEnvelope{Kind: "answer", SDP: answer.SDP})
		return nil

	case "answer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
			return fmt.Errorf("%w: set remote answer: %v", ErrTransport, err)
		}
		t.remoteSet = true
		return t.flushPendingLocked()

	case "candidate":
		if env.Candidate == nil {
			return fmt.Errorf("%w: candidate signal without candidate", ErrTransport)
		}
		// Candidates can arrive before the remote description; hold them.
		if !t.remoteSet {
			t.pending = append(t.pending, *env.Candidate)
			return nil
		}
		if err := t.pc.AddICECandidate(*env.Candidate); err != nil {
			return fmt.Errorf("%w: add candidate: %v", ErrTransport, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown signal kind %q", ErrTransport, env.Kind)
	}
}

func (t *WebRTCTransport) flushPendingLocked() error {
	for _, c := range t.pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: add held candidate: %v", ErrTransport, err)
		}
	}
	t.pending = nil
	return nil
}

// SetMuted detaches or reattaches the audio track from the sender. The peer
// simply stops receiving audio frames; no renegotiation is required.
func (t *WebRTCTransport) SetMuted(muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.audioSender == nil {
		return fmt.Errorf("%w: no audio sender", ErrTransport)
	}
	if muted == t.muted {
		return nil
	}
	var track webrtc.TrackLocal
	if !muted {
		track = t.cfg.AudioTrack
	}
	if err := t.audioSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("%w: replace audio track: %v", ErrTransport, err)
	}
	t.muted = muted
	return nil
}

func (t *WebRTCTransport) SetVideo(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.videoSender == nil {
		return fmt.Errorf("%w: no video sender", ErrTransport)
	}
	if enabled == t.videoOn {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = t.videoTrack
	}
	if err := t.videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("%w: replace video track: %v", ErrTransport, err)
	}
	t.videoOn = enabled
	return nil
}

func (t *WebRTCTransport) SwitchCamera() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.cfg.NextCamera == nil || t.videoSender == nil {
		return fmt.Errorf("%w: camera switching unsupported", ErrTransport)
	}
	next, err := t.cfg.NextCamera()
	if err != nil {
		return fmt.Errorf("%w: next camera: %v", ErrTransport, err)
	}
	t.videoTrack = next
	if !t.videoOn {
		// Remember the new camera; it attaches when video is re-enabled.
		return nil
	}
	if err := t.videoSender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("%w: replace camera track: %v", ErrTransport, err)
	}
	return nil
}

// Close tears down the peer connection. Idempotent.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.pc != nil {
		if err := t.pc.Close(); err != nil {
			return fmt.Errorf("%w: close peer connection: %v", ErrTransport, err)
		}
	}
	return nil
}

func (t *WebRTCTransport) emit(env signalEnvelope) {
	t.mu.Lock()
	t.emitLocked(env)
	t.mu.Unlock()
}

func (t *WebRTCTransport) emitLocked(env signalEnvelope) {
	fn := t.onSignal
	if fn == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	// Callbacks must not run under the lock; OnSignal handlers write to the
	// call record.
	go fn(string(raw))
}

func mapPCState(s webrtc.PeerConnectionState) (State, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateDisconnected, true
	default:
		return "", false
	}
}
