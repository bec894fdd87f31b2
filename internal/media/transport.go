// Package media is the boundary to the peer-to-peer media stack. The
// signaling core consumes it as a black box: start negotiation, feed it the
// peer's opaque blobs, flip mute/video/camera, observe connection state.
// Codec selection, ICE and the media pipeline are entirely the transport's
// business.
package media

import (
	"context"
	"errors"
)

var (
	// ErrTransport wraps media-layer failures (negotiation, connection setup).
	ErrTransport = errors.New("media: transport failure")

	// ErrClosed is returned for operations on a torn-down transport.
	ErrClosed = errors.New("media: transport closed")
)

// State mirrors the transport's connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Role determines which side opens the negotiation.
type Role string

const (
	RoleOfferer  Role = "offerer"  // the caller: creates the offer
	RoleAnswerer Role = "answerer" // the callee: answers the peer's offer
)

// Transport is one device's media session for one call.
//
// Rules:
//   - Register OnSignal and OnStateChange before Start; callbacks may fire from
//     transport-owned goroutines and must not block.
//   - Blobs emitted via OnSignal are opaque to the caller; they travel to the
//     peer appended to the call record and come back through HandleSignal.
//   - Close is idempotent and releases all media resources.
type Transport interface {
	Start(ctx context.Context, role Role) error
	HandleSignal(data string) error

	SetMuted(muted bool) error
	SetVideo(enabled bool) error
	SwitchCamera() error

	OnSignal(fn func(data string))
	OnStateChange(fn func(State))

	Close() error
}
