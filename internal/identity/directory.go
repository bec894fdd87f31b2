// Package identity is the boundary to user/profile storage. The signaling
// core only needs display names and push tokens; everything else about users
// lives outside this repository.
package identity

import (
	"context"
	"errors"
	"sync"
)

var ErrUnknownUser = errors.New("identity: unknown user")

// Identity is the subset of a user profile the signaling core consumes.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`

	// PushToken is the device registration token for wake notifications.
	// Empty when the user has no registered device; callers must treat that
	// as "no wake path", not as an error.
	PushToken string `json:"push_token,omitempty"`
}

// Directory resolves user ids. Implementations must be safe for concurrent use.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// MemoryDirectory is an in-memory Directory for tests and local development.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Identity
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]Identity)}
}

func (d *MemoryDirectory) Put(id Identity) {
	d.mu.Lock()
	d.users[id.UserID] = id
	d.mu.Unlock()
}

func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.users[userID]
	if !ok {
		return Identity{}, ErrUnknownUser
	}
	return id, nil
}
