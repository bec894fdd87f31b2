// Package callstore provides typed access to the shared call-record store.
//
// The store is the only resource shared across devices. Every mutation goes
// through a conditional update keyed on the expected current status; there are
// no locks across devices, only "first valid writer wins, losers reconcile".
package callstore

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/call"
)

var (
	// ErrAlreadyExists means the call id is taken. The caller must generate a
	// fresh id and retry; it must never overwrite the existing record.
	ErrAlreadyExists = errors.New("callstore: call already exists")

	// ErrStatusConflict means a conditional update lost the race: the record's
	// current status no longer matches the expected one. The write had no
	// effect. This is not a user-visible error; the losing actor re-reads the
	// record and reconciles its local state to the winning status.
	ErrStatusConflict = errors.New("callstore: status conflict")

	// ErrNotFound means the record does not exist (never created, or already
	// pruned). Clients treat it the same as a terminal status.
	ErrNotFound = errors.New("callstore: call not found")

	// ErrInvalidRecord covers malformed writes: missing participants, caller
	// calling themselves, unknown call type, or an empty mutation.
	ErrInvalidRecord = errors.New("callstore: invalid record")
)

// Store is the persistence contract for call records.
//
// Rules:
//   - Create fails with ErrAlreadyExists on id collision; ids are never reused.
//   - Update applies mut only when the current status equals expected, else it
//     fails with ErrStatusConflict without touching the record.
//   - The store owns the write-once stamping of ConnectedAt (entering connected)
//     and EndedAt (entering any terminal state): a stamp already set is never
//     overwritten.
//   - Every accepted write bumps Revision by one and is delivered to all active
//     subscribers of that id.
type Store interface {
	Create(ctx context.Context, rec call.Record) (call.Record, error)
	Get(ctx context.Context, id string) (call.Record, error)

	// Update applies a conditional mutation. A zero mut.Status appends the
	// signal without changing status (still guarded by expected). A non-zero
	// mut.Status must be a valid lifecycle edge from expected.
	Update(ctx context.Context, id string, mut call.Mutation, expected call.Status) (call.Record, error)

	// Subscribe returns a live stream of server-confirmed revisions of one
	// record, in revision order, at-least-once (consumers deduplicate by
	// Revision). The channel closes when ctx ends, cancel is called, or the
	// record is deleted. cancel is idempotent.
	Subscribe(ctx context.Context, id string) (<-chan call.Record, func(), error)

	// ListStale returns up to limit records currently in status whose
	// StatusChangedAt is before cutoff. Used by the reaper.
	ListStale(ctx context.Context, status call.Status, cutoff time.Time, limit int) ([]call.Record, error)

	// ListTerminalBefore returns up to limit terminal records whose EndedAt is
	// before cutoff. Used for retention pruning.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]call.Record, error)

	// Delete removes a record unconditionally. Deletion does not participate
	// in the state machine; it is only safe for terminal records and the
	// reaper is its only caller.
	Delete(ctx context.Context, id string) error
}
