package history

import (
	"time"

	"call-signaling/internal/call"
)

// Entry is one archived call, written when the retention sweep prunes a
// terminal record from the live store.
//
// Invariants:
//   - Entries are append-only; archived calls are never updated.
//   - One entry per call; re-archiving the same call is a no-op.
//   - Signal blobs are not retained. They are negotiation transcripts with no
//     value after the call ends.
type Entry struct {
	CallID      string    `json:"call_id" db:"call_id"`
	CallerID    string    `json:"caller_id" db:"caller_id"`
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Type        call.Type `json:"type" db:"type"`

	// Outcome is the terminal status the call ended in.
	Outcome call.Status `json:"outcome" db:"outcome"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`

	// DurationSeconds is talk time, zero for calls that never connected.
	DurationSeconds int64 `json:"duration_seconds" db:"duration_seconds"`

	ArchivedAt time.Time `json:"archived_at" db:"archived_at"`
}

// FromRecord builds the archive entry for a terminal record.
func FromRecord(rec call.Record, archivedAt time.Time) Entry {
	e := Entry{
		CallID:      rec.ID,
		CallerID:    rec.CallerID,
		RecipientID: rec.RecipientID,
		Type:        rec.Type,
		Outcome:     rec.Status,
		StartedAt:   rec.CreatedAt,
		ConnectedAt: rec.ConnectedAt,
		ArchivedAt:  archivedAt.UTC(),
	}
	if rec.EndedAt != nil {
		e.EndedAt = *rec.EndedAt
	}
	if rec.ConnectedAt != nil && !e.EndedAt.IsZero() {
		if d := e.EndedAt.Sub(*rec.ConnectedAt); d > 0 {
			e.DurationSeconds = int64(d / time.Second)
		}
	}
	return e
}
