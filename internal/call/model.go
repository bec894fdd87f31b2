package call

import "time"

// Record is the authoritative shared document describing one call.
//
// Invariants:
//   - Exactly one Record exists per call id; only the caller creates it.
//   - CallerID, RecipientID and Type are immutable after creation.
//   - Status only moves along the transition graph in transitions.go; terminal
//     states are final.
//   - ConnectedAt and EndedAt are write-once: the first writer sets them, every
//     later writer must leave them untouched.
//   - Signals is append-only, ordered by write time. Entries are opaque transport
//     negotiation blobs (offers, answers, candidates); this core never inspects them.
//
// The record is mutated concurrently by two independent devices plus the reaper,
// always through conditional updates keyed on the expected current status.
type Record struct {
	ID          string `json:"id"`
	CallerID    string `json:"caller_id"`
	RecipientID string `json:"recipient_id"`

	Type   Type   `json:"type"`
	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// StatusChangedAt tracks when Status last changed (equal to CreatedAt
	// until the first transition). Signal appends do not touch it. The reaper
	// measures staleness against it.
	StatusChangedAt time.Time `json:"status_changed_at"`

	Signals []Signal `json:"signals,omitempty"`

	// Revision increases by one on every accepted write. Subscribers use it to
	// deduplicate at-least-once deliveries.
	Revision int64 `json:"revision"`
}

// Signal is one appended transport-negotiation blob.
type Signal struct {
	// From is the participant id that appended the blob.
	From string `json:"from"`
	// Data is opaque to the signaling core (SDP, candidate JSON, ...).
	Data string `json:"data"`

	SentAt time.Time `json:"sent_at"`
}

// Type distinguishes audio-only from video calls. Immutable after creation.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool {
	return t == TypeAudio || t == TypeVideo
}

// Status is the call lifecycle state.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"

	// Terminal states.
	StatusDeclined Status = "declined"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is final. No transition leaves a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusEnded, StatusMissed, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusConnecting, StatusConnected,
		StatusDeclined, StatusEnded, StatusMissed, StatusFailed:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so subscribers can hold snapshots without aliasing
// the store's internal state.
func (r Record) Clone() Record {
	out := r
	if r.ConnectedAt != nil {
		t := *r.ConnectedAt
		out.ConnectedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if len(r.Signals) > 0 {
		out.Signals = make([]Signal, len(r.Signals))
		copy(out.Signals, r.Signals)
	}
	return out
}

// Peer returns the other participant's id, or "" if userID is not on the call.
func (r Record) Peer(userID string) string {
	switch userID {
	case r.CallerID:
		return r.RecipientID
	case r.RecipientID:
		return r.CallerID
	default:
		return ""
	}
}

// Mutation describes one conditional update to a Record.
//
// Status is the target state; the zero value means "status unchanged" and is
// used for signal-only appends. The store stamps ConnectedAt/EndedAt itself
// when the target status requires them, enforcing write-once semantics in a
// single place.
type Mutation struct {
	Status Status
	Signal *Signal
}
