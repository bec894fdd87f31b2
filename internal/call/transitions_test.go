package call

import (
	"errors"
	"testing"
	"time"
)

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []Status{
		StatusRinging, StatusConnecting, StatusConnected,
		StatusDeclined, StatusEnded, StatusMissed, StatusFailed,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestTransitionTableMatchesLifecycle(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusRinging, StatusConnecting},
		{StatusRinging, StatusDeclined},
		{StatusRinging, StatusMissed},
		{StatusRinging, StatusEnded},
		{StatusConnecting, StatusConnected},
		{StatusConnecting, StatusFailed},
		{StatusConnecting, StatusEnded},
		{StatusConnected, StatusEnded},
		{StatusConnected, StatusFailed},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Fatalf("expected %s -> %s to be valid: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusRinging, StatusConnected}, // must pass through connecting
		{StatusConnecting, StatusDeclined},
		{StatusConnecting, StatusMissed},
		{StatusConnected, StatusConnecting},
		{StatusEnded, StatusRinging},
		{StatusRinging, StatusRinging}, // no-op is not a transition
	}
	for _, tc := range denied {
		err := ValidateTransition(tc.from, tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s -> %s to be invalid, got %v", tc.from, tc.to, err)
		}
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := Record{
		ID:          "c1",
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        TypeVideo,
		Status:      StatusConnected,
		CreatedAt:   now,
		ConnectedAt: &now,
		Signals:     []Signal{{From: "alice", Data: "offer", SentAt: now}},
		Revision:    3,
	}

	c := r.Clone()
	c.Signals[0].Data = "mutated"
	*c.ConnectedAt = now.Add(time.Hour)

	if r.Signals[0].Data != "offer" {
		t.Fatalf("clone shares signal slice with original")
	}
	if !r.ConnectedAt.Equal(now) {
		t.Fatalf("clone shares connectedAt pointer with original")
	}
}

func TestRecordPeer(t *testing.T) {
	r := Record{CallerID: "alice", RecipientID: "bob"}
	if got := r.Peer("alice"); got != "bob" {
		t.Fatalf("expected bob, got %q", got)
	}
	if got := r.Peer("bob"); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
	if got := r.Peer("mallory"); got != "" {
		t.Fatalf("expected empty peer for outsider, got %q", got)
	}
}
