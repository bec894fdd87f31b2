package call

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a requested status change is not an
// edge of the lifecycle graph.
var ErrInvalidTransition = errors.New("call: invalid status transition")

// validTransitions is the call lifecycle graph.
//
//	ringing ──answer──▶ connecting ──transport ok──▶ connected ──hang up──▶ ended
//	   │                    │                            │
//	   ├─decline──▶ declined├─transport/timeout──▶ failed└─hang up──▶ ended
//	   └─timeout──▶ missed  └─hang up──▶ ended
//
// Terminal states have no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	StatusRinging: {
		StatusConnecting: true, // callee answers
		StatusDeclined:   true, // callee declines
		StatusMissed:     true, // reaper ring timeout
		StatusEnded:      true, // caller cancels before answer
	},
	StatusConnecting: {
		StatusConnected: true, // transport reports connected
		StatusFailed:    true, // transport failure or reaper connect timeout
		StatusEnded:     true, // either side hangs up mid-setup
	},
	StatusConnected: {
		StatusEnded:  true, // either side hangs up
		StatusFailed: true, // transport drops an established call
	},
}

// CanTransition reports whether from→to is a valid lifecycle edge.
// A no-op (from == to) is not a transition and returns false.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both states)
// when from→to is not allowed.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
