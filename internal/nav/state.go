// Package nav is the perception-guided navigation core: the per-frame state
// machine, the three motion components it drives, and the controller loop
// that owns them.
package nav

import (
	"fmt"
	"strings"
)

// State is the navigation state. Exactly one is active at a time.
type State int32

const (
	StateIdle State = iota
	StateSearching
	StateAligning
	StateApproaching
	StateReturning
	StateLanding
	StateReturnToLaunch
)

var stateNames = [...]string{
	StateIdle:           "IDLE",
	StateSearching:      "SEARCHING",
	StateAligning:       "ALIGNING",
	StateApproaching:    "APPROACHING",
	StateReturning:      "RETURNING",
	StateLanding:        "LANDING",
	StateReturnToLaunch: "RETURN_TO_LAUNCH",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown navigation state %q", name)
}

// Terminal reports whether the state ends navigation.
func (s State) Terminal() bool {
	return s == StateLanding || s == StateReturnToLaunch
}

// Status tokens understood by the ground status display.
const (
	TokenSearching   = "SEARCHING"
	TokenAligning    = "ALIGNING"
	TokenApproaching = "APPROACHING"
	TokenIdle        = "IDLE"
	TokenExit        = "EXIT"
)

// Token maps a state to its status token. The altitude restore is part of
// the approach, so RETURNING reports APPROACHING.
func (s State) Token() string {
	switch s {
	case StateSearching:
		return TokenSearching
	case StateAligning:
		return TokenAligning
	case StateApproaching, StateReturning:
		return TokenApproaching
	case StateLanding, StateReturnToLaunch:
		return TokenExit
	default:
		return TokenIdle
	}
}

// Outcome is how a session ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeTargetReached
	OutcomeLanded
	OutcomeReturned
	OutcomeExited
	OutcomeAborted
)

var outcomeNames = [...]string{
	OutcomeNone:          "NONE",
	OutcomeTargetReached: "TARGET_REACHED",
	OutcomeLanded:        "LANDED",
	OutcomeReturned:      "RETURNED",
	OutcomeExited:        "EXITED",
	OutcomeAborted:       "ABORTED",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }
