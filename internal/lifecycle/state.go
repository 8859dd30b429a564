// Package lifecycle defines the closed set of device lifecycle states, the
// legal transitions between them and what each state allows a device to do.
//
// The package only answers questions. Persisting a state change, and the
// event that records it, is the job of the application service that owns the
// device store.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// State is a device lifecycle state. The zero value is not a valid state.
type State uint8

const (
	stateUnknown State = iota
	InProduction
	QualityControl
	Approved
	Rejected
	Packed
	Shipped
	Active
	Faulty
	RMA
	Replaced
	Retired
	Disposed

	stateCount
)

var stateNames = [stateCount]string{
	stateUnknown:   "",
	InProduction:   "in_production",
	QualityControl: "quality_control",
	Approved:       "approved",
	Rejected:       "rejected",
	Packed:         "packed",
	Shipped:        "shipped",
	Active:         "active",
	Faulty:         "faulty",
	RMA:            "rma",
	Replaced:       "replaced",
	Retired:        "retired",
	Disposed:       "disposed",
}

// ErrUnknownState is returned when a name does not match any state.
var ErrUnknownState = errors.New("lifecycle: unknown state")

// String returns the wire name of the state.
func (s State) String() string {
	if s >= stateCount {
		return fmt.Sprintf("state(%d)", uint8(s))
	}
	return stateNames[s]
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	return s > stateUnknown && s < stateCount
}

// ParseState maps a wire name to its State. Matching ignores case and
// surrounding whitespace.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s := InProduction; s < stateCount; s++ {
		if stateNames[s] == name {
			return s, nil
		}
	}
	return stateUnknown, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// All returns every valid state in declaration order.
func All() []State {
	out := make([]State, 0, stateCount-1)
	for s := InProduction; s < stateCount; s++ {
		out = append(out, s)
	}
	return out
}
