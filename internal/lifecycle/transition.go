package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition matches every InvalidTransitionError.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// InvalidTransitionError reports a state change that is not in the
// transition table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the complete table of legal moves. A pair that is missing
// here is illegal, including self-transitions.
var transitions = map[State][]State{
	InProduction:   {QualityControl},
	QualityControl: {Approved, Rejected},
	Approved:       {Packed},
	Packed:         {Shipped},
	Shipped:        {Active},
	Active:         {Faulty, Retired},
	Faulty:         {RMA},
	RMA:            {Replaced, Active},
	Rejected:       {InProduction, Disposed}, // rework or scrap
	Replaced:       {Disposed},
	Retired:        {Disposed},
	Disposed:       nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Check returns an *InvalidTransitionError unless from -> to is legal.
func Check(from, to State) error {
	if !from.Valid() || !to.Valid() || !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Targets returns the states reachable from s in one move.
func Targets(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Terminal reports whether s ends the normal life of a device. Rejected is
// terminal unless the device is explicitly sent back to production.
func Terminal(s State) bool {
	switch s {
	case Rejected, Replaced, Retired, Disposed:
		return true
	default:
		return false
	}
}
