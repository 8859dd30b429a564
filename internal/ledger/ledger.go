package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// Ledger is an append-only per-device event log. Appended events cannot be
// changed or removed.
type Ledger interface {
	// Append stores the event and returns its id.
	Append(ctx context.Context, e Event) (uuid.UUID, error)

	// History returns the events of one device ordered by (OccurredAt, Seq)
	// ascending. A positive limit keeps only the most recent limit events,
	// still in ascending order. Every call re-reads the ledger.
	History(ctx context.Context, imei string, limit int) ([]Event, error)
}

// Memory is a Ledger kept in process memory. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	seq    int64
	events map[string][]Event
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{events: make(map[string][]Event)}
}

// Append implements Ledger.
func (m *Memory) Append(ctx context.Context, e Event) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if err := e.Validate(); err != nil {
		return uuid.Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(e)
	return e.ID, nil
}

// appendLocked assigns the next sequence number and stores a copy of e.
// Callers hold m.mu.
func (m *Memory) appendLocked(e Event) Event {
	m.seq++
	e.Seq = m.seq
	if e.Payload != nil {
		p := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			p[k] = v
		}
		e.Payload = p
	}
	m.events[e.IMEI] = append(m.events[e.IMEI], e)
	return e
}

// MustAppend appends an event that the caller has already validated and
// returns it with its sequence number. It is meant for stores that pair a
// device write with an event write under their own lock.
func (m *Memory) MustAppend(e Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

// History implements Ledger.
func (m *Memory) History(ctx context.Context, imei string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Event, len(m.events[imei]))
	copy(out, m.events[imei])
	m.mu.RUnlock()

	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Len returns the number of events recorded for imei.
func (m *Memory) Len(imei string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[imei])
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].Seq < events[j].Seq
	})
}

var (
	// ErrEmptyHistory is returned by Replay for a device without events.
	ErrEmptyHistory = errors.New("ledger: empty history")

	// ErrBrokenHistory is returned by Replay when the events do not chain.
	ErrBrokenHistory = errors.New("ledger: history does not chain")
)

// Replay folds a device history into its effective lifecycle state. It is
// the reference used to rebuild the denormalised state on the device row.
func Replay(events []Event) (lifecycle.State, error) {
	if len(events) == 0 {
		return 0, ErrEmptyHistory
	}
	var state lifecycle.State
	for i, e := range events {
		switch {
		case e.Type.creates():
			if i != 0 {
				return 0, fmt.Errorf("%w: %s at position %d", ErrBrokenHistory, e.Type, i)
			}
			state = e.NewState
		case i == 0:
			return 0, fmt.Errorf("%w: history starts with %s", ErrBrokenHistory, e.Type)
		case e.Type == EventStateChanged:
			if e.OldState != state {
				return 0, fmt.Errorf("%w: event %s expects %s, have %s", ErrBrokenHistory, e.ID, e.OldState, state)
			}
			state = e.NewState
		case e.Type == EventStateReconciled:
			state = e.NewState
		}
	}
	if !state.Valid() {
		return 0, fmt.Errorf("%w: no valid state", ErrBrokenHistory)
	}
	return state, nil
}
