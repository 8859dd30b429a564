// Package ledger is the append-only history of everything that happens to a
// device. Events are never updated or deleted; the full history of a device
// is its events in (occurred_at, sequence) order.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// EventType enumerates what an event records.
type EventType string

const (
	EventCreated          EventType = "device_created"
	EventImported         EventType = "device_imported"
	EventStateChanged     EventType = "state_changed"
	EventContainerChanged EventType = "container_changed"
	EventCustomerAssigned EventType = "customer_assigned"
	EventCustomerNotified EventType = "customer_notified"
	EventStateReconciled  EventType = "state_reconciled"
)

// Known reports whether t is one of the enumerated event types.
func (t EventType) Known() bool {
	switch t {
	case EventCreated, EventImported, EventStateChanged, EventContainerChanged,
		EventCustomerAssigned, EventCustomerNotified, EventStateReconciled:
		return true
	}
	return false
}

// creates reports whether events of this type open a device history.
func (t EventType) creates() bool {
	return t == EventCreated || t == EventImported
}

// Location is where a device sits in the order/pallet/carton hierarchy.
type Location struct {
	OrderNumber string `json:"order_number,omitempty"`
	PalletID    string `json:"pallet_id,omitempty"`
	CartonID    string `json:"carton_id,omitempty"`
}

// IsZero reports whether the device is outside any container.
func (l Location) IsZero() bool {
	return l == Location{}
}

// Event is one immutable ledger record. Seq is assigned by the ledger on
// append and breaks ties between events with the same timestamp.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Seq        int64           `json:"seq"`
	IMEI       string          `json:"imei"`
	Type       EventType       `json:"type"`
	Actor      string          `json:"actor"`
	OccurredAt time.Time       `json:"occurred_at"`
	OldState   lifecycle.State `json:"old_state,omitempty"`
	NewState   lifecycle.State `json:"new_state,omitempty"`
	Before     *Location       `json:"before,omitempty"`
	After      *Location       `json:"after,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
}

// ErrInvalidEvent is wrapped by Validate failures.
var ErrInvalidEvent = errors.New("ledger: invalid event")

// New builds an event with a fresh id.
func New(imei string, typ EventType, actor string, at time.Time) Event {
	if actor == "" {
		actor = "system"
	}
	return Event{
		ID:         uuid.New(),
		IMEI:       imei,
		Type:       typ,
		Actor:      actor,
		OccurredAt: at.UTC(),
	}
}

// Validate checks the fields every ledger implementation relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case e.IMEI == "":
		return fmt.Errorf("%w: missing imei", ErrInvalidEvent)
	case !e.Type.Known():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if e.Type.creates() || e.Type == EventStateReconciled {
		if !e.NewState.Valid() {
			return fmt.Errorf("%w: %s requires new_state", ErrInvalidEvent, e.Type)
		}
	}
	if e.Type == EventStateChanged && (!e.OldState.Valid() || !e.NewState.Valid()) {
		return fmt.Errorf("%w: state_changed requires old_state and new_state", ErrInvalidEvent)
	}
	return nil
}
