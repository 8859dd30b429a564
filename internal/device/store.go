package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/traceability/internal/ledger"
)

// Sentinel errors for storage facts. Stores return these, optionally
// wrapped, and services translate them into report entries or return them.
var (
	ErrNotFound = errors.New("device: not found")

	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("device: storage conflict")

	// ErrUnavailable marks transient failures (timeouts, dropped
	// connections) that are safe to retry.
	ErrUnavailable = errors.New("device: storage unavailable")
)

// ConflictError reports a write rejected by a storage-level uniqueness or
// version guard.
type ConflictError struct {
	Field string // imei, iccid, version or pallet_id
	Value string
}

func (e *ConflictError) Error() string {
	switch e.Field {
	case "version":
		return fmt.Sprintf("concurrent update of device %s", e.Value)
	case "pallet_id":
		return fmt.Sprintf("pallet %s is still referenced by devices", e.Value)
	default:
		return fmt.Sprintf("duplicate %s %s already stored", e.Field, e.Value)
	}
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Store persists devices and pallets. Every device write carries the
// ledger event that describes it, and implementations commit both or
// neither.
type Store interface {
	Get(ctx context.Context, imei string) (*Device, error)
	Exists(ctx context.Context, imei string) (bool, error)

	// Create inserts a new device. An IMEI or ICCID that is already stored
	// yields a *ConflictError from the storage guard itself, so concurrent
	// creators cannot both succeed.
	Create(ctx context.Context, d *Device, e ledger.Event) error

	// Update replaces a stored device if its Version still matches, then
	// bumps d.Version. A stale version yields a *ConflictError.
	Update(ctx context.Context, d *Device, e ledger.Event) error

	ListByPallet(ctx context.Context, palletID string) ([]Device, error)
	ListByCarton(ctx context.Context, cartonID string) ([]Device, error)
	ListPalletIDs(ctx context.Context) ([]string, error)

	SavePallet(ctx context.Context, p Pallet) error
	GetPallet(ctx context.Context, palletID string) (*Pallet, error)

	// DeletePallet removes an empty pallet record. A pallet that devices
	// still reference yields a *ConflictError.
	DeletePallet(ctx context.Context, palletID string) error
}
