package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/traceability/internal/ledger"
)

// MemoryStore is a Store and ledger.Ledger kept in process memory. Its
// unique IMEI and ICCID indexes are enforced under the same lock as the
// insert, which makes it a faithful stand-in for the database in tests and
// dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
	iccids  map[string]string // iccid -> imei
	pallets map[string]Pallet
	events  *ledger.Memory

	faultMu sync.Mutex
	fault   func(op, imei string) error
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ ledger.Ledger = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*Device),
		iccids:  make(map[string]string),
		pallets: make(map[string]Pallet),
		events:  ledger.NewMemory(),
	}
}

// InjectFault installs a hook consulted before every device operation. A
// non-nil return aborts the operation with that error and nothing is
// written. Pass nil to remove the hook.
func (s *MemoryStore) InjectFault(fn func(op, imei string) error) {
	s.faultMu.Lock()
	s.fault = fn
	s.faultMu.Unlock()
}

func (s *MemoryStore) checkFault(ctx context.Context, op, imei string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.faultMu.Lock()
	fn := s.fault
	s.faultMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, imei)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, imei string) (*Device, error) {
	if err := s.checkFault(ctx, "get", imei); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[imei]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", imei, ErrNotFound)
	}
	return d.Clone(), nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, imei string) (bool, error) {
	if err := s.checkFault(ctx, "exists", imei); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[imei]
	return ok, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, d *Device, e ledger.Event) error {
	if err := s.checkFault(ctx, "create", d.IMEI); err != nil {
		return err
	}
	if err := checkWrite(d, e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.IMEI]; ok {
		return &ConflictError{Field: "imei", Value: d.IMEI}
	}
	if d.ICCID != "" {
		if _, ok := s.iccids[d.ICCID]; ok {
			return &ConflictError{Field: "iccid", Value: d.ICCID}
		}
	}

	d.Version = 1
	if d.CreatedAt.IsZero() {
		d.CreatedAt = e.OccurredAt
	}
	d.UpdatedAt = e.OccurredAt
	s.devices[d.IMEI] = d.Clone()
	if d.ICCID != "" {
		s.iccids[d.ICCID] = d.IMEI
	}
	s.events.MustAppend(e)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, d *Device, e ledger.Event) error {
	if err := s.checkFault(ctx, "update", d.IMEI); err != nil {
		return err
	}
	if err := checkWrite(d, e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.devices[d.IMEI]
	if !ok {
		return fmt.Errorf("device %s: %w", d.IMEI, ErrNotFound)
	}
	if cur.Version != d.Version {
		return &ConflictError{Field: "version", Value: d.IMEI}
	}
	if d.ICCID != "" && d.ICCID != cur.ICCID {
		if owner, ok := s.iccids[d.ICCID]; ok && owner != d.IMEI {
			return &ConflictError{Field: "iccid", Value: d.ICCID}
		}
	}

	if cur.ICCID != "" && cur.ICCID != d.ICCID {
		delete(s.iccids, cur.ICCID)
	}
	if d.ICCID != "" {
		s.iccids[d.ICCID] = d.IMEI
	}
	d.Version++
	d.CreatedAt = cur.CreatedAt
	d.UpdatedAt = e.OccurredAt
	s.devices[d.IMEI] = d.Clone()
	s.events.MustAppend(e)
	return nil
}

func checkWrite(d *Device, e ledger.Event) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.IMEI != d.IMEI {
		return fmt.Errorf("%w: event for %s written with device %s", ledger.ErrInvalidEvent, e.IMEI, d.IMEI)
	}
	return nil
}

// ListByPallet implements Store. Devices are ordered by IMEI.
func (s *MemoryStore) ListByPallet(ctx context.Context, palletID string) ([]Device, error) {
	return s.list(ctx, func(d *Device) bool { return d.PalletID == palletID })
}

// ListByCarton implements Store. Devices are ordered by IMEI.
func (s *MemoryStore) ListByCarton(ctx context.Context, cartonID string) ([]Device, error) {
	return s.list(ctx, func(d *Device) bool { return d.CartonID == cartonID })
}

func (s *MemoryStore) list(ctx context.Context, match func(*Device) bool) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Device
	for _, d := range s.devices {
		if match(d) {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out, nil
}

// ListPalletIDs implements Store. It returns every pallet referenced by a
// device or stored as an aggregate, sorted.
func (s *MemoryStore) ListPalletIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, d := range s.devices {
		if d.PalletID != "" {
			seen[d.PalletID] = true
		}
	}
	for id := range s.pallets {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SavePallet implements Store.
func (s *MemoryStore) SavePallet(ctx context.Context, p Pallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.PalletID == "" {
		return fmt.Errorf("%w: pallet without id", ErrInvalidDevice)
	}
	p.CartonIDs = append([]string(nil), p.CartonIDs...)
	s.mu.Lock()
	s.pallets[p.PalletID] = p
	s.mu.Unlock()
	return nil
}

// GetPallet implements Store.
func (s *MemoryStore) GetPallet(ctx context.Context, palletID string) (*Pallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pallets[palletID]
	if !ok {
		return nil, fmt.Errorf("pallet %s: %w", palletID, ErrNotFound)
	}
	p.CartonIDs = append([]string(nil), p.CartonIDs...)
	return &p, nil
}

// DeletePallet implements Store.
func (s *MemoryStore) DeletePallet(ctx context.Context, palletID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.PalletID == palletID {
			return &ConflictError{Field: "pallet_id", Value: palletID}
		}
	}
	delete(s.pallets, palletID)
	return nil
}

// Append implements ledger.Ledger for events that do not accompany a
// device write.
func (s *MemoryStore) Append(ctx context.Context, e ledger.Event) (uuid.UUID, error) {
	return s.events.Append(ctx, e)
}

// History implements ledger.Ledger.
func (s *MemoryStore) History(ctx context.Context, imei string, limit int) ([]ledger.Event, error) {
	return s.events.History(ctx, imei, limit)
}

// Len returns the number of stored devices.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// EventCount returns the number of events recorded for imei.
func (s *MemoryStore) EventCount(imei string) int {
	return s.events.Len(imei)
}
