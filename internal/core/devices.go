package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
	"github.com/JonMunkholm/traceability/internal/logging"
)

var (
	// ErrAlreadyNotified is returned by NotifyCustomer for a device whose
	// customer was notified before. No event is written.
	ErrAlreadyNotified = errors.New("customer already notified")

	// ErrNoCustomer is returned by NotifyCustomer for an unassigned device.
	ErrNoCustomer = errors.New("device has no customer")

	// ErrUnchanged is returned when a mutation would not change the device.
	ErrUnchanged = errors.New("device unchanged")
)

// ContainerRef places a device in the order/pallet/carton hierarchy.
type ContainerRef = ledger.Location

// RegisterParams describes a manually registered device.
type RegisterParams struct {
	IMEI             string
	ICCID            string
	Container        ContainerRef
	ProductModel     string
	ProductReference string
	Actor            string
}

// RegisterDevice creates one device in the configured initial state.
func (s *Service) RegisterDevice(ctx context.Context, p RegisterParams) (*device.Device, error) {
	imei := identifier.Normalize(p.IMEI)
	if err := identifier.CheckIMEI(imei); err != nil {
		return nil, err
	}
	iccid := identifier.Normalize(p.ICCID)
	if iccid != "" {
		if err := identifier.CheckICCID(iccid); err != nil {
			return nil, err
		}
	}

	now := s.now()
	d := &device.Device{
		IMEI:             imei,
		ICCID:            iccid,
		State:            s.initialState,
		ProductModel:     p.ProductModel,
		ProductReference: p.ProductReference,
	}
	d.SetLocation(p.Container)
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if err := s.checkPlacement(ctx, imei, d.Location()); err != nil {
		return nil, fmt.Errorf("register %s: %w", imei, err)
	}

	ev := ledger.New(imei, ledger.EventCreated, resolveActor(ctx, p.Actor, "system"), now)
	ev.NewState = d.State
	if loc := d.Location(); !loc.IsZero() {
		ev.After = &loc
	}
	if err := s.store.Create(ctx, d, ev); err != nil {
		return nil, fmt.Errorf("register %s: %w", imei, err)
	}

	logging.FromContext(ctx).Info("device registered", "imei", imei, "state", d.State.String())
	s.recomputeAfterMove(ctx, "", d.PalletID)
	return d, nil
}

// Transition moves a device to another lifecycle state. It is the only
// place device state is written. An illegal transition returns a
// *lifecycle.InvalidTransitionError and leaves device and ledger untouched.
func (s *Service) Transition(ctx context.Context, imei string, to lifecycle.State, actor, reason string) (ledger.Event, error) {
	ev, err := s.transition(ctx, imei, to, actor, reason)
	s.metrics.ObserveTransition(to.String(), err)
	return ev, err
}

func (s *Service) transition(ctx context.Context, imei string, to lifecycle.State, actor, reason string) (ledger.Event, error) {
	d, err := s.store.Get(ctx, identifier.Normalize(imei))
	if err != nil {
		return ledger.Event{}, err
	}
	if err := lifecycle.Check(d.State, to); err != nil {
		return ledger.Event{}, err
	}

	now := s.now()
	ev := ledger.New(d.IMEI, ledger.EventStateChanged, resolveActor(ctx, actor, "system"), now)
	ev.OldState = d.State
	ev.NewState = to
	ev.Reason = reason

	d.State = to
	if to == lifecycle.Active && s.cfg.Import.WarrantyPeriod > 0 {
		until := now.Add(s.cfg.Import.WarrantyPeriod).UTC()
		d.WarrantyUntil = &until
		ev.Payload = map[string]any{"warranty_until": until}
	}

	if err := s.store.Update(ctx, d, ev); err != nil {
		return ledger.Event{}, fmt.Errorf("transition %s to %s: %w", d.IMEI, to, err)
	}
	logging.FromContext(ctx).Info("device transitioned",
		"imei", d.IMEI, "from", ev.OldState.String(), "to", to.String(), "actor", ev.Actor)
	return ev, nil
}

// AssignContainer moves a device to another carton, pallet or order and
// recomputes both the pallet it left and the one it joined. A move that
// would split a stored carton across pallets, or mix orders on a stored
// pallet, returns a *hierarchy.ViolationError and writes nothing.
func (s *Service) AssignContainer(ctx context.Context, imei string, ref ContainerRef, actor string) (ledger.Event, error) {
	d, err := s.store.Get(ctx, identifier.Normalize(imei))
	if err != nil {
		return ledger.Event{}, err
	}
	if err := lifecycle.Require(d.State, lifecycle.CapAssignContainer); err != nil {
		return ledger.Event{}, err
	}
	if d.Location() != ref {
		if err := s.checkPlacement(ctx, d.IMEI, ref); err != nil {
			return ledger.Event{}, fmt.Errorf("move %s: %w", d.IMEI, err)
		}
	}
	oldPallet := d.PalletID

	ev, err := s.moveDevice(ctx, d, ref, d.ICCID, actor, nil)
	if err != nil {
		return ledger.Event{}, err
	}
	s.recomputeAfterMove(ctx, oldPallet, d.PalletID)
	return ev, nil
}

// moveDevice writes new container references and ICCID onto d with a
// container_changed event. Callers have checked the capability.
func (s *Service) moveDevice(ctx context.Context, d *device.Device, ref ContainerRef, iccid, actor string, payload map[string]any) (ledger.Event, error) {
	before := d.Location()
	if before == ref && d.ICCID == iccid {
		return ledger.Event{}, ErrUnchanged
	}

	ev := ledger.New(d.IMEI, ledger.EventContainerChanged, resolveActor(ctx, actor, "system"), s.now())
	ev.Before = &before
	ev.After = &ref
	ev.Payload = payload
	if d.ICCID != iccid {
		if ev.Payload == nil {
			ev.Payload = make(map[string]any)
		}
		ev.Payload["old_iccid"] = d.ICCID
		ev.Payload["new_iccid"] = iccid
	}

	next := d.Clone()
	next.SetLocation(ref)
	next.ICCID = iccid
	if err := next.Validate(); err != nil {
		return ledger.Event{}, err
	}
	if err := s.store.Update(ctx, next, ev); err != nil {
		return ledger.Event{}, fmt.Errorf("move %s: %w", d.IMEI, err)
	}
	*d = *next
	return ev, nil
}

// AssignCustomer binds a device to a customer, denormalising the name from
// the directory. A new customer resets the notification flag.
func (s *Service) AssignCustomer(ctx context.Context, imei, customerID, actor string) (ledger.Event, error) {
	if s.customers == nil {
		return ledger.Event{}, ErrNoDirectory
	}
	d, err := s.store.Get(ctx, identifier.Normalize(imei))
	if err != nil {
		return ledger.Event{}, err
	}
	if err := lifecycle.Require(d.State, lifecycle.CapAssignCustomer); err != nil {
		return ledger.Event{}, err
	}
	name, err := s.customers.CustomerName(ctx, customerID)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("resolve customer %s: %w", customerID, err)
	}
	if d.CustomerID == customerID && d.CustomerName == name {
		return ledger.Event{}, ErrUnchanged
	}

	ev := ledger.New(d.IMEI, ledger.EventCustomerAssigned, resolveActor(ctx, actor, "system"), s.now())
	ev.Payload = map[string]any{
		"customer_id":       customerID,
		"customer_name":     name,
		"previous_customer": d.CustomerID,
	}
	if d.CustomerID != customerID {
		d.Notified = false
	}
	d.CustomerID = customerID
	d.CustomerName = name
	if err := s.store.Update(ctx, d, ev); err != nil {
		return ledger.Event{}, fmt.Errorf("assign customer to %s: %w", d.IMEI, err)
	}
	return ev, nil
}

// NotifyCustomer records that the customer of a device was notified. A
// second call returns ErrAlreadyNotified without writing an event.
func (s *Service) NotifyCustomer(ctx context.Context, imei, actor string) (ledger.Event, error) {
	d, err := s.store.Get(ctx, identifier.Normalize(imei))
	if err != nil {
		return ledger.Event{}, err
	}
	if err := lifecycle.Require(d.State, lifecycle.CapNotifyCustomer); err != nil {
		return ledger.Event{}, err
	}
	if d.CustomerID == "" {
		return ledger.Event{}, ErrNoCustomer
	}
	if d.Notified {
		return ledger.Event{}, ErrAlreadyNotified
	}

	ev := ledger.New(d.IMEI, ledger.EventCustomerNotified, resolveActor(ctx, actor, "system"), s.now())
	ev.Payload = map[string]any{"customer_id": d.CustomerID}
	d.Notified = true
	if err := s.store.Update(ctx, d, ev); err != nil {
		return ledger.Event{}, fmt.Errorf("notify customer of %s: %w", d.IMEI, err)
	}
	return ev, nil
}

// History returns the events of a device, oldest first. A positive limit
// keeps the most recent ones.
func (s *Service) History(ctx context.Context, imei string, limit int) ([]ledger.Event, error) {
	imei = identifier.Normalize(imei)
	if err := identifier.CheckIMEI(imei); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, imei, limit)
}

// ReconcileResult reports what ReconcileState found.
type ReconcileResult struct {
	IMEI      string          `json:"imei"`
	Stored    lifecycle.State `json:"stored"`
	Effective lifecycle.State `json:"effective"`
	Changed   bool            `json:"changed"`
}

// ReconcileState replays the ledger of a device and, when the stored state
// drifted from it, writes the effective state back with a state_reconciled
// event.
func (s *Service) ReconcileState(ctx context.Context, imei, actor string) (ReconcileResult, error) {
	d, err := s.store.Get(ctx, identifier.Normalize(imei))
	if err != nil {
		return ReconcileResult{}, err
	}
	events, err := s.ledger.History(ctx, d.IMEI, 0)
	if err != nil {
		return ReconcileResult{}, err
	}
	effective, err := ledger.Replay(events)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("replay %s: %w", d.IMEI, err)
	}

	res := ReconcileResult{IMEI: d.IMEI, Stored: d.State, Effective: effective}
	if effective == d.State {
		return res, nil
	}

	ev := ledger.New(d.IMEI, ledger.EventStateReconciled, resolveActor(ctx, actor, "system"), s.now())
	ev.OldState = d.State
	ev.NewState = effective
	d.State = effective
	if err := s.store.Update(ctx, d, ev); err != nil {
		return res, fmt.Errorf("reconcile %s: %w", d.IMEI, err)
	}
	res.Changed = true
	logging.FromContext(ctx).Warn("device state drifted from ledger",
		"imei", d.IMEI, "stored", res.Stored.String(), "effective", effective.String())
	return res, nil
}

// RecomputePallet rebuilds a pallet aggregate from its devices and stores
// it. A pallet without devices is deleted and returned with zero counts.
func (s *Service) RecomputePallet(ctx context.Context, palletID string) (device.Pallet, error) {
	p, err := s.recomputePallet(ctx, palletID)
	s.metrics.ObserveRecompute(err)
	return p, err
}

func (s *Service) recomputePallet(ctx context.Context, palletID string) (device.Pallet, error) {
	devices, err := s.store.ListByPallet(ctx, palletID)
	if err != nil {
		return device.Pallet{}, err
	}
	p, err := hierarchy.Recompute(palletID, devices, s.now())
	if err != nil {
		return device.Pallet{}, err
	}
	if p.DeviceCount == 0 {
		if err := s.store.DeletePallet(ctx, palletID); err != nil {
			return device.Pallet{}, err
		}
		return p, nil
	}
	if err := s.store.SavePallet(ctx, p); err != nil {
		return device.Pallet{}, err
	}
	return p, nil
}

// recomputeAfterMove refreshes the pallets a single-device write touched.
// Failures are logged; the scheduled reconciliation repairs them.
func (s *Service) recomputeAfterMove(ctx context.Context, pallets ...string) {
	seen := make(map[string]bool, len(pallets))
	for _, id := range pallets {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.RecomputePallet(ctx, id); err != nil {
			logging.FromContext(ctx).Error("pallet recompute failed", "pallet_id", id, "error", err)
		}
	}
}

// PalletSummary is the outcome of a full pallet reconciliation.
type PalletSummary struct {
	Pallets    []device.Pallet `json:"pallets"`
	Deleted    []string        `json:"deleted,omitempty"`
	Violations []error         `json:"-"`
}

// ReconcilePallets recomputes every pallet and reports pallets whose
// devices violate the hierarchy, plus cartons split across pallets.
func (s *Service) ReconcilePallets(ctx context.Context) (PalletSummary, error) {
	ids, err := s.store.ListPalletIDs(ctx)
	if err != nil {
		return PalletSummary{}, err
	}

	var sum PalletSummary
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		p, err := s.RecomputePallet(ctx, id)
		switch {
		case errors.Is(err, hierarchy.ErrHierarchyViolation):
			sum.Violations = append(sum.Violations, err)
		case err != nil:
			return sum, fmt.Errorf("recompute pallet %s: %w", id, err)
		case p.DeviceCount == 0:
			sum.Deleted = append(sum.Deleted, id)
		default:
			sum.Pallets = append(sum.Pallets, p)
		}
	}
	for _, v := range hierarchy.SplitCartons(sum.Pallets) {
		sum.Violations = append(sum.Violations, v)
	}
	return sum, nil
}

// cartonSplits returns the split cartons that involve any of the given
// pallets, judged against every stored pallet.
func (s *Service) cartonSplits(ctx context.Context, touched map[string]bool) ([]*hierarchy.ViolationError, error) {
	ids, err := s.store.ListPalletIDs(ctx)
	if err != nil {
		return nil, err
	}
	pallets := make([]device.Pallet, 0, len(ids))
	for _, id := range ids {
		p, err := s.store.GetPallet(ctx, id)
		if errors.Is(err, device.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pallets = append(pallets, *p)
	}

	var out []*hierarchy.ViolationError
	for _, v := range hierarchy.SplitCartons(pallets) {
		for _, id := range v.Values {
			if touched[id] {
				out = append(out, v)
				break
			}
		}
	}
	return out, nil
}
