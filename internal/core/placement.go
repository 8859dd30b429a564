package core

import (
	"context"
	"errors"
	"sort"

	"github.com/JonMunkholm/traceability/internal/hierarchy"
)

// Stored devices of a carton share one pallet, and stored devices of a
// pallet share one order. The checks below compare a planned placement with
// what is already stored, before anything is written. Devices for which
// skip returns true are about to be placed elsewhere and are ignored.

func (s *Service) checkCarton(ctx context.Context, cartonID, palletID string, skip func(string) bool) error {
	if cartonID == "" {
		return nil
	}
	members, err := s.store.ListByCarton(ctx, cartonID)
	if err != nil {
		return err
	}
	pallets := make(map[string]bool)
	for _, m := range members {
		if !skip(m.IMEI) && m.PalletID != palletID {
			pallets[m.PalletID] = true
		}
	}
	if len(pallets) == 0 {
		return nil
	}
	pallets[palletID] = true
	return &hierarchy.ViolationError{Kind: "carton_pallet", ID: cartonID, Values: keys(pallets)}
}

// checkPallet ignores devices without an order on either side.
func (s *Service) checkPallet(ctx context.Context, palletID, order string, skip func(string) bool) error {
	if palletID == "" || order == "" {
		return nil
	}
	members, err := s.store.ListByPallet(ctx, palletID)
	if err != nil {
		return err
	}
	orders := make(map[string]bool)
	for _, m := range members {
		if !skip(m.IMEI) && m.OrderNumber != "" && m.OrderNumber != order {
			orders[m.OrderNumber] = true
		}
	}
	if len(orders) == 0 {
		return nil
	}
	orders[order] = true
	return &hierarchy.ViolationError{Kind: "pallet_order", ID: palletID, Values: keys(orders)}
}

// checkPlacement validates moving or registering the single device imei at
// ref.
func (s *Service) checkPlacement(ctx context.Context, imei string, ref ContainerRef) error {
	self := func(m string) bool { return m == imei }
	if err := s.checkCarton(ctx, ref.CartonID, ref.PalletID, self); err != nil {
		return err
	}
	return s.checkPallet(ctx, ref.PalletID, ref.OrderNumber, self)
}

// placementErrors checks every carton and pallet of an import against
// storage once. In upsert mode the devices of the file itself are ignored,
// since the job moves them. The result is keyed by row number; rows that
// passed are absent.
func (s *Service) placementErrors(ctx context.Context, rows []hierarchy.Row, mode Mode) map[int]error {
	skip := func(string) bool { return false }
	if mode == ModeUpsert {
		inFile := make(map[string]bool, len(rows))
		for _, r := range rows {
			inFile[r.IMEI] = true
		}
		skip = func(imei string) bool { return inFile[imei] }
	}

	cartons := make(map[string]error)
	pallets := make(map[string]error)
	out := make(map[int]error)
	for _, r := range rows {
		err, seen := cartons[r.CartonID]
		if !seen {
			err = s.retry(ctx, func(ctx context.Context) error {
				return s.checkCarton(ctx, r.CartonID, r.PalletID, skip)
			})
			cartons[r.CartonID] = err
		}
		if err == nil {
			key := r.PalletID + "\x00" + r.OrderNumber
			var seen bool
			if err, seen = pallets[key]; !seen {
				err = s.retry(ctx, func(ctx context.Context) error {
					return s.checkPallet(ctx, r.PalletID, r.OrderNumber, skip)
				})
				pallets[key] = err
			}
		}
		if err != nil {
			out[r.Number] = err
		}
	}
	return out
}

// placementIssue reports a row whose placement conflicts with storage.
func placementIssue(row hierarchy.Row, err error) RowIssue {
	var v *hierarchy.ViolationError
	if !errors.As(err, &v) {
		return storageIssue(row, err)
	}
	is := RowIssue{
		Row:      row.Number,
		Field:    "carton_id",
		Value:    v.ID,
		Code:     CodeCartonSplit,
		Category: hierarchy.CategoryHierarchy,
		Severity: hierarchy.SeverityError,
		Message:  v.Error(),
	}
	if v.Kind == "pallet_order" {
		is.Field, is.Code = "pallet_id", CodePalletOrders
	}
	return is
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
