package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/traceability/internal/device"
)

// ErrHierarchyViolation matches every ViolationError.
var ErrHierarchyViolation = errors.New("hierarchy: violation")

// ViolationError reports stored devices that no longer form a consistent
// tree.
type ViolationError struct {
	Kind   string // pallet_order, carton_pallet or membership
	ID     string // pallet or carton id
	Values []string
}

func (e *ViolationError) Error() string {
	switch e.Kind {
	case "pallet_order":
		return fmt.Sprintf("pallet %s is mapped to orders %v", e.ID, e.Values)
	case "carton_pallet":
		return fmt.Sprintf("carton %s is mapped to pallets %v", e.ID, e.Values)
	default:
		return fmt.Sprintf("pallet %s: devices %v are not on it", e.ID, e.Values)
	}
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrHierarchyViolation
}

// Recompute rebuilds the aggregate of one pallet from its member devices.
// It never adjusts a previous aggregate incrementally. An empty member list
// yields an aggregate with zero counts, which callers use to drop the pallet.
func Recompute(palletID string, devices []device.Device, now time.Time) (device.Pallet, error) {
	p := device.Pallet{PalletID: palletID, UpdatedAt: now.UTC()}

	var strays []string
	orders := make(map[string]bool)
	cartons := make(map[string]bool)
	for _, d := range devices {
		if d.PalletID != palletID {
			strays = append(strays, d.IMEI)
			continue
		}
		if d.OrderNumber != "" {
			orders[d.OrderNumber] = true
		}
		if d.CartonID != "" {
			cartons[d.CartonID] = true
		}
		p.DeviceCount++
	}
	if len(strays) > 0 {
		sort.Strings(strays)
		return device.Pallet{}, &ViolationError{Kind: "membership", ID: palletID, Values: strays}
	}
	if len(orders) > 1 {
		return device.Pallet{}, &ViolationError{Kind: "pallet_order", ID: palletID, Values: sortedKeys(orders)}
	}
	for o := range orders {
		p.OrderNumber = o
	}
	p.CartonIDs = sortedKeys(cartons)
	p.CartonCount = len(p.CartonIDs)
	return p, nil
}

// SplitCartons returns a ViolationError for every carton that appears on
// more than one of the given pallets, ordered by carton id.
func SplitCartons(pallets []device.Pallet) []*ViolationError {
	seen := make(map[string]map[string]bool)
	for _, p := range pallets {
		for _, c := range p.CartonIDs {
			if seen[c] == nil {
				seen[c] = make(map[string]bool)
			}
			seen[c][p.PalletID] = true
		}
	}
	var out []*ViolationError
	for _, c := range sortedKeys(seen) {
		if len(seen[c]) > 1 {
			out = append(out, &ViolationError{Kind: "carton_pallet", ID: c, Values: sortedKeys(seen[c])})
		}
	}
	return out
}
