package hierarchy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/JonMunkholm/traceability/internal/identifier"
)

// Check identifies the rule that raised an issue. The numeric order is the
// order in which issues against the same row are reported.
type Check int

const (
	CheckIMEIFormat Check = iota + 1
	CheckICCIDFormat
	CheckIMEIDuplicate
	CheckICCIDDuplicate
	CheckCartonPallet
	CheckPalletOrder
	CheckDensity
)

// Engine runs the consistency checks. The zero value is not usable; build
// one with NewEngine.
type Engine struct {
	opts Options
}

// NewEngine returns an engine with opts, defaults filled in.
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// validation is the working state of one Validate call.
type validation struct {
	rows     []Row
	rejected map[int]bool
	issues   []Issue
}

func (v *validation) add(check Check, r Row, field, value string, cat Category, sev Severity, msg string) {
	v.issues = append(v.issues, Issue{
		Row:      r.Number,
		Field:    field,
		Value:    value,
		Category: cat,
		Severity: sev,
		Message:  msg,
		Check:    check,
	})
	if sev == SeverityError {
		v.rejected[r.Number] = true
	}
}

// Validate runs every check over rows and returns the accepted rows, the
// issues and the aggregates of the accepted rows. Every offending row is
// flagged, not only the first one of a group. rows is not modified.
func (e *Engine) Validate(rows []Row) Result {
	v := &validation{
		rows:     make([]Row, len(rows)),
		rejected: make(map[int]bool),
	}
	copy(v.rows, rows)

	// Rows that passed the IMEI format check; only these take part in the
	// grouping checks.
	formatted := make([]int, 0, len(v.rows))

	for i := range v.rows {
		r := &v.rows[i]
		if err := identifier.CheckIMEI(r.IMEI); err != nil {
			v.add(CheckIMEIFormat, *r, identifier.FieldIMEI, r.IMEI, CategoryFormat, SeverityError, "IMEI "+err.Reason)
			continue
		}
		formatted = append(formatted, i)
		if r.ICCID != "" {
			if err := identifier.CheckICCID(r.ICCID); err != nil {
				v.add(CheckICCIDFormat, *r, identifier.FieldICCID, r.ICCID, CategoryFormat, SeverityWarning,
					"ICCID "+err.Reason+"; ICCID dropped")
				r.ICCID = ""
			}
		}
	}

	v.checkDuplicates(formatted)
	v.checkCartons(formatted)
	v.checkPallets(formatted)

	var accepted []Row
	for _, r := range v.rows {
		if !v.rejected[r.Number] {
			accepted = append(accepted, r)
		}
	}
	agg := Aggregate(accepted)
	v.checkDensity(e.opts, accepted)

	sort.SliceStable(v.issues, func(i, j int) bool {
		if v.issues[i].Row != v.issues[j].Row {
			return v.issues[i].Row < v.issues[j].Row
		}
		return v.issues[i].Check < v.issues[j].Check
	})

	res := Result{
		Accepted:   accepted,
		Rejected:   v.rejected,
		Aggregates: agg,
	}
	for _, is := range v.issues {
		if is.Severity == SeverityError {
			res.Errors = append(res.Errors, is)
		} else {
			res.Warnings = append(res.Warnings, is)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func (v *validation) checkDuplicates(idx []int) {
	imeis := make(map[string]int)
	iccids := make(map[string]int)
	for _, i := range idx {
		r := v.rows[i]
		if first, ok := imeis[r.IMEI]; ok {
			v.add(CheckIMEIDuplicate, r, identifier.FieldIMEI, r.IMEI, CategoryDuplicate, SeverityError,
				fmt.Sprintf("IMEI %s already appears at row %d", r.IMEI, first))
		} else {
			imeis[r.IMEI] = r.Number
		}
		if r.ICCID == "" {
			continue
		}
		if first, ok := iccids[r.ICCID]; ok {
			v.add(CheckICCIDDuplicate, r, identifier.FieldICCID, r.ICCID, CategoryDuplicate, SeverityError,
				fmt.Sprintf("ICCID %s already appears at row %d", r.ICCID, first))
		} else {
			iccids[r.ICCID] = r.Number
		}
	}
}

// checkCartons flags every row of a carton that maps to more than one
// pallet, and every carton row without a pallet.
func (v *validation) checkCartons(idx []int) {
	pallets := make(map[string]map[string]bool)
	for _, i := range idx {
		r := v.rows[i]
		if r.CartonID == "" || r.PalletID == "" {
			continue
		}
		if pallets[r.CartonID] == nil {
			pallets[r.CartonID] = make(map[string]bool)
		}
		pallets[r.CartonID][r.PalletID] = true
	}
	for _, i := range idx {
		r := v.rows[i]
		if r.CartonID == "" {
			continue
		}
		if r.PalletID == "" {
			v.add(CheckCartonPallet, r, "pallet_id", "", CategoryHierarchy, SeverityError,
				fmt.Sprintf("carton %s has no pallet", r.CartonID))
			continue
		}
		if set := pallets[r.CartonID]; len(set) > 1 {
			v.add(CheckCartonPallet, r, "carton_id", r.CartonID, CategoryHierarchy, SeverityError,
				fmt.Sprintf("carton %s is mapped to pallets %s", r.CartonID, joinKeys(set)))
		}
	}
}

// checkPallets flags every row of a pallet that maps to more than one
// order. Rows without an order number do not count as a distinct order.
func (v *validation) checkPallets(idx []int) {
	orders := make(map[string]map[string]bool)
	for _, i := range idx {
		r := v.rows[i]
		if r.PalletID == "" || r.OrderNumber == "" {
			continue
		}
		if orders[r.PalletID] == nil {
			orders[r.PalletID] = make(map[string]bool)
		}
		orders[r.PalletID][r.OrderNumber] = true
	}
	for _, i := range idx {
		r := v.rows[i]
		if set := orders[r.PalletID]; r.PalletID != "" && len(set) > 1 {
			v.add(CheckPalletOrder, r, "pallet_id", r.PalletID, CategoryHierarchy, SeverityError,
				fmt.Sprintf("pallet %s is mapped to orders %s", r.PalletID, joinKeys(set)))
		}
	}
}

// checkDensity raises batch-level warnings when the mean carton or pallet
// fill deviates from the expected density, and a row-level warning on the
// first row of every overfilled carton.
func (v *validation) checkDensity(opts Options, accepted []Row) {
	perCarton := make(map[string]int)
	firstRow := make(map[string]Row)
	cartonsPerPallet := make(map[string]map[string]bool)
	for _, r := range accepted {
		if r.CartonID == "" {
			continue
		}
		if perCarton[r.CartonID] == 0 {
			firstRow[r.CartonID] = r
		}
		perCarton[r.CartonID]++
		if cartonsPerPallet[r.PalletID] == nil {
			cartonsPerPallet[r.PalletID] = make(map[string]bool)
		}
		cartonsPerPallet[r.PalletID][r.CartonID] = true
	}
	if len(perCarton) == 0 {
		return
	}

	devices := 0
	for _, n := range perCarton {
		devices += n
	}
	mean := float64(devices) / float64(len(perCarton))
	if deviates(mean, opts.ExpectedDensity, opts.DensityTolerance) {
		v.add(CheckDensity, Row{}, "carton_id", "", CategoryDensity, SeverityWarning,
			fmt.Sprintf("mean %.1f devices per carton, expected %d", mean, opts.ExpectedDensity))
	}

	cartons := 0
	for _, set := range cartonsPerPallet {
		cartons += len(set)
	}
	meanCartons := float64(cartons) / float64(len(cartonsPerPallet))
	if deviates(meanCartons, opts.ExpectedCartons, opts.DensityTolerance) {
		v.add(CheckDensity, Row{}, "pallet_id", "", CategoryDensity, SeverityWarning,
			fmt.Sprintf("mean %.1f cartons per pallet, expected %d", meanCartons, opts.ExpectedCartons))
	}

	limit := float64(opts.ExpectedDensity) * (1 + opts.DensityTolerance)
	for _, id := range sortedKeys(perCarton) {
		if n := perCarton[id]; float64(n) > limit {
			v.add(CheckDensity, firstRow[id], "carton_id", id, CategoryDensity, SeverityWarning,
				fmt.Sprintf("carton %s holds %d devices, expected at most %d", id, n, opts.ExpectedDensity))
		}
	}
}

func deviates(mean float64, expected int, tolerance float64) bool {
	return math.Abs(mean-float64(expected)) > float64(expected)*tolerance
}

// Aggregate rolls rows up into totals and per-pallet counts. It trusts the
// rows to be consistent; run it on accepted rows only.
func Aggregate(rows []Row) Aggregates {
	cartons := make(map[string]bool)
	orders := make(map[string]bool)
	type rollup struct {
		order   string
		cartons map[string]bool
		devices int
	}
	pallets := make(map[string]*rollup)

	for _, r := range rows {
		if r.CartonID != "" {
			cartons[r.CartonID] = true
		}
		if r.OrderNumber != "" {
			orders[r.OrderNumber] = true
		}
		if r.PalletID == "" {
			continue
		}
		p := pallets[r.PalletID]
		if p == nil {
			p = &rollup{cartons: make(map[string]bool)}
			pallets[r.PalletID] = p
		}
		if p.order == "" {
			p.order = r.OrderNumber
		}
		if r.CartonID != "" {
			p.cartons[r.CartonID] = true
		}
		p.devices++
	}

	agg := Aggregates{
		TotalDevices: len(rows),
		TotalCartons: len(cartons),
		TotalPallets: len(pallets),
		TotalOrders:  len(orders),
	}
	for _, id := range sortedKeys(pallets) {
		p := pallets[id]
		ids := sortedKeys(p.cartons)
		agg.Pallets = append(agg.Pallets, PalletRollup{
			PalletID:    id,
			OrderNumber: p.order,
			CartonIDs:   ids,
			CartonCount: len(ids),
			DeviceCount: p.devices,
		})
	}
	return agg
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinKeys(set map[string]bool) string {
	return strings.Join(sortedKeys(set), ", ")
}
