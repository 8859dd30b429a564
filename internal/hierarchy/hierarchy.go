// Package hierarchy checks that a batch of device rows describes a
// consistent order -> pallet -> carton -> device tree and rolls the accepted
// rows up into pallet aggregates.
package hierarchy

// Row is one flat input record. Number is the 1-based data row of the
// source file and is carried into every issue raised for the row.
type Row struct {
	Number           int    `json:"row"`
	OrderNumber      string `json:"order_number,omitempty"`
	IMEI             string `json:"imei"`
	ICCID            string `json:"iccid,omitempty"`
	CartonID         string `json:"carton_id,omitempty"`
	PalletID         string `json:"pallet_id,omitempty"`
	ProductModel     string `json:"product_model,omitempty"`
	ProductReference string `json:"product_reference,omitempty"`
}

// Category groups issues by the check that raised them.
type Category string

const (
	CategoryFormat    Category = "format"
	CategoryDuplicate Category = "duplicate"
	CategoryHierarchy Category = "hierarchy"
	CategoryDensity   Category = "density"
)

// Severity says whether an issue blocks the row.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding against a row. Row 0 marks a batch-level finding.
type Issue struct {
	Row      int      `json:"row"`
	Field    string   `json:"field,omitempty"`
	Value    string   `json:"value,omitempty"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Check    Check    `json:"check"`
}

// Result is the outcome of Validate.
type Result struct {
	// Valid is false when any error-class issue was raised. Callers must
	// not commit or export an invalid batch as a whole.
	Valid bool

	// Accepted holds the rows that raised no error, in input order. Rows
	// whose ICCID failed its format check appear here with ICCID cleared.
	Accepted []Row

	// Rejected is keyed by Row.Number.
	Rejected map[int]bool

	Errors     []Issue
	Warnings   []Issue
	Aggregates Aggregates
}

// Aggregates summarises the accepted rows.
type Aggregates struct {
	TotalDevices int            `json:"total_devices"`
	TotalCartons int            `json:"total_cartons"`
	TotalPallets int            `json:"total_pallets"`
	TotalOrders  int            `json:"total_orders"`
	Pallets      []PalletRollup `json:"pallets,omitempty"`
}

// PalletRollup is the carton and device count of one pallet.
type PalletRollup struct {
	PalletID    string   `json:"pallet_id"`
	OrderNumber string   `json:"order_number,omitempty"`
	CartonIDs   []string `json:"carton_ids"`
	CartonCount int      `json:"carton_count"`
	DeviceCount int      `json:"device_count"`
}

// DefaultExpectedDensity is the usual number of devices per carton and of
// cartons per pallet.
const DefaultExpectedDensity = 48

// DefaultDensityTolerance is the relative deviation from the expected
// density tolerated before a warning is raised.
const DefaultDensityTolerance = 0.10

// Options tunes the density checks. Zero values take the defaults.
type Options struct {
	ExpectedDensity  int     // devices per carton
	ExpectedCartons  int     // cartons per pallet
	DensityTolerance float64 // relative, 0.10 = 10%
}

func (o Options) withDefaults() Options {
	if o.ExpectedDensity <= 0 {
		o.ExpectedDensity = DefaultExpectedDensity
	}
	if o.ExpectedCartons <= 0 {
		o.ExpectedCartons = DefaultExpectedDensity
	}
	if o.DensityTolerance <= 0 {
		o.DensityTolerance = DefaultDensityTolerance
	}
	return o
}
