// Package device holds the device and pallet records and the storage
// contract the rest of the system writes them through.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// Device is one manufactured unit, identified by its IMEI.
type Device struct {
	IMEI             string          `json:"imei"`
	ICCID            string          `json:"iccid,omitempty"`
	State            lifecycle.State `json:"state"`
	OrderNumber      string          `json:"order_number,omitempty"`
	PalletID         string          `json:"pallet_id,omitempty"`
	CartonID         string          `json:"carton_id,omitempty"`
	ProductModel     string          `json:"product_model,omitempty"`
	ProductReference string          `json:"product_reference,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	CustomerName     string          `json:"customer_name,omitempty"`
	Notified         bool            `json:"notified"`
	WarrantyUntil    *time.Time      `json:"warranty_until,omitempty"`
	ImportJobID      string          `json:"import_job_id,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ErrInvalidDevice is wrapped by Validate failures.
var ErrInvalidDevice = errors.New("device: invalid record")

// Validate checks the invariants every stored device must satisfy.
func (d *Device) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if err := identifier.CheckIMEI(d.IMEI); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}
	if d.ICCID != "" {
		if err := identifier.CheckICCID(d.ICCID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
		}
	}
	if !d.State.Valid() {
		return fmt.Errorf("%w: state %d", ErrInvalidDevice, uint8(d.State))
	}
	if d.CartonID != "" && d.PalletID == "" {
		return fmt.Errorf("%w: carton %s has no pallet", ErrInvalidDevice, d.CartonID)
	}
	return nil
}

// Location returns the container references of the device.
func (d *Device) Location() ledger.Location {
	return ledger.Location{
		OrderNumber: d.OrderNumber,
		PalletID:    d.PalletID,
		CartonID:    d.CartonID,
	}
}

// SetLocation overwrites the container references of the device.
func (d *Device) SetLocation(l ledger.Location) {
	d.OrderNumber = l.OrderNumber
	d.PalletID = l.PalletID
	d.CartonID = l.CartonID
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	c := *d
	if d.WarrantyUntil != nil {
		w := *d.WarrantyUntil
		c.WarrantyUntil = &w
	}
	return &c
}

// Pallet is the derived aggregate of every carton, and through them every
// device, loaded on one pallet. It is always rebuilt from the member devices.
type Pallet struct {
	PalletID    string    `json:"pallet_id"`
	OrderNumber string    `json:"order_number"`
	CartonIDs   []string  `json:"carton_ids"`
	CartonCount int       `json:"carton_count"`
	DeviceCount int       `json:"device_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}
