package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

const deviceColumns = `imei, iccid, state, order_number, pallet_id, carton_id,
	product_model, product_reference, customer_id, customer_name, notified,
	warranty_until, import_job_id, version, created_at, updated_at`

// Get implements device.Store.
func (s *Store) Get(ctx context.Context, imei string) (*device.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE imei = $1`, imei)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", imei, device.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get device %s: %w", imei, err))
	}
	return d, nil
}

// Exists implements device.Store.
func (s *Store) Exists(ctx context.Context, imei string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE imei = $1)`, imei).Scan(&ok)
	if err != nil {
		return false, mapError(fmt.Errorf("lookup device %s: %w", imei, err))
	}
	return ok, nil
}

// Create implements device.Store. The device and its event are inserted in
// one transaction; the primary key and ICCID index reject duplicates.
func (s *Store) Create(ctx context.Context, d *device.Device, e ledger.Event) error {
	if err := checkWrite(d, e); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = e.OccurredAt
	}
	d.UpdatedAt = e.OccurredAt

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO devices (`+deviceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)`,
			d.IMEI, nullText(d.ICCID), d.State.String(), d.OrderNumber, d.PalletID, d.CartonID,
			d.ProductModel, d.ProductReference, d.CustomerID, d.CustomerName, d.Notified,
			d.WarrantyUntil, d.ImportJobID, d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return mapError(err)
		}
		_, err = insertEvent(ctx, tx, e)
		return err
	})
	if err != nil {
		return err
	}
	d.Version = 1
	return nil
}

// Update implements device.Store with a compare-and-set on version.
func (s *Store) Update(ctx context.Context, d *device.Device, e ledger.Event) error {
	if err := checkWrite(d, e); err != nil {
		return err
	}
	d.UpdatedAt = e.OccurredAt

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE devices SET
				iccid = $2, state = $3, order_number = $4, pallet_id = $5, carton_id = $6,
				product_model = $7, product_reference = $8, customer_id = $9, customer_name = $10,
				notified = $11, warranty_until = $12, import_job_id = $13, updated_at = $14,
				version = version + 1
			WHERE imei = $1 AND version = $15`,
			d.IMEI, nullText(d.ICCID), d.State.String(), d.OrderNumber, d.PalletID, d.CartonID,
			d.ProductModel, d.ProductReference, d.CustomerID, d.CustomerName,
			d.Notified, d.WarrantyUntil, d.ImportJobID, d.UpdatedAt, d.Version,
		)
		if err != nil {
			return mapError(err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE imei = $1)`, d.IMEI).Scan(&exists); err != nil {
				return mapError(err)
			}
			if !exists {
				return fmt.Errorf("device %s: %w", d.IMEI, device.ErrNotFound)
			}
			return &device.ConflictError{Field: "version", Value: d.IMEI}
		}
		_, err = insertEvent(ctx, tx, e)
		return err
	})
	if err != nil {
		return err
	}
	d.Version++
	return nil
}

// ListByPallet implements device.Store.
func (s *Store) ListByPallet(ctx context.Context, palletID string) ([]device.Device, error) {
	devs, err := s.listDevices(ctx, `pallet_id = $1`, palletID)
	if err != nil {
		return nil, fmt.Errorf("list pallet %s: %w", palletID, err)
	}
	return devs, nil
}

// ListByCarton implements device.Store.
func (s *Store) ListByCarton(ctx context.Context, cartonID string) ([]device.Device, error) {
	devs, err := s.listDevices(ctx, `carton_id = $1`, cartonID)
	if err != nil {
		return nil, fmt.Errorf("list carton %s: %w", cartonID, err)
	}
	return devs, nil
}

func (s *Store) listDevices(ctx context.Context, where string, arg string) ([]device.Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE `+where+` ORDER BY imei`, arg)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ListPalletIDs implements device.Store.
func (s *Store) ListPalletIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pallet_id FROM devices WHERE pallet_id <> ''
		UNION
		SELECT pallet_id FROM pallets
		ORDER BY pallet_id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("list pallets: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

func scanDevice(row pgx.Row) (*device.Device, error) {
	var (
		d        device.Device
		iccid    pgtype.Text
		state    string
		warranty pgtype.Timestamptz
	)
	err := row.Scan(
		&d.IMEI, &iccid, &state, &d.OrderNumber, &d.PalletID, &d.CartonID,
		&d.ProductModel, &d.ProductReference, &d.CustomerID, &d.CustomerName, &d.Notified,
		&warranty, &d.ImportJobID, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if iccid.Valid {
		d.ICCID = iccid.String
	}
	if warranty.Valid {
		w := warranty.Time.UTC()
		d.WarrantyUntil = &w
	}
	d.State, err = lifecycle.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.IMEI, err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func checkWrite(d *device.Device, e ledger.Event) error {
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

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
