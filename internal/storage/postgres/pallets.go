package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/identifier"
)

// SavePallet implements device.Store. The stored aggregate is replaced as
// a whole.
func (s *Store) SavePallet(ctx context.Context, p device.Pallet) error {
	if p.PalletID == "" {
		return fmt.Errorf("%w: pallet without id", device.ErrInvalidDevice)
	}
	cartons := p.CartonIDs
	if cartons == nil {
		cartons = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO pallets
			(pallet_id, order_number, carton_ids, carton_count, device_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pallet_id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			carton_ids = EXCLUDED.carton_ids,
			carton_count = EXCLUDED.carton_count,
			device_count = EXCLUDED.device_count,
			updated_at = EXCLUDED.updated_at`,
		p.PalletID, p.OrderNumber, cartons, p.CartonCount, p.DeviceCount, p.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("save pallet %s: %w", p.PalletID, err))
	}
	return nil
}

// GetPallet implements device.Store.
func (s *Store) GetPallet(ctx context.Context, palletID string) (*device.Pallet, error) {
	var p device.Pallet
	err := s.pool.QueryRow(ctx, `SELECT pallet_id, order_number, carton_ids, carton_count, device_count, updated_at
		FROM pallets WHERE pallet_id = $1`, palletID).
		Scan(&p.PalletID, &p.OrderNumber, &p.CartonIDs, &p.CartonCount, &p.DeviceCount, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pallet %s: %w", palletID, device.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get pallet %s: %w", palletID, err))
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// DeletePallet implements device.Store. The reference check and the delete
// are one statement, so a concurrent assignment cannot slip between them.
func (s *Store) DeletePallet(ctx context.Context, palletID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pallets WHERE pallet_id = $1
		AND NOT EXISTS (SELECT 1 FROM devices WHERE pallet_id = $1)`, palletID)
	if err != nil {
		return mapError(fmt.Errorf("delete pallet %s: %w", palletID, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var referenced bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM devices WHERE pallet_id = $1)`, palletID).Scan(&referenced)
	if err != nil {
		return mapError(fmt.Errorf("check pallet %s: %w", palletID, err))
	}
	if referenced {
		return &device.ConflictError{Field: "pallet_id", Value: palletID}
	}
	return nil
}

// RecordBatch stores the audit record of one ICCID range generation.
func (s *Store) RecordBatch(ctx context.Context, b identifier.GenerationBatch) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO iccid_batches (id, start_iccid, end_iccid, count, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Start, b.End, b.Count, b.Actor, b.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("record iccid batch %s: %w", b.ID, err))
	}
	return nil
}

// ListBatches returns the most recent generation batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]identifier.GenerationBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id, start_iccid, end_iccid, count, actor, created_at
		FROM iccid_batches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("list iccid batches: %w", err))
	}
	batches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (identifier.GenerationBatch, error) {
		var b identifier.GenerationBatch
		err := row.Scan(&b.ID, &b.Start, &b.End, &b.Count, &b.Actor, &b.CreatedAt)
		b.CreatedAt = b.CreatedAt.UTC()
		return b, err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return batches, nil
}
