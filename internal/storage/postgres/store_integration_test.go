//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

const (
	imeiA  = "490154203237518"
	imeiB  = "356938035643809"
	iccidA = "89014103211118510720"
)

var t0 = time.Date(2024, 8, 1, 6, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("traceability"),
		tcpostgres.WithUsername("trace"),
		tcpostgres.WithPassword("trace"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "schema is re-runnable")
	return s
}

func imported(imei string) ledger.Event {
	e := ledger.New(imei, ledger.EventImported, "it", t0)
	e.NewState = lifecycle.InProduction
	e.After = &ledger.Location{OrderNumber: "ORD-1", PalletID: "P1", CartonID: "C1"}
	e.Payload = map[string]any{"row": float64(3)}
	return e
}

func testDevice(imei string) *device.Device {
	return &device.Device{
		IMEI:        imei,
		State:       lifecycle.InProduction,
		OrderNumber: "ORD-1",
		PalletID:    "P1",
		CartonID:    "C1",
	}
}

func TestStore_CreateGetHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := testDevice(imeiA)
	d.ICCID = iccidA
	ev := imported(imeiA)
	require.NoError(t, s.Create(ctx, d, ev))
	assert.Equal(t, int64(1), d.Version)

	got, err := s.Get(ctx, imeiA)
	require.NoError(t, err)
	assert.Equal(t, iccidA, got.ICCID)
	assert.Equal(t, lifecycle.InProduction, got.State)
	assert.Equal(t, t0, got.CreatedAt)

	hist, err := s.History(ctx, imeiA, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ev.ID, hist[0].ID)
	assert.Equal(t, ev.After, hist[0].After)
	assert.Equal(t, float64(3), hist[0].Payload["row"])

	_, err = s.Get(ctx, imeiB)
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestStore_UniqueGuards(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := testDevice(imeiA)
	first.ICCID = iccidA
	require.NoError(t, s.Create(ctx, first, imported(imeiA)))

	var ce *device.ConflictError
	err := s.Create(ctx, testDevice(imeiA), imported(imeiA))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "imei", ce.Field)
	assert.Equal(t, imeiA, ce.Value)

	other := testDevice(imeiB)
	other.ICCID = iccidA
	err = s.Create(ctx, other, imported(imeiB))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "iccid", ce.Field)

	hist, err := s.History(ctx, imeiB, 0)
	require.NoError(t, err)
	assert.Empty(t, hist, "failed create leaves no event")
}

func TestStore_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var mu sync.Mutex
	wins, conflicts := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Create(ctx, testDevice(imeiA), imported(imeiA))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, device.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func TestStore_UpdateVersionAndHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, testDevice(imeiA), imported(imeiA)))

	d, err := s.Get(ctx, imeiA)
	require.NoError(t, err)
	stale := d.Clone()

	d.State = lifecycle.QualityControl
	ev := ledger.New(imeiA, ledger.EventStateChanged, "it", t0.Add(time.Minute))
	ev.OldState, ev.NewState = lifecycle.InProduction, lifecycle.QualityControl
	require.NoError(t, s.Update(ctx, d, ev))
	assert.Equal(t, int64(2), d.Version)

	stale.CartonID = "C9"
	err = s.Update(ctx, stale, ledger.New(imeiA, ledger.EventContainerChanged, "it", t0.Add(2*time.Minute)))
	assert.ErrorIs(t, err, device.ErrConflict)

	hist, err := s.History(ctx, imeiA, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ev.ID, hist[0].ID)

	state, err := ledger.Replay(mustHistory(t, s, imeiA))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.QualityControl, state)
}

func mustHistory(t *testing.T, s *Store, imei string) []ledger.Event {
	t.Helper()
	h, err := s.History(context.Background(), imei, 0)
	require.NoError(t, err)
	return h
}

func TestStore_EventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, testDevice(imeiA), imported(imeiA)))

	_, err := s.pool.Exec(ctx, `DELETE FROM device_events WHERE imei = $1`, imeiA)
	assert.Error(t, err)
	assert.Len(t, mustHistory(t, s, imeiA), 1)
}

func TestStore_Pallets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, testDevice(imeiA), imported(imeiA)))

	p := device.Pallet{PalletID: "P1", OrderNumber: "ORD-1", CartonIDs: []string{"C1"}, CartonCount: 1, DeviceCount: 1, UpdatedAt: t0}
	require.NoError(t, s.SavePallet(ctx, p))
	p.DeviceCount = 2
	require.NoError(t, s.SavePallet(ctx, p))
	require.NoError(t, s.SavePallet(ctx, device.Pallet{PalletID: "P0", UpdatedAt: t0}))

	got, err := s.GetPallet(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, p, *got)

	ids, err := s.ListPalletIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0", "P1"}, ids)

	devs, err := s.ListByPallet(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, devs, 1)

	devs, err = s.ListByCarton(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, devs, 1)

	assert.ErrorIs(t, s.DeletePallet(ctx, "P1"), device.ErrConflict)
	require.NoError(t, s.DeletePallet(ctx, "P0"))
	_, err = s.GetPallet(ctx, "P0")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestStore_Batches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	items, err := identifier.GenerateICCIDRange("89882470000000000000", "89882470000000000029")
	require.NoError(t, err)
	b := identifier.NewGenerationBatch(items, "it", t0)
	require.NoError(t, s.RecordBatch(ctx, b))

	got, err := s.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0])
}
