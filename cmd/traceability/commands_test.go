package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/traceability/internal/config"
	"github.com/JonMunkholm/traceability/internal/core"
	"github.com/JonMunkholm/traceability/internal/device"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	store := device.NewMemoryStore()
	cfg := config.Default()
	svc, err := core.NewService(cfg, store, store)
	require.NoError(t, err)

	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &app{cfg: cfg, svc: svc, store: store}, &buf
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunImport(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, "devices.csv", "imei,carton,pallet,order\n490154203237518,C1,P1,O1\n356938035643809,C1,P1,O1\n")

	require.NoError(t, runImport(context.Background(), a, []string{path}))

	var reports []core.ImportReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Succeeded)
	assert.Equal(t, "devices.csv", reports[0].FileName)
}

func TestRunImport_BadMode(t *testing.T) {
	a, _ := newTestApp(t)
	err := runImport(context.Background(), a, []string{"-mode", "merge", "x.csv"})
	assert.Error(t, err)
}

func TestRunValidate_ReportsSplitCarton(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, "split.csv", "imei,carton,pallet\n490154203237518,C1,P1\n356938035643809,C1,P2\n")

	err := runValidate(context.Background(), a, []string{path})
	require.Error(t, err)

	var res []validation
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res, 1)
	assert.False(t, res[0].Valid)
	assert.NotEmpty(t, res[0].Errors)

	assert.Zero(t, a.store.(*device.MemoryStore).Len(), "validate must not write devices")
}

func TestRunRegisterAndTransition(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, runRegister(ctx, a, []string{"-imei", "490154203237518", "-carton", "C1", "-pallet", "P1"}))
	out.Reset()

	require.NoError(t, runTransition(ctx, a, []string{"-imei", "490154203237518", "-to", "quality_control"}))
	assert.Contains(t, out.String(), "quality_control")

	err := runTransition(ctx, a, []string{"-imei", "490154203237518"})
	assert.ErrorIs(t, err, errUsage)
}

func TestRunPallet_Code(t *testing.T) {
	a, out := newTestApp(t)

	require.NoError(t, runPallet(context.Background(), a, []string{"-seq", "42"}))
	assert.Equal(t, "EST9120000000042\n", out.String())

	assert.ErrorIs(t, runPallet(context.Background(), a, nil), errUsage)
}

func TestRunICCIDExport(t *testing.T) {
	a, out := newTestApp(t)
	dest := filepath.Join(t.TempDir(), "sims.csv")

	err := runICCIDExport(context.Background(), a, []string{
		"-start", "8944000000000000000", "-end", "8944000000000000040", "-out", dest,
	})
	require.NoError(t, err)

	var sum core.ExportSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, 5, sum.Count)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "iccid,body,check_digit,batch")
}

func TestRunICCIDExport_RemovesFileOnFailure(t *testing.T) {
	a, _ := newTestApp(t)
	dest := filepath.Join(t.TempDir(), "sims.csv")

	err := runICCIDExport(context.Background(), a, []string{
		"-start", "8944000000000000090", "-end", "8944000000000000010", "-out", dest,
	})
	require.Error(t, err)
	assert.NoFileExists(t, dest)
}
