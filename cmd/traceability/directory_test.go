package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/traceability/internal/device"
)

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ACME: Acme Logistics\n\"042\": ' Nordic Fleet '\n"), 0o600))

	dir, err := loadDirectory(path)
	require.NoError(t, err)

	name, err := dir.CustomerName(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "Acme Logistics", name)

	name, err = dir.CustomerName(context.Background(), " 042 ")
	require.NoError(t, err)
	assert.Equal(t, "Nordic Fleet", name)

	_, err = dir.CustomerName(context.Background(), "nobody")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestParseDirectory_Invalid(t *testing.T) {
	tests := map[string]string{
		"not a map":  "- a\n- b\n",
		"empty name": "ACME: \"\"\n",
		"nested":     "ACME:\n  name: Acme\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseDirectory([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadDirectory_Missing(t *testing.T) {
	_, err := loadDirectory(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
