package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/traceability/internal/device"
)

func TestDetailValue(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Key (imei)=(490154203237518) already exists.", "490154203237518"},
		{"Key (iccid)=(89014103211118510720) already exists.", "89014103211118510720"},
		{"no key here", ""},
		{"Key (imei)=(4901", "4901"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detailValue(tt.in), tt.in)
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	dup := &pgconn.PgError{
		Code:           codeUniqueViolation,
		ConstraintName: "devices_pkey",
		Detail:         "Key (imei)=(490154203237518) already exists.",
	}
	var ce *device.ConflictError
	require.ErrorAs(t, mapError(fmt.Errorf("insert: %w", dup)), &ce)
	assert.Equal(t, "imei", ce.Field)
	assert.Equal(t, "490154203237518", ce.Value)

	dup.ConstraintName = "devices_iccid_key"
	dup.Detail = "Key (iccid)=(89014103211118510720) already exists."
	require.ErrorAs(t, mapError(dup), &ce)
	assert.Equal(t, "iccid", ce.Field)

	other := &pgconn.PgError{Code: "23514"}
	err := mapError(other)
	assert.False(t, errors.Is(err, device.ErrConflict))
	assert.False(t, device.IsTransient(err))

	assert.ErrorIs(t, mapError(context.Canceled), context.Canceled)
	assert.False(t, device.IsTransient(mapError(context.Canceled)))

	assert.ErrorIs(t, mapError(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.False(t, device.IsTransient(mapError(fmt.Errorf("select: %w", context.DeadlineExceeded))))
}
