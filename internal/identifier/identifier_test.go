package identifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestLuhnCheckDigit_MakesEveryIMEIPrefixValid(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		prefix := fmt.Sprintf("%014d", rng.Int63n(1e14))
		d, err := LuhnCheckDigit(prefix)
		require.NoError(t, err)
		require.True(t, d >= 0 && d <= 9)

		imei := prefix + fmt.Sprint(d)
		ok, reason := ValidateIMEI(imei)
		assert.True(t, ok, "imei %s: %s", imei, reason)
	}
}

func TestLuhnCheckDigit_RejectsNonDigits(t *testing.T) {
	for _, in := range []string{"", "12a4", " 123", "١٢٣"} {
		_, err := LuhnCheckDigit(in)
		assert.ErrorIs(t, err, ErrNotDigits, "input %q", in)
	}
}

func TestLuhnValid_KnownNumbers(t *testing.T) {
	assert.True(t, LuhnValid("490154203237518"))
	assert.True(t, LuhnValid("89014103211118510720"))
	assert.False(t, LuhnValid("490154203237519"))
	assert.False(t, LuhnValid(""))
}

func TestValidateIMEI(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		ok     bool
		reason string
	}{
		{"valid", "490154203237518", true, ""},
		{"another valid", "356938035643809", true, ""},
		{"fourteen digits", "12345678901234", false, ReasonIMEILength},
		{"sixteen digits", "4901542032375180", false, ReasonIMEILength},
		{"letters", "49015420323751X", false, ReasonNotDigits},
		{"empty", "", false, ReasonRequired},
		{"bad checksum", "490154203237519", false, ReasonLuhnMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ValidateIMEI(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestValidateIMEI_FourteenDigitsMessage(t *testing.T) {
	ok, reason := ValidateIMEI("12345678901234")
	assert.False(t, ok)
	assert.Equal(t, "must be 15 digits", reason)
}

func TestValidateICCID(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		ok     bool
		reason string
	}{
		{"twenty digits", "89014103211118510720", true, ""},
		{"nineteen digits", "8944500102198304826", true, ""},
		{"eighteen digits", "894450010219830482", false, ReasonICCIDLength},
		{"twenty-three digits", "89014103211118510720000", false, ReasonICCIDLength},
		{"non digit", "8901410321111851072F", false, ReasonNotDigits},
		{"bad checksum", "89014103211118510721", false, ReasonLuhnMismatch},
		{"empty", "", false, ReasonRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ValidateICCID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCheckIMEI_TypedError(t *testing.T) {
	err := CheckIMEI("123")
	require.NotNil(t, err)
	assert.Equal(t, FieldIMEI, err.Field)
	assert.Equal(t, "123", err.Value)
	assert.Contains(t, err.Error(), "must be 15 digits")

	assert.Nil(t, CheckIMEI("490154203237518"))
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		" 490154203237518 ":   "490154203237518",
		`="490154203237518"`:  "490154203237518",
		"'490154203237518":    "490154203237518",
		"490154203237518.0":   "490154203237518",
		"49-015420-323751-8":  "490154203237518",
		"4.90154203237518E14": "4.90154203237518E14",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestGenerateICCIDRange_SmallRange(t *testing.T) {
	got, err := GenerateICCIDRange("89882470000000000000", "89882470000000000029")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, GeneratedICCID{ICCID: "89882470000000000006", Body: "8988247000000000000", CheckDigit: 6}, got[0])
	assert.Equal(t, GeneratedICCID{ICCID: "89882470000000000014", Body: "8988247000000000001", CheckDigit: 4}, got[1])
	assert.Equal(t, GeneratedICCID{ICCID: "89882470000000000022", Body: "8988247000000000002", CheckDigit: 2}, got[2])
}

func TestGenerateICCIDRange_Properties(t *testing.T) {
	start := "8944500102198300005"
	end := "8944500102198301234"
	got, err := GenerateICCIDRange(start, end)
	require.NoError(t, err)

	// body(end) - body(start) + 1
	assert.Len(t, got, 123-0+1)
	for i, g := range got {
		assert.Len(t, g.ICCID, len(start))
		ok, reason := ValidateICCID(g.ICCID)
		assert.True(t, ok, "%s: %s", g.ICCID, reason)
		if i > 0 {
			assert.Less(t, got[i-1].Body, g.Body, "bodies must increase")
		}
	}
}

func TestGenerateICCIDRange_CarriesAcrossDigits(t *testing.T) {
	got, err := GenerateICCIDRange("8944500102198309990", "8944500102198310019")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "894450010219830999", got[0].Body)
	assert.Equal(t, "894450010219831000", got[1].Body)
	assert.Equal(t, "894450010219831001", got[2].Body)
}

func TestGenerateICCIDRange_SingleElement(t *testing.T) {
	got, err := GenerateICCIDRange("89014103211118510720", "89014103211118510729")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "89014103211118510720", got[0].ICCID)
}

func TestGenerateICCIDRange_PreflightErrors(t *testing.T) {
	_, err := GenerateICCIDRange("8901", "89014103211118510720")
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)

	_, err = GenerateICCIDRange("89014103211118510720", "8944500102198304826")
	assert.ErrorIs(t, err, ErrRangeWidth)

	_, err = GenerateICCIDRange("89014103211118510720", "89014103211118510610")
	assert.ErrorIs(t, err, ErrRangeOrder)
}

func TestGenerateICCIDRange_CapIsPreflight(t *testing.T) {
	got, err := GenerateICCIDRange("89882470000000000000", "89882470000001000000")
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	var ce *CapacityExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(100001), ce.Requested)
	assert.Equal(t, OnlineRangeCap, ce.Limit)

	got, err = GenerateICCIDRangeN("89882470000000000000", "89882470000001000000", ExportRangeCap)
	require.NoError(t, err)
	assert.Len(t, got, 100001)
}

func TestGenerateICCIDRangeN_Limits(t *testing.T) {
	for _, limit := range []int{0, -1} {
		got, err := GenerateICCIDRangeN("89882470000000000000", "89882470000000000029", limit)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, ErrInvalidLimit, "limit %d", limit)
	}

	// 21 body digits span more than a uint64 can count.
	start := "8" + strings.Repeat("0", 21)
	end := strings.Repeat("9", 22)
	n, err := RangeSize(start, end)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), n)

	_, err = GenerateICCIDRangeN(start, end, ExportRangeCap)
	var ce *CapacityExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ExportRangeCap, ce.Limit)
	assert.Contains(t, err.Error(), "limit of 250000")
}

func TestGeneratedRangeRoundTrips(t *testing.T) {
	got, err := GenerateICCIDRangeN("8988247000000000000000", "8988247000000000050000", OnlineRangeCap)
	require.NoError(t, err)
	for _, g := range got {
		ok, _ := ValidateICCID(g.ICCID)
		require.True(t, ok, g.ICCID)
	}
}

func TestNewGenerationBatch(t *testing.T) {
	items, err := GenerateICCIDRange("89882470000000000000", "89882470000000000029")
	require.NoError(t, err)

	b := NewGenerationBatch(items, "ops", fixedTime)
	assert.Equal(t, 3, b.Count)
	assert.Equal(t, "89882470000000000006", b.Start)
	assert.Equal(t, "89882470000000000022", b.End)
	assert.Equal(t, "ops", b.Actor)
	assert.NotEqual(t, uuid.Nil, b.ID)
	assert.Equal(t, fixedTime, b.CreatedAt)
}
