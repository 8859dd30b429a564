package identifier

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	// OnlineRangeCap bounds a range generated for an interactive request.
	OnlineRangeCap = 10_000

	// ExportRangeCap bounds a range generated for a multi-batch file export.
	ExportRangeCap = 250_000
)

var (
	// ErrRangeOrder is returned when the end of a range sorts before its start.
	ErrRangeOrder = errors.New("identifier: range end precedes range start")

	// ErrRangeWidth is returned when the range bounds differ in digit count.
	ErrRangeWidth = errors.New("identifier: range bounds have different lengths")

	// ErrInvalidLimit is returned when a generation cap is not positive.
	ErrInvalidLimit = errors.New("identifier: generation limit must be positive")

	// ErrCapacityExceeded matches every CapacityExceededError.
	ErrCapacityExceeded = errors.New("identifier: capacity exceeded")
)

// CapacityExceededError is returned before any work starts when a requested
// range is larger than the caller's cap.
type CapacityExceededError struct {
	Requested uint64
	Limit     int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("range of %d identifiers exceeds limit of %d", e.Requested, e.Limit)
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// GeneratedICCID is one entry of a generated range.
type GeneratedICCID struct {
	ICCID      string `json:"iccid"`
	Body       string `json:"body"`
	CheckDigit int    `json:"check_digit"`
}

// GenerationBatch is the audit record of one range generation. It is
// immutable once created.
type GenerationBatch struct {
	ID        uuid.UUID `json:"id"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Count     int       `json:"count"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// NewGenerationBatch records the bounds and size of a generated range.
func NewGenerationBatch(items []GeneratedICCID, actor string, now time.Time) GenerationBatch {
	b := GenerationBatch{
		ID:        uuid.New(),
		Count:     len(items),
		Actor:     actor,
		CreatedAt: now.UTC(),
	}
	if len(items) > 0 {
		b.Start = items[0].ICCID
		b.End = items[len(items)-1].ICCID
	}
	return b
}

// GenerateICCIDRange generates every ICCID between start and end inclusive,
// capped at OnlineRangeCap.
func GenerateICCIDRange(start, end string) ([]GeneratedICCID, error) {
	return GenerateICCIDRangeN(start, end, OnlineRangeCap)
}

// GenerateICCIDRangeN generates every ICCID whose body lies between the
// bodies of start and end inclusive. The body is every digit but the last;
// each emitted body keeps the width of the bounds and gets a freshly
// computed check digit. Malformed bounds, a limit below one and ranges
// larger than limit fail before anything is generated.
func GenerateICCIDRangeN(start, end string, limit int) ([]GeneratedICCID, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	size, err := RangeSize(start, end)
	if err != nil {
		return nil, err
	}
	if size > uint64(limit) {
		return nil, &CapacityExceededError{Requested: size, Limit: limit}
	}

	body := []byte(start[:len(start)-1])
	out := make([]GeneratedICCID, 0, size)
	for i := uint64(0); i < size; i++ {
		if i > 0 {
			incrementDigits(body)
		}
		b := string(body)
		cd, err := LuhnCheckDigit(b)
		if err != nil {
			return nil, err
		}
		out = append(out, GeneratedICCID{
			ICCID:      b + string(rune('0'+cd)),
			Body:       b,
			CheckDigit: cd,
		})
	}
	return out, nil
}

// RangeSize returns how many identifiers lie between start and end
// inclusive, after checking the shape of both bounds. A count that does
// not fit in a uint64 saturates at math.MaxUint64.
func RangeSize(start, end string) (uint64, error) {
	if err := checkICCIDShape(start); err != nil {
		return 0, err
	}
	if err := checkICCIDShape(end); err != nil {
		return 0, err
	}
	if len(start) != len(end) {
		return 0, fmt.Errorf("%w: %d and %d digits", ErrRangeWidth, len(start), len(end))
	}

	lo, _ := new(big.Int).SetString(start[:len(start)-1], 10)
	hi, _ := new(big.Int).SetString(end[:len(end)-1], 10)
	if hi.Cmp(lo) < 0 {
		return 0, fmt.Errorf("%w: %s > %s", ErrRangeOrder, start, end)
	}

	n := new(big.Int).Sub(hi, lo)
	n.Add(n, big.NewInt(1))
	if !n.IsUint64() {
		return math.MaxUint64, nil
	}
	return n.Uint64(), nil
}

// incrementDigits adds one to a decimal digit string in place. RangeSize
// guarantees the callers never step past the end bound, so there is no
// overflow handling.
func incrementDigits(d []byte) {
	for i := len(d) - 1; i >= 0; i-- {
		if d[i] < '9' {
			d[i]++
			return
		}
		d[i] = '0'
	}
}
