package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/logging"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const exportSheet = "ICCIDs"

var exportHeader = []string{"iccid", "body", "check_digit", "batch"}

// ExportOptions controls an ICCID file export.
type ExportOptions struct {
	Format    string // csv (default) or xlsx
	BatchSize int    // rows per batch number; Generation.BatchSize when zero
	Actor     string
}

// ExportSummary describes a finished export.
type ExportSummary struct {
	Count   int                        `json:"count"`
	Batches int                        `json:"batches"`
	Batch   identifier.GenerationBatch `json:"batch"`
}

// GenerateICCIDs generates an interactive range, capped at
// Generation.OnlineCap, and records the generation batch.
func (s *Service) GenerateICCIDs(ctx context.Context, start, end, actor string) ([]identifier.GeneratedICCID, identifier.GenerationBatch, error) {
	items, err := identifier.GenerateICCIDRangeN(identifier.Normalize(start), identifier.Normalize(end), s.cfg.Generation.OnlineCap)
	if err != nil {
		return nil, identifier.GenerationBatch{}, err
	}
	batch, err := s.recordBatch(ctx, items, actor)
	if err != nil {
		return nil, identifier.GenerationBatch{}, err
	}
	s.metrics.AddGenerated("online", len(items))
	return items, batch, nil
}

// ExportICCIDs writes a range of up to Generation.ExportCap ICCIDs to w
// with the columns iccid, body, check_digit and batch. The size is checked
// before anything is generated or written.
func (s *Service) ExportICCIDs(ctx context.Context, w io.Writer, start, end string, opts ExportOptions) (ExportSummary, error) {
	start, end = identifier.Normalize(start), identifier.Normalize(end)
	format := strings.ToLower(opts.Format)
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatXLSX {
		return ExportSummary{}, fmt.Errorf("unknown export format %q (want csv or xlsx)", opts.Format)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.Generation.BatchSize
	}

	limit := s.cfg.Generation.ExportCap
	n, err := identifier.RangeSize(start, end)
	if err != nil {
		return ExportSummary{}, err
	}
	if n > uint64(limit) {
		return ExportSummary{}, &identifier.CapacityExceededError{Requested: n, Limit: limit}
	}

	items, err := identifier.GenerateICCIDRangeN(start, end, limit)
	if err != nil {
		return ExportSummary{}, err
	}

	if format == FormatXLSX {
		err = writeXLSX(w, items, batchSize)
	} else {
		err = writeCSV(w, items, batchSize)
	}
	if err != nil {
		return ExportSummary{}, fmt.Errorf("write %s export: %w", format, err)
	}

	batch, err := s.recordBatch(ctx, items, opts.Actor)
	if err != nil {
		return ExportSummary{}, err
	}
	s.metrics.AddGenerated("export", len(items))

	sum := ExportSummary{
		Count:   len(items),
		Batches: (len(items) + batchSize - 1) / batchSize,
		Batch:   batch,
	}
	logging.FromContext(ctx).Info("iccid range exported",
		"start", batch.Start, "end", batch.End, "count", sum.Count, "batches", sum.Batches, "format", format)
	return sum, nil
}

func (s *Service) recordBatch(ctx context.Context, items []identifier.GeneratedICCID, actor string) (identifier.GenerationBatch, error) {
	batch := identifier.NewGenerationBatch(items, resolveActor(ctx, actor, "system"), s.now())
	if s.batches == nil {
		return batch, nil
	}
	if err := s.batches.RecordBatch(ctx, batch); err != nil {
		return identifier.GenerationBatch{}, fmt.Errorf("record generation batch: %w", err)
	}
	return batch, nil
}

// batchNumber is the 1-based batch of the i-th generated ICCID.
func batchNumber(i, batchSize int) int {
	return i/batchSize + 1
}

func writeCSV(w io.Writer, items []identifier.GeneratedICCID, batchSize int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for i, it := range items {
		rec := []string{it.ICCID, it.Body, strconv.Itoa(it.CheckDigit), strconv.Itoa(batchNumber(i, batchSize))}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeXLSX streams the rows into a single sheet. ICCIDs are written as
// text so that spreadsheet tools keep every digit.
func writeXLSX(w io.Writer, items []identifier.GeneratedICCID, batchSize int) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return err
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return err
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for i, it := range items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{it.ICCID, it.Body, it.CheckDigit, batchNumber(i, batchSize)}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

// PalletCodeDigits is the width of the sequence part of a pallet code.
const PalletCodeDigits = 10

const maxPalletSeq = 9_999_999_999

// ErrPalletCode is wrapped by pallet code failures.
var ErrPalletCode = errors.New("invalid pallet code")

// FormatPalletCode renders prefix followed by seq zero-padded to ten
// digits, e.g. EST9120000000042.
func FormatPalletCode(prefix string, seq int64) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: empty prefix", ErrPalletCode)
	}
	if seq < 0 || seq > maxPalletSeq {
		return "", fmt.Errorf("%w: sequence %d outside 0-%d", ErrPalletCode, seq, int64(maxPalletSeq))
	}
	return fmt.Sprintf("%s%0*d", prefix, PalletCodeDigits, seq), nil
}

// ParsePalletCode returns the sequence of a code built by FormatPalletCode.
func ParsePalletCode(prefix, code string) (int64, error) {
	digits, ok := strings.CutPrefix(code, prefix)
	if !ok || prefix == "" {
		return 0, fmt.Errorf("%w: %q does not start with %q", ErrPalletCode, code, prefix)
	}
	if len(digits) != PalletCodeDigits || strings.Trim(digits, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q needs %d digits after the prefix", ErrPalletCode, code, PalletCodeDigits)
	}
	return strconv.ParseInt(digits, 10, 64)
}
