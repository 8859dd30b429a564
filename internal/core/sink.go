package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/JonMunkholm/traceability/internal/logging"
)

// LogSink logs a summary of every report. It is the default sink.
type LogSink struct{}

// Deliver implements ReportSink.
func (LogSink) Deliver(ctx context.Context, r *ImportReport) error {
	log := logging.WithFields(ctx, "file", r.FileName, "mode", string(r.Mode))
	for _, is := range r.Errors {
		log.Debug("import row error", "row", is.Row, "code", is.Code, "field", is.Field, "message", is.Message)
	}
	log.Info("import report",
		"valid", r.Valid,
		"errors", r.ErrorCount,
		"warnings", r.WarningCount,
		"truncated", r.Truncated,
		"pallets", len(r.Pallets),
	)
	return nil
}

// CSVSink writes the issues of every report to <Dir>/<job id>-issues.csv.
type CSVSink struct {
	Dir string
}

// Deliver implements ReportSink.
func (s CSVSink) Deliver(ctx context.Context, r *ImportReport) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(s.Dir, r.JobID+"-issues.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := WriteIssuesCSV(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("import issues written", "path", path)
	return nil
}

// WriteIssuesCSV writes the errors, then the warnings, of r as CSV.
func WriteIssuesCSV(w io.Writer, r *ImportReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"row", "severity", "code", "category", "field", "value", "message"}); err != nil {
		return err
	}
	for _, list := range [][]RowIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			rec := []string{
				strconv.Itoa(is.Row),
				string(is.Severity),
				is.Code,
				string(is.Category),
				is.Field,
				is.Value,
				is.Message,
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []ReportSink

// Deliver implements ReportSink.
func (m MultiSink) Deliver(ctx context.Context, r *ImportReport) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
