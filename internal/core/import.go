package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
	"github.com/JonMunkholm/traceability/internal/logging"
)

// Mode selects how an import treats devices that are already stored.
type Mode string

const (
	// ModeCreate reports every stored IMEI as a duplicate.
	ModeCreate Mode = "create"
	// ModeUpsert moves stored devices to the containers in the file.
	ModeUpsert Mode = "upsert"
	// ModeDryRun validates against storage without writing.
	ModeDryRun Mode = "dry-run"
)

// ParseMode accepts the mode names used on the command line.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeCreate, nil
	case ModeCreate, ModeUpsert, ModeDryRun:
		return m, nil
	}
	return "", fmt.Errorf("unknown import mode %q (want create, upsert or dry-run)", s)
}

// ErrRowLimit matches every RowLimitError.
var ErrRowLimit = errors.New("import row limit exceeded")

// RowLimitError rejects a file with more data rows than Import.MaxRows
// before any row is written.
type RowLimitError struct {
	Rows  int
	Limit int
}

func (e *RowLimitError) Error() string {
	return fmt.Sprintf("file has at least %d rows (limit %d)", e.Rows, e.Limit)
}

func (e *RowLimitError) Is(target error) bool {
	return target == ErrRowLimit
}

// ImportOptions controls one import job.
type ImportOptions struct {
	Mode     Mode
	Actor    string
	FileName string

	// JobID correlates logs, events and devices of the job. A random id is
	// used when empty.
	JobID string
}

// RowIssue is one report entry. Row 0 marks a finding about the whole job.
type RowIssue struct {
	Row      int                `json:"row"`
	Field    string             `json:"field,omitempty"`
	Value    string             `json:"value,omitempty"`
	Code     string             `json:"code"`
	Category hierarchy.Category `json:"category"`
	Severity hierarchy.Severity `json:"severity"`
	Message  string             `json:"message"`
}

// Report categories beyond the consistency checks.
const (
	CategoryStorage   hierarchy.Category = "storage"
	CategoryLifecycle hierarchy.Category = "lifecycle"
	CategoryJob       hierarchy.Category = "job"
)

// ImportReport is the outcome of an import. Every data row is counted in
// exactly one of Succeeded, Failed and Skipped.
type ImportReport struct {
	JobID     string        `json:"job_id"`
	FileName  string        `json:"file_name"`
	Mode      Mode          `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Valid     bool `json:"valid"`
	Cancelled bool `json:"cancelled"`

	// Errors and Warnings hold the first Import.MaxReportIssues entries
	// each; the counts are exact.
	Errors       []RowIssue `json:"errors"`
	Warnings     []RowIssue `json:"warnings"`
	ErrorCount   int        `json:"error_count"`
	WarningCount int        `json:"warning_count"`
	Truncated    bool       `json:"truncated"`

	Aggregates hierarchy.Aggregates `json:"aggregates"`
	Pallets    []device.Pallet      `json:"pallets,omitempty"`

	maxIssues int
}

func (r *ImportReport) add(is RowIssue) {
	if is.Severity == hierarchy.SeverityError {
		r.ErrorCount++
		if len(r.Errors) < r.maxIssues {
			r.Errors = append(r.Errors, is)
			return
		}
	} else {
		r.WarningCount++
		if len(r.Warnings) < r.maxIssues {
			r.Warnings = append(r.Warnings, is)
			return
		}
	}
	r.Truncated = true
}

func issueFrom(is hierarchy.Issue) RowIssue {
	return RowIssue{
		Row:      is.Row,
		Field:    is.Field,
		Value:    is.Value,
		Code:     IssueCode(is),
		Category: is.Category,
		Severity: is.Severity,
		Message:  is.Message,
	}
}

// storageIssue turns a per-row storage or lifecycle failure into an entry.
func storageIssue(row hierarchy.Row, err error) RowIssue {
	is := RowIssue{
		Row:      row.Number,
		Field:    "imei",
		Value:    row.IMEI,
		Code:     MapError(err).Code,
		Category: CategoryStorage,
		Severity: hierarchy.SeverityError,
	}
	var ce *device.ConflictError
	switch {
	case errors.As(err, &ce) && (ce.Field == "imei" || ce.Field == "iccid"):
		is.Category = hierarchy.CategoryDuplicate
		is.Field, is.Value = ce.Field, ce.Value
		is.Message = fmt.Sprintf("%s %s already stored", fieldLabel(ce.Field), ce.Value)
	case errors.Is(err, lifecycle.ErrNotPermitted):
		is.Category = CategoryLifecycle
		is.Message = err.Error()
	default:
		is.Message = err.Error()
	}
	return is
}

func fieldLabel(field string) string {
	if field == "iccid" {
		return "ICCID"
	}
	return "IMEI"
}

// rowOutcome is what happened to one accepted row.
type rowOutcome int

const (
	rowStored rowOutcome = iota
	rowUnchanged
	rowFailed
	rowCancelled
)

// Import runs the bulk import pipeline over t. It returns an error only
// when the job cannot start: an empty table, too many rows, an unknown mode
// or no free job slot. Row failures end up in the report.
func (s *Service) Import(ctx context.Context, t *Table, opts ImportOptions) (*ImportReport, error) {
	if t == nil {
		return nil, ErrEmptyFile
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode
	opts.Actor = resolveActor(ctx, opts.Actor, "import")
	if opts.FileName == "" {
		opts.FileName = t.Name
	}
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}

	rows, blank := t.HierarchyRows()
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", opts.FileName, ErrEmptyFile)
	}
	if len(rows) > s.cfg.Import.MaxRows {
		return nil, &RowLimitError{Rows: len(rows), Limit: s.cfg.Import.MaxRows}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()
	s.metrics.ImportStarted()
	defer s.metrics.ImportFinished()

	ctx = logging.WithJobID(ctx, opts.JobID)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Import.Timeout)
	defer cancel()

	return s.runImport(ctx, rows, blank, opts), nil
}

// ImportFile reads name from r and imports it.
func (s *Service) ImportFile(ctx context.Context, name string, r io.Reader, opts ImportOptions) (*ImportReport, error) {
	t, err := readTable(name, r, s.cfg.Import.MaxRows)
	if err != nil {
		return nil, err
	}
	if opts.FileName == "" {
		opts.FileName = name
	}
	return s.Import(ctx, t, opts)
}

// ImportJob is one file of an ImportMany call.
type ImportJob struct {
	Table   *Table
	Options ImportOptions
}

// ImportMany runs independent jobs in parallel, at most as many at once as
// the limiter has slots. Every job runs; reports come back in job order, nil
// for a job that could not start, and the first such start-up error is
// returned.
func (s *Service) ImportMany(ctx context.Context, jobs []ImportJob) ([]*ImportReport, error) {
	reports := make([]*ImportReport, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.limiter.MaxConcurrent())
	for i, job := range jobs {
		g.Go(func() error {
			rep, err := s.Import(ctx, job.Table, job.Options)
			if err != nil {
				return fmt.Errorf("job %d: %w", i+1, err)
			}
			reports[i] = rep
			return nil
		})
	}
	return reports, g.Wait()
}

func (s *Service) runImport(ctx context.Context, rows []hierarchy.Row, blank int, opts ImportOptions) *ImportReport {
	start := s.now()
	log := logging.WithFields(ctx, "file", opts.FileName, "mode", string(opts.Mode))
	log.Info("import started", "rows", len(rows))

	rep := &ImportReport{
		JobID:     opts.JobID,
		FileName:  opts.FileName,
		Mode:      opts.Mode,
		StartedAt: start.UTC(),
		Total:     len(rows) + blank,
		Skipped:   blank,
		Errors:    []RowIssue{},
		Warnings:  []RowIssue{},
		maxIssues: s.cfg.Import.MaxReportIssues,
	}

	res := s.engine.Validate(rows)
	for _, is := range res.Errors {
		rep.add(issueFrom(is))
	}
	for _, is := range res.Warnings {
		rep.add(issueFrom(is))
	}
	rep.Failed += len(res.Rejected)

	var (
		stored  []hierarchy.Row
		touched = make(map[string]bool)
		done    int
	)
	placement := s.placementErrors(ctx, res.Accepted, opts.Mode)
	interval := max(s.cfg.Import.ContextCheckInterval, 1)
	for i, row := range res.Accepted {
		if i%interval == 0 && ctx.Err() != nil {
			break
		}
		if err := placement[row.Number]; err != nil {
			if isCancellation(err) {
				break
			}
			done++
			rep.Failed++
			rep.add(placementIssue(row, err))
			continue
		}
		outcome, moved, issue := s.importRow(ctx, row, opts)
		if outcome == rowCancelled {
			break
		}
		done++
		switch outcome {
		case rowStored:
			rep.Succeeded++
			stored = append(stored, row)
			for _, id := range moved {
				touched[id] = true
			}
		case rowUnchanged:
			rep.Skipped++
			stored = append(stored, row)
		case rowFailed:
			rep.Failed++
			rep.add(issue)
		}
	}

	if remaining := len(res.Accepted) - done; remaining > 0 {
		rep.Cancelled = true
		rep.Skipped += remaining
		rep.add(RowIssue{
			Code:     CodeCancelled,
			Category: CategoryJob,
			Severity: hierarchy.SeverityWarning,
			Message:  fmt.Sprintf("import cancelled; %d rows not processed and pallets not updated", remaining),
		})
	}

	rep.Aggregates = hierarchy.Aggregate(stored)
	if !rep.Cancelled && opts.Mode != ModeDryRun {
		s.materializePallets(ctx, rep, touched)
	}

	rep.Valid = rep.ErrorCount == 0 && !rep.Cancelled
	rep.Duration = s.now().Sub(start)

	outcome := "completed"
	switch {
	case rep.Cancelled:
		outcome = "cancelled"
	case !rep.Valid:
		outcome = "partial"
	}
	s.metrics.ObserveImport(string(opts.Mode), outcome, rep.Succeeded, rep.Failed, rep.Skipped, start)

	log.Info("import finished",
		"outcome", outcome,
		"total", rep.Total,
		"succeeded", rep.Succeeded,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"duration_ms", rep.Duration.Milliseconds(),
	)

	// The report is delivered even if the job context has expired.
	if err := s.sink.Deliver(context.WithoutCancel(ctx), rep); err != nil {
		log.Error("report delivery failed", "error", err)
	}
	return rep
}

// importRow writes one accepted row. moved lists the pallets whose
// aggregates the write affected.
func (s *Service) importRow(ctx context.Context, row hierarchy.Row, opts ImportOptions) (outcome rowOutcome, moved []string, issue RowIssue) {
	fail := func(err error) (rowOutcome, []string, RowIssue) {
		if isCancellation(err) {
			return rowCancelled, nil, RowIssue{}
		}
		return rowFailed, nil, storageIssue(row, err)
	}

	var existing *device.Device
	err := s.retry(ctx, func(ctx context.Context) error {
		d, err := s.store.Get(ctx, row.IMEI)
		if errors.Is(err, device.ErrNotFound) {
			existing = nil
			return nil
		}
		existing = d
		return err
	})
	if err != nil {
		return fail(err)
	}

	if existing != nil {
		switch opts.Mode {
		case ModeUpsert:
			return s.upsertRow(ctx, existing, row, opts)
		default:
			return fail(&device.ConflictError{Field: "imei", Value: row.IMEI})
		}
	}

	if opts.Mode == ModeDryRun {
		return rowStored, nil, RowIssue{}
	}

	d, ev := s.importedDevice(row, opts)
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, d.Clone(), ev)
	})
	if errors.Is(err, device.ErrConflict) && s.writtenByJob(ctx, row.IMEI, opts.JobID) {
		// An earlier attempt committed before its acknowledgement was lost.
		err = nil
	}
	if err != nil {
		return fail(err)
	}
	return rowStored, []string{row.PalletID}, RowIssue{}
}

// writtenByJob reports whether imei is stored with this job's id. The
// lookup is retried like the write it follows.
func (s *Service) writtenByJob(ctx context.Context, imei, jobID string) bool {
	var d *device.Device
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.store.Get(ctx, imei)
		return err
	})
	return err == nil && d.ImportJobID == jobID
}

func (s *Service) importedDevice(row hierarchy.Row, opts ImportOptions) (*device.Device, ledger.Event) {
	now := s.now()
	d := &device.Device{
		IMEI:             row.IMEI,
		ICCID:            row.ICCID,
		State:            s.initialState,
		OrderNumber:      row.OrderNumber,
		PalletID:         row.PalletID,
		CartonID:         row.CartonID,
		ProductModel:     row.ProductModel,
		ProductReference: row.ProductReference,
		ImportJobID:      opts.JobID,
	}
	ev := ledger.New(row.IMEI, ledger.EventImported, opts.Actor, now)
	ev.NewState = d.State
	if loc := d.Location(); !loc.IsZero() {
		ev.After = &loc
	}
	ev.Payload = importPayload(row, opts)
	return d, ev
}

func importPayload(row hierarchy.Row, opts ImportOptions) map[string]any {
	return map[string]any{
		"job_id": opts.JobID,
		"file":   opts.FileName,
		"row":    row.Number,
	}
}

// upsertRow moves a stored device to the containers of row through the
// same capability-checked path as AssignContainer.
func (s *Service) upsertRow(ctx context.Context, d *device.Device, row hierarchy.Row, opts ImportOptions) (rowOutcome, []string, RowIssue) {
	ref := ContainerRef{OrderNumber: row.OrderNumber, PalletID: row.PalletID, CartonID: row.CartonID}
	iccid := row.ICCID
	if iccid == "" {
		iccid = d.ICCID
	}
	if d.Location() == ref && d.ICCID == iccid {
		return rowUnchanged, nil, RowIssue{}
	}
	if err := lifecycle.Require(d.State, lifecycle.CapImportUpdate); err != nil {
		return rowFailed, nil, storageIssue(row, err)
	}

	oldPallet := d.PalletID
	_, err := s.moveDevice(ctx, d, ref, iccid, opts.Actor, importPayload(row, opts))
	if err != nil {
		if isCancellation(err) {
			return rowCancelled, nil, RowIssue{}
		}
		return rowFailed, nil, storageIssue(row, err)
	}
	return rowStored, []string{oldPallet, ref.PalletID}, RowIssue{}
}

// materializePallets recomputes every pallet the job touched and checks
// their cartons against all stored pallets. Failures become job-level
// errors; row counts are not affected.
func (s *Service) materializePallets(ctx context.Context, rep *ImportReport, touched map[string]bool) {
	delete(touched, "")
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p, err := s.RecomputePallet(ctx, id)
		if err != nil {
			rep.add(palletIssue(id, err))
			continue
		}
		if p.DeviceCount > 0 {
			rep.Pallets = append(rep.Pallets, p)
		}
	}

	splits, err := s.cartonSplits(ctx, touched)
	if err != nil {
		rep.add(palletIssue("", err))
		return
	}
	for _, v := range splits {
		rep.add(RowIssue{
			Field:    "carton_id",
			Value:    v.ID,
			Code:     CodeCartonSplit,
			Category: hierarchy.CategoryHierarchy,
			Severity: hierarchy.SeverityError,
			Message:  v.Error(),
		})
	}
}

func palletIssue(palletID string, err error) RowIssue {
	cat := CategoryStorage
	code := MapError(err).Code
	if errors.Is(err, hierarchy.ErrHierarchyViolation) {
		cat = hierarchy.CategoryHierarchy
		var v *hierarchy.ViolationError
		if errors.As(err, &v) && v.Kind == "carton_pallet" {
			code = CodeCartonSplit
		}
	}
	return RowIssue{
		Field:    "pallet_id",
		Value:    palletID,
		Code:     code,
		Category: cat,
		Severity: hierarchy.SeverityError,
		Message:  err.Error(),
	}
}
