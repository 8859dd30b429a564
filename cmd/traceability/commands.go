package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/traceability/internal/core"
	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// command is one subcommand. needsDB commands refuse to run on the
// in-memory store because their output would be meaningless.
type command struct {
	run     func(ctx context.Context, a *app, args []string) error
	needsDB bool
}

var commands = map[string]command{
	"import":           {run: runImport},
	"validate":         {run: runValidate},
	"register":         {run: runRegister},
	"transition":       {run: runTransition, needsDB: true},
	"assign-container": {run: runAssignContainer, needsDB: true},
	"assign-customer":  {run: runAssignCustomer, needsDB: true},
	"notify":           {run: runNotify, needsDB: true},
	"history":          {run: runHistory, needsDB: true},
	"reconcile":        {run: runReconcile, needsDB: true},
	"pallet":           {run: runPallet},
	"iccid-range":      {run: runICCIDRange},
	"iccid-export":     {run: runICCIDExport},
	"batches":          {run: runBatches, needsDB: true},
	"serve":            {run: runServe, needsDB: true},
}

var errUsage = errors.New("invalid arguments")

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func requireFlags(fs *flag.FlagSet, names ...string) error {
	for _, n := range names {
		if f := fs.Lookup(n); f == nil || f.Value.String() == "" {
			return fmt.Errorf("%w: -%s is required", errUsage, n)
		}
	}
	return nil
}

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func containerFlags(fs *flag.FlagSet) *core.ContainerRef {
	ref := &core.ContainerRef{}
	fs.StringVar(&ref.OrderNumber, "order", "", "order number")
	fs.StringVar(&ref.PalletID, "pallet", "", "pallet id")
	fs.StringVar(&ref.CartonID, "carton", "", "carton id")
	return ref
}

func runImport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("import")
	mode := fs.String("mode", string(core.ModeCreate), "create, upsert or dry-run")
	if err := parse(fs, args); err != nil {
		return err
	}
	m, err := core.ParseMode(*mode)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: no files given", errUsage)
	}

	jobs := make([]core.ImportJob, 0, fs.NArg())
	for _, path := range fs.Args() {
		tbl, err := readFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		jobs = append(jobs, core.ImportJob{
			Table:   tbl,
			Options: core.ImportOptions{Mode: m, FileName: filepath.Base(path)},
		})
	}

	reports, err := a.svc.ImportMany(ctx, jobs)
	if perr := printJSON(reports); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	for _, r := range reports {
		if r != nil && !r.Valid {
			return fmt.Errorf("%s: %d rows failed", r.FileName, r.Failed)
		}
	}
	return nil
}

type validation struct {
	File       string               `json:"file"`
	Valid      bool                 `json:"valid"`
	Rows       int                  `json:"rows"`
	Blank      int                  `json:"blank"`
	Errors     []hierarchy.Issue    `json:"errors"`
	Warnings   []hierarchy.Issue    `json:"warnings"`
	Aggregates hierarchy.Aggregates `json:"aggregates"`
}

// runValidate checks files against the consistency rules only; storage is
// never read.
func runValidate(_ context.Context, a *app, args []string) error {
	fs := newFlags("validate")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: no files given", errUsage)
	}

	var out []validation
	invalid := 0
	for _, path := range fs.Args() {
		tbl, err := readFile(path)
		if err != nil {
			return err
		}
		rows, blank := tbl.HierarchyRows()
		res := a.svc.Engine().Validate(rows)
		if !res.Valid {
			invalid++
		}
		out = append(out, validation{
			File:       filepath.Base(path),
			Valid:      res.Valid,
			Rows:       len(rows),
			Blank:      blank,
			Errors:     res.Errors,
			Warnings:   res.Warnings,
			Aggregates: res.Aggregates,
		})
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d files failed validation", invalid, len(out))
	}
	return nil
}

func readFile(path string) (*core.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return core.ReadTable(filepath.Base(path), f)
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := newFlags("register")
	var p core.RegisterParams
	fs.StringVar(&p.IMEI, "imei", "", "device IMEI")
	fs.StringVar(&p.ICCID, "iccid", "", "SIM ICCID")
	fs.StringVar(&p.ProductModel, "model", "", "product model")
	fs.StringVar(&p.ProductReference, "reference", "", "product reference")
	ref := containerFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei"); err != nil {
		return err
	}
	p.Container = *ref

	d, err := a.svc.RegisterDevice(ctx, p)
	if err != nil {
		return err
	}
	return printJSON(d)
}

func runTransition(ctx context.Context, a *app, args []string) error {
	fs := newFlags("transition")
	imei := fs.String("imei", "", "device IMEI")
	to := fs.String("to", "", "target state")
	reason := fs.String("reason", "", "reason recorded on the event")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei", "to"); err != nil {
		return err
	}
	state, err := lifecycle.ParseState(*to)
	if err != nil {
		return err
	}

	e, err := a.svc.Transition(ctx, *imei, state, "", *reason)
	if err != nil {
		return err
	}
	return printJSON(e)
}

func runAssignContainer(ctx context.Context, a *app, args []string) error {
	fs := newFlags("assign-container")
	imei := fs.String("imei", "", "device IMEI")
	ref := containerFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei"); err != nil {
		return err
	}

	e, err := a.svc.AssignContainer(ctx, *imei, *ref, "")
	if errors.Is(err, core.ErrUnchanged) {
		fmt.Fprintln(os.Stderr, "device already in that container")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(e)
}

func runAssignCustomer(ctx context.Context, a *app, args []string) error {
	fs := newFlags("assign-customer")
	imei := fs.String("imei", "", "device IMEI")
	customer := fs.String("customer", "", "customer id from the directory")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei", "customer"); err != nil {
		return err
	}

	e, err := a.svc.AssignCustomer(ctx, *imei, *customer, "")
	if err != nil {
		return err
	}
	return printJSON(e)
}

func runNotify(ctx context.Context, a *app, args []string) error {
	fs := newFlags("notify")
	imei := fs.String("imei", "", "device IMEI")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei"); err != nil {
		return err
	}

	e, err := a.svc.NotifyCustomer(ctx, *imei, "")
	if err != nil {
		return err
	}
	return printJSON(e)
}

func runHistory(ctx context.Context, a *app, args []string) error {
	fs := newFlags("history")
	imei := fs.String("imei", "", "device IMEI")
	limit := fs.Int("limit", 0, "most recent events only; 0 prints all")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "imei"); err != nil {
		return err
	}

	events, err := a.svc.History(ctx, *imei, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runReconcile(ctx context.Context, a *app, args []string) error {
	fs := newFlags("reconcile")
	imei := fs.String("imei", "", "replay one device; all pallets are recomputed when empty")
	if err := parse(fs, args); err != nil {
		return err
	}

	if *imei != "" {
		res, err := a.svc.ReconcileState(ctx, *imei, "")
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	sum, err := a.svc.ReconcilePallets(ctx)
	if err != nil {
		return err
	}
	out := struct {
		core.PalletSummary
		Violations []string `json:"violations,omitempty"`
	}{PalletSummary: sum}
	for _, v := range sum.Violations {
		out.Violations = append(out.Violations, v.Error())
	}
	return printJSON(out)
}

func runPallet(ctx context.Context, a *app, args []string) error {
	fs := newFlags("pallet")
	id := fs.String("id", "", "recompute this pallet from its devices")
	seq := fs.Int64("seq", -1, "print the pallet code for this sequence number")
	if err := parse(fs, args); err != nil {
		return err
	}

	switch {
	case *id != "":
		p, err := a.svc.RecomputePallet(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(p)
	case *seq >= 0:
		code, err := core.FormatPalletCode(a.cfg.Generation.PalletPrefix, *seq)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, code)
		return nil
	}
	return fmt.Errorf("%w: one of -id or -seq is required", errUsage)
}

func runICCIDRange(ctx context.Context, a *app, args []string) error {
	fs := newFlags("iccid-range")
	start := fs.String("start", "", "first ICCID of the range")
	end := fs.String("end", "", "last ICCID of the range")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "start", "end"); err != nil {
		return err
	}

	items, batch, err := a.svc.GenerateICCIDs(ctx, *start, *end, "")
	if err != nil {
		return err
	}
	return printJSON(struct {
		Batch  any `json:"batch"`
		ICCIDs any `json:"iccids"`
	}{batch, items})
}

func runICCIDExport(ctx context.Context, a *app, args []string) error {
	fs := newFlags("iccid-export")
	start := fs.String("start", "", "first ICCID of the range")
	end := fs.String("end", "", "last ICCID of the range")
	out := fs.String("out", "", "output file; the format follows its extension unless -format is set")
	var opts core.ExportOptions
	fs.StringVar(&opts.Format, "format", "", "csv or xlsx")
	fs.IntVar(&opts.BatchSize, "batch-size", 0, "rows per batch number")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlags(fs, "start", "end", "out"); err != nil {
		return err
	}
	if opts.Format == "" {
		opts.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(*out)), ".")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	sum, err := a.svc.ExportICCIDs(ctx, f, *start, *end, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(*out)
		return err
	}
	return printJSON(sum)
}

func runBatches(ctx context.Context, a *app, args []string) error {
	fs := newFlags("batches")
	limit := fs.Int("limit", 50, "most recent batches to list")
	if err := parse(fs, args); err != nil {
		return err
	}

	batches, err := a.pg.ListBatches(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(batches)
}

// runServe reconciles pallets on the configured interval and exposes
// metrics until the process is signalled.
func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlags("serve")
	interval := fs.Duration("interval", a.cfg.Reconcile.Interval, "pallet reconciliation interval")
	if err := parse(fs, args); err != nil {
		return err
	}

	if a.cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, a.cfg.Metrics.Addr)
	}
	a.svc.StartReconcileScheduler(ctx, *interval)
	<-ctx.Done()
	return nil
}
