package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/traceability/internal/config"
	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/hierarchy"
	"github.com/JonMunkholm/traceability/internal/identifier"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/lifecycle"
	"github.com/JonMunkholm/traceability/internal/logging"
	"github.com/JonMunkholm/traceability/internal/metrics"
)

// CustomerDirectory resolves customer names. It is read-only.
type CustomerDirectory interface {
	CustomerName(ctx context.Context, customerID string) (string, error)
}

// ReportSink receives every finished import report.
type ReportSink interface {
	Deliver(ctx context.Context, r *ImportReport) error
}

// BatchRecorder persists the audit record of an ICCID range generation.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, b identifier.GenerationBatch) error
}

// ErrNoDirectory is returned by AssignCustomer when the service was built
// without a CustomerDirectory.
var ErrNoDirectory = errors.New("no customer directory configured")

// Service runs the device operations and the bulk import pipeline. All
// device writes go through it.
type Service struct {
	cfg     *config.Config
	store   device.Store
	ledger  ledger.Ledger
	engine  *hierarchy.Engine
	limiter *JobLimiter

	initialState lifecycle.State

	metrics   *metrics.Metrics
	customers CustomerDirectory
	sink      ReportSink
	batches   BatchRecorder
	now       func() time.Time
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithMetrics records operations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCustomerDirectory sets the directory used by AssignCustomer.
func WithCustomerDirectory(d CustomerDirectory) Option {
	return func(s *Service) { s.customers = d }
}

// WithReportSink replaces the default LogSink.
func WithReportSink(sink ReportSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithBatchRecorder stores generation batches through r.
func WithBatchRecorder(r BatchRecorder) Option {
	return func(s *Service) { s.batches = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires a service. store writes devices together with their
// events; led reads those events back.
func NewService(cfg *config.Config, store device.Store, led ledger.Ledger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("core: nil config")
	}
	if store == nil || led == nil {
		return nil, errors.New("core: store and ledger are required")
	}
	initial, err := lifecycle.ParseState(cfg.Import.InitialState)
	if err != nil {
		return nil, fmt.Errorf("core: initial state: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		ledger: led,
		engine: hierarchy.NewEngine(hierarchy.Options{
			ExpectedDensity:  cfg.Import.ExpectedDensity,
			ExpectedCartons:  cfg.Import.ExpectedCartons,
			DensityTolerance: cfg.Import.DensityTolerance,
		}),
		limiter:      NewJobLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		initialState: initial,
		sink:         LogSink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Limiter exposes the import job limiter, mainly for draining on shutdown.
func (s *Service) Limiter() *JobLimiter {
	return s.limiter
}

// Engine returns the consistency engine the service validates with.
func (s *Service) Engine() *hierarchy.Engine {
	return s.engine
}

// retry runs fn until it succeeds, fails with a non-transient error or the
// configured attempts are spent. The delay starts at RetryBackoff and
// doubles per attempt.
func (s *Service) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := s.cfg.Import.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !device.IsTransient(err) || attempt >= s.cfg.Import.RetryAttempts {
			return err
		}
		// A driver timeout raised by the caller's own deadline is not retried.
		if ctx.Err() != nil {
			return err
		}
		s.metrics.IncRetry()
		logging.FromContext(ctx).Warn("transient storage failure, retrying",
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
