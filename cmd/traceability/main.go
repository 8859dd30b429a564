package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/traceability/internal/config"
	"github.com/JonMunkholm/traceability/internal/core"
	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/ledger"
	"github.com/JonMunkholm/traceability/internal/logging"
	"github.com/JonMunkholm/traceability/internal/metrics"
	"github.com/JonMunkholm/traceability/internal/storage/postgres"
)

const usage = `usage: traceability [-actor name] <command> [flags]

commands:
  import            import device files (CSV or XLSX)
  validate          check files without touching storage
  register          register one device
  transition        move a device to another lifecycle state
  assign-container  move a device to another carton, pallet or order
  assign-customer   bind a device to a customer
  notify            record that a device's customer was notified
  history           print the event history of a device
  reconcile         recompute pallets, or replay one device's state
  pallet            recompute one pallet or format a pallet code
  iccid-range       generate an ICCID range
  iccid-export      export an ICCID range to CSV or XLSX
  batches           list recorded ICCID generation batches
  serve             run the reconcile scheduler and metrics endpoint
`

func main() {
	// Load .env file if it exists
	if err := godotenv.Overload(); err == nil {
		slog.Debug("loaded .env file")
	}

	global := flag.NewFlagSet("traceability", flag.ExitOnError)
	actor := global.String("actor", os.Getenv("USER"), "actor recorded on events")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])
	if global.NArg() == 0 {
		global.Usage()
		os.Exit(2)
	}
	cmdName, args := global.Arg(0), global.Args()[1:]

	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		global.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = core.ContextWithActor(ctx, *actor)

	a, err := newApp(ctx, cfg, cmd.needsDB)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := cmd.run(ctx, a, args); err != nil {
		a.close()
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		msg := core.MapError(err)
		slog.Error("command failed", "command", cmdName, "code", msg.Code, "error", err)
		fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		os.Exit(1)
	}
}

// storeLedger is satisfied by both backends: each keeps devices and their
// events side by side.
type storeLedger interface {
	device.Store
	ledger.Ledger
}

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	svc     *core.Service
	store   device.Store
	pg      *postgres.Store // nil on the memory store
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	closed  bool
}

func newApp(ctx context.Context, cfg *config.Config, needsDB bool) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New(prometheus.DefaultRegisterer)}

	var store storeLedger
	if cfg.Database.URL != "" {
		pool, err := openPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.pg = postgres.New(pool)
		if cfg.Database.Migrate {
			if err := a.pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		store = a.pg
	} else {
		if needsDB {
			return nil, errors.New("this command needs DATABASE_URL")
		}
		slog.Warn("DATABASE_URL not set, using in-memory store; nothing will be persisted")
		store = device.NewMemoryStore()
	}
	a.store = store

	opts := []core.Option{core.WithMetrics(a.metrics)}
	if a.pg != nil {
		opts = append(opts, core.WithBatchRecorder(a.pg))
	}
	if cfg.Customers.File != "" {
		dir, err := loadDirectory(cfg.Customers.File)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, core.WithCustomerDirectory(dir))
	}
	if cfg.Import.ReportDir != "" {
		opts = append(opts, core.WithReportSink(core.MultiSink{core.LogSink{}, core.CSVSink{Dir: cfg.Import.ReportDir}}))
	}

	svc, err := core.NewService(cfg, store, store, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func openPool(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(db.MaxConns)
	poolConfig.MinConns = int32(db.MinConns)
	poolConfig.MaxConnLifetime = db.MaxConnLifetime
	poolConfig.MaxConnIdleTime = db.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(db.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

// close drains running imports and releases the pool. It is safe to call
// twice.
func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.svc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.svc.Limiter().Drain(ctx); err != nil {
			slog.Warn("imports did not finish in time", "error", err)
		}
		cancel()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// serveMetrics exposes /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics endpoint failed", "error", err)
	}
}
