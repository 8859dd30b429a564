// Package config provides centralized configuration management for the
// traceability engine. Values come from struct tag defaults, an optional
// YAML file named by CONFIG_FILE, and environment variables, in that order
// of increasing precedence. The result is validated on startup so that
// misconfiguration fails fast.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Import     ImportConfig     `yaml:"import"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Customers  CustomersConfig  `yaml:"customers"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Supports both DATABASE_URL and
	// DB_URL. When empty the engine runs on an in-memory store, which only
	// suits dry runs and validation.
	URL string `yaml:"url" env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `yaml:"max_conns" env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `yaml:"min_conns" env:"DB_MIN_CONNS" default:"2"`

	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the schema on startup (default: true)
	Migrate bool `yaml:"migrate" env:"DB_MIGRATE" default:"true"`
}

// ImportConfig holds bulk import settings.
type ImportConfig struct {
	// MaxRows caps the data rows of one import; larger files are rejected
	// before any row is written (default: 100000)
	MaxRows int `yaml:"max_rows" env:"IMPORT_MAX_ROWS" default:"100000"`

	// MaxReportIssues caps the errors and warnings listed in a report. The
	// counts stay exact (default: 1000)
	MaxReportIssues int `yaml:"max_report_issues" env:"IMPORT_MAX_REPORT_ISSUES" default:"1000"`

	// ExpectedDensity is the expected number of devices per carton (default: 48)
	ExpectedDensity int `yaml:"expected_density" env:"IMPORT_EXPECTED_DENSITY" default:"48"`

	// ExpectedCartons is the expected number of cartons per pallet (default: 48)
	ExpectedCartons int `yaml:"expected_cartons" env:"IMPORT_EXPECTED_CARTONS" default:"48"`

	// DensityTolerance is the relative deviation tolerated before a density
	// warning (default: 0.10)
	DensityTolerance float64 `yaml:"density_tolerance" env:"IMPORT_DENSITY_TOLERANCE" default:"0.10"`

	// MaxConcurrent is the maximum number of import jobs running at once (default: 4)
	MaxConcurrent int `yaml:"max_concurrent" env:"IMPORT_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long a job waits for a slot (default: 30s)
	MaxWaitTime time.Duration `yaml:"max_wait_time" env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds a single import job (default: 30m)
	Timeout time.Duration `yaml:"timeout" env:"IMPORT_TIMEOUT" default:"30m"`

	// ContextCheckInterval is how many rows pass between cancellation checks (default: 100)
	ContextCheckInterval int `yaml:"context_check_interval" env:"IMPORT_CONTEXT_CHECK_INTERVAL" default:"100"`

	// RetryAttempts is how often a row write is retried after a transient
	// storage failure (default: 3)
	RetryAttempts int `yaml:"retry_attempts" env:"IMPORT_RETRY_ATTEMPTS" default:"3"`

	// RetryBackoff is the first retry delay; it doubles per attempt (default: 100ms)
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"IMPORT_RETRY_BACKOFF" default:"100ms"`

	// InitialState is the lifecycle state of imported devices (default: in_production)
	InitialState string `yaml:"initial_state" env:"IMPORT_INITIAL_STATE" default:"in_production"`

	// WarrantyPeriod starts when a device becomes active (default: 2 years)
	WarrantyPeriod time.Duration `yaml:"warranty_period" env:"IMPORT_WARRANTY_PERIOD" default:"17520h"`

	// ReportDir receives a CSV of every finished report's issues when set
	ReportDir string `yaml:"report_dir" env:"IMPORT_REPORT_DIR"`
}

// GenerationConfig holds ICCID generation settings.
type GenerationConfig struct {
	// OnlineCap bounds an interactive range (default: 10000)
	OnlineCap int `yaml:"online_cap" env:"ICCID_ONLINE_CAP" default:"10000"`

	// ExportCap bounds a file export (default: 250000)
	ExportCap int `yaml:"export_cap" env:"ICCID_EXPORT_CAP" default:"250000"`

	// BatchSize is the number of ICCIDs per batch in an export (default: 1000)
	BatchSize int `yaml:"batch_size" env:"ICCID_BATCH_SIZE" default:"1000"`

	// PalletPrefix prefixes generated pallet codes (default: EST912)
	PalletPrefix string `yaml:"pallet_prefix" env:"PALLET_CODE_PREFIX" default:"EST912"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `yaml:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `yaml:"format" env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables it
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// ReconcileConfig holds the periodic pallet reconciliation settings.
type ReconcileConfig struct {
	// Interval between full pallet recomputations; zero disables the
	// scheduler (default: 1h)
	Interval time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" default:"1h"`
}

// CustomersConfig points at the read-only customer directory.
type CustomersConfig struct {
	// File is a YAML map of customer id to display name; empty disables
	// customer assignment
	File string `yaml:"file" env:"CUSTOMERS_FILE"`
}
