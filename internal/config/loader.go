package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/traceability/internal/lifecycle"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "CONFIG_FILE"

// Load reads configuration from tag defaults, the CONFIG_FILE overlay and
// environment variables, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), fromDefault); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
	}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), fromEnv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Default returns the configuration built from the default tags alone,
// ignoring the environment.
func Default() *Config {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem(), fromDefault); err != nil {
		panic(fmt.Sprintf("invalid default tag: %v", err))
	}
	return cfg
}

// loadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type source int

const (
	fromDefault source = iota
	fromEnv
)

// loadStruct recursively populates struct fields. With fromDefault it
// applies the default tags; with fromEnv it applies the environment
// variables that are set, falling back to the envAlt name.
func loadStruct(v reflect.Value, src source) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, src); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		var value string
		switch src {
		case fromDefault:
			value = field.Tag.Get("default")
		case fromEnv:
			value = os.Getenv(envName)
			if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
				value = os.Getenv(alt)
			}
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Import validation
	if c.Import.MaxRows <= 0 {
		errs = append(errs, "IMPORT_MAX_ROWS must be positive")
	}
	if c.Import.MaxReportIssues <= 0 {
		errs = append(errs, "IMPORT_MAX_REPORT_ISSUES must be positive")
	}
	if c.Import.ExpectedDensity <= 0 || c.Import.ExpectedCartons <= 0 {
		errs = append(errs, "IMPORT_EXPECTED_DENSITY and IMPORT_EXPECTED_CARTONS must be positive")
	}
	if c.Import.DensityTolerance <= 0 || c.Import.DensityTolerance >= 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_DENSITY_TOLERANCE (%g) must be between 0 and 1", c.Import.DensityTolerance))
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.Timeout <= 0 {
		errs = append(errs, "IMPORT_TIMEOUT must be positive")
	}
	if c.Import.ContextCheckInterval <= 0 {
		errs = append(errs, "IMPORT_CONTEXT_CHECK_INTERVAL must be positive")
	}
	if c.Import.RetryAttempts < 0 {
		errs = append(errs, "IMPORT_RETRY_ATTEMPTS must be non-negative")
	}
	if c.Import.RetryBackoff < 0 {
		errs = append(errs, "IMPORT_RETRY_BACKOFF must be non-negative")
	}
	if _, err := lifecycle.ParseState(c.Import.InitialState); err != nil {
		errs = append(errs, fmt.Sprintf("IMPORT_INITIAL_STATE (%q) is not a lifecycle state", c.Import.InitialState))
	}
	if c.Import.WarrantyPeriod < 0 {
		errs = append(errs, "IMPORT_WARRANTY_PERIOD must be non-negative")
	}

	// Generation validation
	if c.Generation.OnlineCap <= 0 {
		errs = append(errs, "ICCID_ONLINE_CAP must be positive")
	}
	if c.Generation.ExportCap < c.Generation.OnlineCap {
		errs = append(errs, fmt.Sprintf("ICCID_EXPORT_CAP (%d) must be >= ICCID_ONLINE_CAP (%d)",
			c.Generation.ExportCap, c.Generation.OnlineCap))
	}
	if c.Generation.BatchSize <= 0 {
		errs = append(errs, "ICCID_BATCH_SIZE must be positive")
	}

	// Reconcile validation
	if c.Reconcile.Interval < 0 {
		errs = append(errs, "RECONCILE_INTERVAL must be non-negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	dbURL := "[MEMORY]"
	if c.Database.URL != "" {
		dbURL = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		dbURL, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Import: {MaxRows: %d, MaxConcurrent: %d, RetryAttempts: %d, InitialState: %q}, ",
		c.Import.MaxRows, c.Import.MaxConcurrent, c.Import.RetryAttempts, c.Import.InitialState))
	b.WriteString(fmt.Sprintf("Generation: {OnlineCap: %d, ExportCap: %d, BatchSize: %d}, ",
		c.Generation.OnlineCap, c.Generation.ExportCap, c.Generation.BatchSize))
	b.WriteString(fmt.Sprintf("Metrics: {Addr: %q}, Reconcile: {Interval: %s}, ",
		c.Metrics.Addr, c.Reconcile.Interval))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
