package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MySQL SSL modes
const (
	SSLModeDisabled       = "disabled"
	SSLModePreferred      = "preferred"
	SSLModeRequired       = "required"
	SSLModeVerifyCA       = "verify_ca"
	SSLModeVerifyIdentity = "verify_identity"
)

// Destination types
const (
	DestinationMySQL      = "mysql"
	DestinationClickHouse = "clickhouse"
)

// Resume strategies
const (
	ResumeLedger   = "ledger"
	ResumeRowCount = "row_count"
	ResumeNone     = "none"
)

// Table create modes
const (
	CreateNone        = "none"
	CreateIfNotExists = "if_not_exists"
	CreateRecreate    = "recreate"
)

// Bulk load modes
const (
	BulkLoadAuto = "auto"
	BulkLoadOn   = "on"
	BulkLoadOff  = "off"
)

type Config struct {
	Destination   string              `mapstructure:"destination"`
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Load          LoadConfig          `mapstructure:"load"`
	State         StateConfig         `mapstructure:"state"`
	Jobs          []JobConfig         `mapstructure:"jobs"`
	JobFilter     JobFilterConfig     `mapstructure:"job_filter"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type MySQLConfig struct {
	Host             string            `mapstructure:"host"`
	Port             int               `mapstructure:"port"`
	Username         string            `mapstructure:"username"`
	Password         string            `mapstructure:"password"`
	Database         string            `mapstructure:"database"`
	SSLMode          string            `mapstructure:"ssl_mode"`
	SSLCert          string            `mapstructure:"ssl_cert"`
	SSLKey           string            `mapstructure:"ssl_key"`
	SSLCa            string            `mapstructure:"ssl_ca"`
	ConnectTimeout   time.Duration     `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	BulkLoad         string            `mapstructure:"bulk_load"`
	LockTimeout      time.Duration     `mapstructure:"lock_timeout"`
	SessionVariables map[string]string `mapstructure:"session_variables"`
}

type ClickHouseConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	EnableSSL    bool          `mapstructure:"enable_ssl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// LoadConfig holds the defaults shared by every job.
type LoadConfig struct {
	ChunkSize       int      `mapstructure:"chunk_size"`
	InsertBatchSize int      `mapstructure:"insert_batch_size"`
	MaxRowErrors    int      `mapstructure:"max_row_errors"`
	Resume          string   `mapstructure:"resume"`
	NullValues      []string `mapstructure:"null_values"`
	TempDir         string   `mapstructure:"temp_dir"`
}

type StateConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

type JobConfig struct {
	Name   string       `mapstructure:"name"`
	Source SourceConfig `mapstructure:"source"`
	Table  TableConfig  `mapstructure:"table"`
	// Resume overrides load.resume when set.
	Resume string `mapstructure:"resume"`
	// NullValues is appended to load.null_values.
	NullValues []string `mapstructure:"null_values"`
}

type SourceConfig struct {
	Path      string `mapstructure:"path"`
	Format    string `mapstructure:"format"`
	SourceID  string `mapstructure:"source_id"`
	Delimiter string `mapstructure:"delimiter"`
	NoHeader  bool   `mapstructure:"no_header"`
	// LazyQuote defaults to true when unset.
	LazyQuote *bool  `mapstructure:"lazy_quotes"`
	Sheet     string `mapstructure:"sheet"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

type TableConfig struct {
	Name         string         `mapstructure:"name"`
	Create       string         `mapstructure:"create"`
	SurrogateKey bool           `mapstructure:"surrogate_key"`
	UniqueKey    []string       `mapstructure:"unique_key"`
	Columns      []ColumnConfig `mapstructure:"columns"`
}

type ColumnConfig struct {
	Name            string   `mapstructure:"name"`
	Type            string   `mapstructure:"type"`
	Nullable        *bool    `mapstructure:"nullable"`
	Default         *string  `mapstructure:"default"`
	Source          string   `mapstructure:"source"`
	Aliases         []string `mapstructure:"aliases"`
	NullValues      []string `mapstructure:"null_values"`
	Formats         []string `mapstructure:"formats"`
	StripNonNumeric bool     `mapstructure:"strip_non_numeric"`
	KeepEmpty       bool     `mapstructure:"keep_empty"`
	Min             *float64 `mapstructure:"min"`
	Max             *float64 `mapstructure:"max"`
}

type JobFilterConfig struct {
	IncludePatterns []string `mapstructure:"include_patterns"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
	IncludeJobs     []string `mapstructure:"include_jobs"`
	ExcludeJobs     []string `mapstructure:"exclude_jobs"`
}

type MonitoringConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Port           int    `mapstructure:"port"`
	MetricsPath    string `mapstructure:"metrics_path"`
	HealthPath     string `mapstructure:"health_path"`
	PushGatewayURL string `mapstructure:"push_gateway_url"`
	PushJobName    string `mapstructure:"push_job_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

type ObservabilityConfig struct {
	ErrorReporting ErrorReportingConfig `mapstructure:"error_reporting"`
	LogExporting   LogExportingConfig   `mapstructure:"log_exporting"`
}

type ErrorReportingConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Provider string       `mapstructure:"provider"` // sentry, noop
	Sentry   SentryConfig `mapstructure:"sentry"`
}

type SentryConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Environment  string        `mapstructure:"environment"`
	Release      string        `mapstructure:"release"`
	SampleRate   float64       `mapstructure:"sample_rate"`
	Debug        bool          `mapstructure:"debug"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type LogExportingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"` // newrelic, noop
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
}

type NewRelicConfig struct {
	LicenseKey    string        `mapstructure:"license_key"`
	AppName       string        `mapstructure:"app_name"`
	LogForwarding bool          `mapstructure:"log_forwarding"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// Load reads, expands and validates the configuration file at configPath.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated Config from a raw YAML document.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	expanded, err := expandEnv(string(data), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyJobDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("destination", DestinationMySQL)

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.ssl_mode", SSLModePreferred)
	v.SetDefault("mysql.connect_timeout", "10s")
	v.SetDefault("mysql.read_timeout", "10m")
	v.SetDefault("mysql.bulk_load", BulkLoadAuto)
	v.SetDefault("mysql.lock_timeout", "5s")
	v.SetDefault("mysql.session_variables", map[string]string{
		"foreign_key_checks":      "0",
		"unique_checks":           "0",
		"bulk_insert_buffer_size": "268435456",
	})

	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.enable_ssl", false)
	v.SetDefault("clickhouse.dial_timeout", "10s")
	v.SetDefault("clickhouse.max_open_conns", 4)
	v.SetDefault("clickhouse.max_idle_conns", 2)
	v.SetDefault("clickhouse.max_lifetime", "1h")

	v.SetDefault("load.chunk_size", 50000)
	v.SetDefault("load.insert_batch_size", 5000)
	v.SetDefault("load.max_row_errors", 100)
	v.SetDefault("load.resume", ResumeLedger)

	v.SetDefault("state.table", "table_loader_chunks")

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.port", 9108)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.push_job_name", "table_loader")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.local_time", true)

	v.SetDefault("observability.error_reporting.enabled", false)
	v.SetDefault("observability.error_reporting.provider", "sentry")
	v.SetDefault("observability.error_reporting.sentry.sample_rate", 1.0)
	v.SetDefault("observability.error_reporting.sentry.flush_timeout", "5s")

	v.SetDefault("observability.log_exporting.enabled", false)
	v.SetDefault("observability.log_exporting.provider", "newrelic")
	v.SetDefault("observability.log_exporting.newrelic.log_forwarding", true)
	v.SetDefault("observability.log_exporting.newrelic.flush_timeout", "5s")
}

// applyJobDefaults fills per-job settings that fall back to the load section.
func applyJobDefaults(cfg *Config) {
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		if job.Name == "" {
			job.Name = job.Table.Name
		}
		if job.Resume == "" {
			job.Resume = cfg.Load.Resume
		}
		if job.Source.ChunkSize == 0 {
			job.Source.ChunkSize = cfg.Load.ChunkSize
		}
		if job.Table.Create == "" {
			job.Table.Create = CreateNone
		}
		job.Source.Format = strings.ToLower(job.Source.Format)
	}
	if cfg.State.Database == "" {
		if cfg.Destination == DestinationClickHouse {
			cfg.State.Database = cfg.ClickHouse.Database
		} else {
			cfg.State.Database = cfg.MySQL.Database
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Destination {
	case DestinationMySQL:
		if err := validateMySQL(&cfg.MySQL); err != nil {
			return err
		}
	case DestinationClickHouse:
		if err := validateClickHouse(&cfg.ClickHouse); err != nil {
			return err
		}
	default:
		return fmt.Errorf("destination must be one of: mysql, clickhouse, got %q", cfg.Destination)
	}

	if err := validateRange(cfg.Load.ChunkSize, 1, 10000000, "load.chunk_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Load.InsertBatchSize, 1, 100000, "load.insert_batch_size"); err != nil {
		return err
	}
	if cfg.Load.MaxRowErrors < 0 {
		return fmt.Errorf("load.max_row_errors must be non-negative, got %d", cfg.Load.MaxRowErrors)
	}
	if err := validateResume(cfg.Load.Resume, "load.resume"); err != nil {
		return err
	}
	if cfg.State.Table == "" {
		return fmt.Errorf("state.table is required")
	}

	if len(cfg.Jobs) == 0 {
		return fmt.Errorf("at least one job is required")
	}
	seen := make(map[string]bool, len(cfg.Jobs))
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		if err := validateJob(job); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if seen[job.Name] {
			return fmt.Errorf("jobs[%d]: duplicate job name %q", i, job.Name)
		}
		seen[job.Name] = true
	}

	if cfg.Monitoring.Enabled {
		if err := validatePort(cfg.Monitoring.Port, "monitoring.port"); err != nil {
			return err
		}
	}

	if err := validateRange(cfg.Logging.MaxSize, 1, 1000, "logging.max_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxBackups, 0, 100, "logging.max_backups"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxAge, 0, 365, "logging.max_age"); err != nil {
		return err
	}

	return nil
}

func validateMySQL(m *MySQLConfig) error {
	if m.Host == "" {
		return fmt.Errorf("mysql.host is required")
	}
	if m.Username == "" {
		return fmt.Errorf("mysql.username is required")
	}
	if m.Database == "" {
		return fmt.Errorf("mysql.database is required")
	}
	if err := validatePort(m.Port, "mysql.port"); err != nil {
		return err
	}

	validSSLModes := map[string]bool{
		SSLModeDisabled:       true,
		SSLModePreferred:      true,
		SSLModeRequired:       true,
		SSLModeVerifyCA:       true,
		SSLModeVerifyIdentity: true,
	}
	if !validSSLModes[m.SSLMode] {
		return fmt.Errorf("mysql.ssl_mode must be one of: disabled, preferred, required, verify_ca, verify_identity")
	}
	if m.SSLCert != "" && m.SSLKey == "" {
		return fmt.Errorf("mysql.ssl_key is required when mysql.ssl_cert is specified")
	}
	if m.SSLKey != "" && m.SSLCert == "" {
		return fmt.Errorf("mysql.ssl_cert is required when mysql.ssl_key is specified")
	}
	if (m.SSLMode == SSLModeVerifyCA || m.SSLMode == SSLModeVerifyIdentity) && m.SSLCa == "" {
		return fmt.Errorf("mysql.ssl_ca is required when ssl_mode is %s", m.SSLMode)
	}

	if err := validatePositiveDuration(m.ConnectTimeout, "mysql.connect_timeout"); err != nil {
		return err
	}
	if err := validatePositiveDuration(m.ReadTimeout, "mysql.read_timeout"); err != nil {
		return err
	}
	if m.LockTimeout < 0 {
		return fmt.Errorf("mysql.lock_timeout must be non-negative, got %v", m.LockTimeout)
	}

	switch m.BulkLoad {
	case BulkLoadAuto, BulkLoadOn, BulkLoadOff:
	default:
		return fmt.Errorf("mysql.bulk_load must be one of: auto, on, off")
	}
	return nil
}

func validateClickHouse(c *ClickHouseConfig) error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("clickhouse.addresses is required")
	}
	if c.Username == "" {
		return fmt.Errorf("clickhouse.username is required")
	}
	if err := validateRange(c.MaxOpenConns, 1, 1000, "clickhouse.max_open_conns"); err != nil {
		return err
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("clickhouse.max_idle_conns (%d) cannot exceed clickhouse.max_open_conns (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	if err := validatePositiveDuration(c.DialTimeout, "clickhouse.dial_timeout"); err != nil {
		return err
	}
	return validatePositiveDuration(c.MaxLifetime, "clickhouse.max_lifetime")
}

func validateJob(job *JobConfig) error {
	if job.Name == "" {
		return fmt.Errorf("name is required")
	}
	if job.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	switch job.Source.Format {
	case "", "csv", "tsv", "parquet", "excel", "xlsx":
	default:
		return fmt.Errorf("source.format must be one of: csv, tsv, parquet, excel")
	}
	if len(job.Source.Delimiter) > 1 && job.Source.Delimiter != `\t` {
		return fmt.Errorf("source.delimiter must be a single character")
	}
	if err := validateRange(job.Source.ChunkSize, 1, 10000000, "source.chunk_size"); err != nil {
		return err
	}
	if err := validateResume(job.Resume, "resume"); err != nil {
		return err
	}

	if job.Table.Name == "" {
		return fmt.Errorf("table.name is required")
	}
	switch job.Table.Create {
	case CreateNone, CreateIfNotExists, CreateRecreate:
	default:
		return fmt.Errorf("table.create must be one of: none, if_not_exists, recreate")
	}
	if len(job.Table.Columns) == 0 {
		return fmt.Errorf("table.columns must not be empty")
	}

	names := make(map[string]bool, len(job.Table.Columns))
	for i, col := range job.Table.Columns {
		if col.Name == "" {
			return fmt.Errorf("table.columns[%d].name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("table.columns[%d].type is required", i)
		}
		key := strings.ToLower(col.Name)
		if names[key] {
			return fmt.Errorf("table.columns[%d]: duplicate column %q", i, col.Name)
		}
		names[key] = true
		if col.Min != nil && col.Max != nil && *col.Min > *col.Max {
			return fmt.Errorf("table.columns[%d]: min must not exceed max", i)
		}
	}
	for _, k := range job.Table.UniqueKey {
		if !names[strings.ToLower(k)] {
			return fmt.Errorf("table.unique_key references unknown column %q", k)
		}
	}
	return nil
}

func validateResume(resume, name string) error {
	switch resume {
	case ResumeLedger, ResumeRowCount, ResumeNone:
		return nil
	}
	return fmt.Errorf("%s must be one of: ledger, row_count, none, got %q", name, resume)
}

// validatePort checks if a port number is in the valid range (1-65535)
func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// validatePositiveDuration checks if a duration is positive
func validatePositiveDuration(d time.Duration, name string) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}

// validateRange checks if an integer is within a specified range
func validateRange(value int, min int, max int, name string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}
	return nil
}
