package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	DocNumber DocNumberConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	SlowQueryThresh time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port address of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool          // Whether to export metrics
	CollectorEndpoint string        // OTEL Collector endpoint (e.g., "localhost:4317")
	ServiceName       string        // Service name reported with metrics
	Insecure          bool          // Use insecure (non-TLS) connection (development only)
	ExportInterval    time.Duration // Metric export interval
	SamplingRatio     float64       // Fraction of root traces sampled (0.0 - 1.0)
	ExportLogs        bool          // Also ship zap entries as OTLP log records
	TraceSQL          bool          // Create a span per SQL statement
}

// DocNumberConfig holds document number allocation settings.
// Per-type prefixes, date format and digits live in the system_settings table;
// the values here are the fallbacks used when a setting is missing.
type DocNumberConfig struct {
	DefaultDateFormat     string
	DefaultSequenceDigits int
	LockTimeout           time.Duration // max wait for a sequence row lock
	SettingCacheTTL       time.Duration
	GapReuseEnabled       bool
	InvalidationChannel   string // Redis Pub/Sub channel for setting changes
	Timezone              string // zone used to derive date buckets
}

// Location returns the configured time zone, or UTC if it cannot be loaded
func (d *DocNumberConfig) Location() *time.Location {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

var validDateFormats = map[string]bool{
	"YYYYMMDD": true,
	"YYMMDD":   true,
	"YYMM":     true,
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with DOCNUM_ prefix (e.g., DOCNUM_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("DOCNUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about
	v.SetDefault("redis.enabled", false)
	v.SetDefault("docnumber.gap_reuse_enabled", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			SlowQueryThresh: v.GetDuration("database.slow_query_threshold"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ExportLogs:        v.GetBool("telemetry.export_logs"),
			TraceSQL:          v.GetBool("telemetry.trace_sql"),
		},
		DocNumber: DocNumberConfig{
			DefaultDateFormat:     v.GetString("docnumber.default_date_format"),
			DefaultSequenceDigits: v.GetInt("docnumber.default_sequence_digits"),
			LockTimeout:           v.GetDuration("docnumber.lock_timeout"),
			SettingCacheTTL:       v.GetDuration("docnumber.setting_cache_ttl"),
			GapReuseEnabled:       v.GetBool("docnumber.gap_reuse_enabled"),
			InvalidationChannel:   v.GetString("docnumber.invalidation_channel"),
			Timezone:              v.GetString("docnumber.timezone"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "docnumber"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "erp"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.SlowQueryThresh == 0 {
		cfg.Database.SlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "docnumber"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
	if cfg.DocNumber.DefaultDateFormat == "" {
		cfg.DocNumber.DefaultDateFormat = "YYMMDD"
	}
	cfg.DocNumber.DefaultDateFormat = strings.ToUpper(cfg.DocNumber.DefaultDateFormat)
	if cfg.DocNumber.DefaultSequenceDigits == 0 {
		cfg.DocNumber.DefaultSequenceDigits = 3
	}
	if cfg.DocNumber.LockTimeout == 0 {
		cfg.DocNumber.LockTimeout = 5 * time.Second
	}
	if cfg.DocNumber.SettingCacheTTL == 0 {
		cfg.DocNumber.SettingCacheTTL = 30 * time.Second
	}
	if cfg.DocNumber.InvalidationChannel == "" {
		cfg.DocNumber.InvalidationChannel = "docnumber:settings:updates"
	}
	if cfg.DocNumber.Timezone == "" {
		cfg.DocNumber.Timezone = "Local"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	if !validDateFormats[c.DocNumber.DefaultDateFormat] {
		return fmt.Errorf("docnumber.default_date_format must be one of YYYYMMDD, YYMMDD, YYMM, got %q",
			c.DocNumber.DefaultDateFormat)
	}
	if c.DocNumber.DefaultSequenceDigits < 1 || c.DocNumber.DefaultSequenceDigits > 9 {
		return fmt.Errorf("docnumber.default_sequence_digits must be between 1 and 9, got %d",
			c.DocNumber.DefaultSequenceDigits)
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0 and 1, got %v", c.Telemetry.SamplingRatio)
	}
	if c.DocNumber.LockTimeout < 0 {
		return fmt.Errorf("docnumber.lock_timeout cannot be negative")
	}
	if _, err := time.LoadLocation(c.DocNumber.Timezone); err != nil {
		return fmt.Errorf("docnumber.timezone %q is invalid: %w", c.DocNumber.Timezone, err)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
