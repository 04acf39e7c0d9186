package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/archessay/wildduck/helpers"
)

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
	Migrate         bool   `toml:"migrate"` // Apply embedded migrations at startup
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the per-query timeout
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// S3Config holds S3 configuration for outbound message bodies.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Prefix     string `toml:"prefix"` // Optional key prefix for stored objects
	Debug      bool   `toml:"debug"`  // Enable detailed S3 request/response tracing
}

// RedisConfig holds the counter store connection settings.
type RedisConfig struct {
	Addr        string `toml:"addr"`
	Password    string `toml:"password"`
	DB          int    `toml:"db"`
	PoolSize    int    `toml:"pool_size"`
	DialTimeout string `toml:"dial_timeout"`
}

// GetDialTimeout parses the Redis dial timeout
func (r *RedisConfig) GetDialTimeout() (time.Duration, error) {
	if r.DialTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(r.DialTimeout)
}

// LMTPConfig holds the LMTP listener settings.
type LMTPConfig struct {
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	MaxMessageSize string `toml:"max_message_size"`
	MaxRecipients  int    `toml:"max_recipients"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
}

// GetMaxMessageSize parses the maximum accepted message size
func (l *LMTPConfig) GetMaxMessageSize() (int64, error) {
	if l.MaxMessageSize == "" {
		return 50 << 20, nil
	}
	return helpers.ParseSize(l.MaxMessageSize)
}

// GetReadTimeout parses the LMTP read timeout
func (l *LMTPConfig) GetReadTimeout() (time.Duration, error) {
	if l.ReadTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(l.ReadTimeout)
}

// GetWriteTimeout parses the LMTP write timeout
func (l *LMTPConfig) GetWriteTimeout() (time.Duration, error) {
	if l.WriteTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(l.WriteTimeout)
}

// SenderConfig controls the outbound queue.
type SenderConfig struct {
	Enabled  bool   `toml:"enabled"`  // Forwarding and autoreplies are skipped when false
	Zone     string `toml:"zone"`     // Sending zone for queued records
	Hostname string `toml:"hostname"` // Used for synthesized Message-IDs when the sender has no domain
}

// ForwardingConfig holds the outbound rate limits.
type ForwardingConfig struct {
	MaxForwards       int    `toml:"max_forwards"`       // Default per-user daily forwarding ceiling
	Window            string `toml:"window"`             // Forward counter window
	AutoreplyInterval string `toml:"autoreply_interval"` // Minimum time between autoreplies to the same sender
}

// GetWindow parses the forward counter window
func (f *ForwardingConfig) GetWindow() (time.Duration, error) {
	if f.Window == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(f.Window)
}

// GetAutoreplyInterval parses the per-sender autoreply interval
func (f *ForwardingConfig) GetAutoreplyInterval() (time.Duration, error) {
	if f.AutoreplyInterval == "" {
		return 4 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(f.AutoreplyInterval)
}

// SpamHeaderConfig describes one spam verdict header. A message whose header
// Key matches the Value regex is routed to the junk folder.
type SpamHeaderConfig struct {
	Key    string `toml:"key"`
	Value  string `toml:"value"`
	Target string `toml:"target"` // Informational, e.g. "Junk"
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig      `toml:"logging"`
	Database    DatabaseConfig     `toml:"database"`
	S3          S3Config           `toml:"s3"`
	Redis       RedisConfig        `toml:"redis"`
	LMTP        LMTPConfig         `toml:"lmtp"`
	Sender      SenderConfig       `toml:"sender"`
	Forwarding  ForwardingConfig   `toml:"forwarding"`
	SpamHeaders []SpamHeaderConfig `toml:"spam_header"`
	Metrics     MetricsConfig      `toml:"metrics"`
}

// DefaultSpamHeaders are the spam verdict headers checked when none are
// configured.
func DefaultSpamHeaders() []SpamHeaderConfig {
	return []SpamHeaderConfig{
		{Key: "X-Spam-Status", Value: "^yes", Target: "Junk"},
		{Key: "X-Rspamd-Spam", Value: "^yes", Target: "Junk"},
		{Key: "X-Rspamd-Bar", Value: `^\+{6}`, Target: "Junk"},
		{Key: "X-Haraka-Virus", Value: ".", Target: "Junk"},
	}
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Name:     "wildduck",
			MaxConns: 20,
			MinConns: 2,
			Migrate:  true,
		},
		S3: S3Config{
			Bucket: "wildduck-queue",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		LMTP: LMTPConfig{
			Addr:           ":24",
			Hostname:       "localhost",
			MaxMessageSize: "50mb",
			MaxRecipients:  1000,
		},
		Sender: SenderConfig{
			Enabled: true,
			Zone:    "default",
		},
		Forwarding: ForwardingConfig{
			MaxForwards:       2000,
			Window:            "24h",
			AutoreplyInterval: "4d",
		},
		SpamHeaders: DefaultSpamHeaders(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.LMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("lmtp.max_message_size: %w", err)
	}
	if _, err := c.Forwarding.GetWindow(); err != nil {
		return fmt.Errorf("forwarding.window: %w", err)
	}
	if _, err := c.Forwarding.GetAutoreplyInterval(); err != nil {
		return fmt.Errorf("forwarding.autoreply_interval: %w", err)
	}
	if c.Forwarding.MaxForwards < 0 {
		return fmt.Errorf("forwarding.max_forwards must not be negative")
	}
	for i, sh := range c.SpamHeaders {
		if sh.Key == "" {
			return fmt.Errorf("spam_header[%d]: key is required", i)
		}
	}
	if c.Sender.Zone == "" {
		c.Sender.Zone = "default"
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file on top of the
// values already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	}
}
