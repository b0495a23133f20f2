package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Content    ContentConfig    `yaml:"content"`
	Newsletter NewsletterConfig `yaml:"newsletter"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig points at the SQLite file holding subscribers and articles
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects where schedules are kept
type StorageConfig struct {
	Driver   string `yaml:"driver"`    // sqlite, bolt
	BoltPath string `yaml:"bolt_path"` // used when driver is bolt
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// SchedulerConfig controls the due-schedule poller
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`     // schedules processed concurrently
	BatchSize    int           `yaml:"batch_size"`  // due schedules fetched per tick
	StaleAfter   time.Duration `yaml:"stale_after"` // 0 disables stale recovery
}

// DispatchConfig controls per-recipient sending
type DispatchConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	Pause         time.Duration `yaml:"pause"` // 0 disables the pause between sends
	SendTimeout   time.Duration `yaml:"send_timeout"`
	DefaultWindow time.Duration `yaml:"default_window"` // content window without frequency filter
}

// CleanupConfig controls removal of old failed and cancelled schedules
type CleanupConfig struct {
	Interval  time.Duration `yaml:"interval"` // 0 disables the background cleaner
	Retention time.Duration `yaml:"retention"`
}

// ContentConfig selects where newsletter articles come from
type ContentConfig struct {
	Source string       `yaml:"source"` // db, rss
	Feeds  []FeedConfig `yaml:"feeds"`
	Limit  int          `yaml:"limit"` // max articles per newsletter, 0 = all
}

// FeedConfig is an RSS or Atom feed tagged with a category
type FeedConfig struct {
	URL        string `yaml:"url"`
	CategoryID int64  `yaml:"category_id"`
}

// NewsletterConfig holds values exposed to templates
type NewsletterConfig struct {
	AppName      string `yaml:"app_name"`
	BaseURL      string `yaml:"base_url"`
	From         string `yaml:"from"`
	TemplatesDir string `yaml:"templates_dir"`
}

// GatewayConfig selects and configures the email delivery backend
type GatewayConfig struct {
	Driver string       `yaml:"driver"` // smtp, sendry, resend, ses, log
	SMTP   SMTPConfig   `yaml:"smtp"`
	Sendry SendryConfig `yaml:"sendry"`
	Resend ResendConfig `yaml:"resend"`
	SES    SESConfig    `yaml:"ses"`
}

// SMTPConfig configures relay delivery
type SMTPConfig struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	HELO     string        `yaml:"helo"`
	TLS      string        `yaml:"tls"` // starttls, tls, none
	Timeout  time.Duration `yaml:"timeout"`
	DKIM     DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SendryConfig points at a Sendry MTA HTTP API
type SendryConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ResendConfig struct {
	APIKey string `yaml:"api_key"`
}

// SESConfig configures Amazon SES. Empty keys use the default AWS credential chain.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IPs or CIDRs; empty allows everyone
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a configuration with every default applied. Durations
// where zero means "disabled" are only defaulted here, so an explicit 0 in
// the file survives loading.
func Default() *Config {
	cfg := &Config{
		Scheduler: SchedulerConfig{StaleAfter: time.Hour},
		Dispatch:  DispatchConfig{Pause: 100 * time.Millisecond},
		Cleanup: CleanupConfig{
			Interval:  24 * time.Hour,
			Retention: 90 * 24 * time.Hour,
		},
	}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/newsletter/newsletter.db"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.BoltPath == "" {
		c.Storage.BoltPath = "/var/lib/newsletter/schedules.bolt"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = time.Minute
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 2
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 50
	}

	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 5
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.DefaultWindow == 0 {
		c.Dispatch.DefaultWindow = 7 * 24 * time.Hour
	}

	if c.Content.Source == "" {
		c.Content.Source = "db"
	}

	if c.Newsletter.AppName == "" {
		c.Newsletter.AppName = "Newsletter"
	}
	if c.Newsletter.BaseURL == "" {
		c.Newsletter.BaseURL = "http://localhost:8080"
	}

	if c.Gateway.Driver == "" {
		c.Gateway.Driver = "log"
	}
	if c.Gateway.SMTP.TLS == "" {
		c.Gateway.SMTP.TLS = "starttls"
	}
	if c.Gateway.SMTP.Timeout == 0 {
		c.Gateway.SMTP.Timeout = 30 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be sqlite or bolt)", c.Storage.Driver)
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}
	if c.Scheduler.StaleAfter < 0 {
		return fmt.Errorf("scheduler.stale_after must not be negative")
	}

	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1")
	}
	if c.Dispatch.Pause < 0 {
		return fmt.Errorf("dispatch.pause must not be negative")
	}

	if c.Cleanup.Interval < 0 {
		return fmt.Errorf("cleanup.interval must not be negative")
	}
	if c.Cleanup.Retention <= 0 {
		return fmt.Errorf("cleanup.retention must be positive")
	}

	switch c.Content.Source {
	case "db":
	case "rss":
		if len(c.Content.Feeds) == 0 {
			return fmt.Errorf("content.feeds must not be empty when content.source is rss")
		}
		for i, f := range c.Content.Feeds {
			if _, err := url.ParseRequestURI(f.URL); err != nil {
				return fmt.Errorf("content.feeds[%d].url is invalid: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("invalid content.source: %s (must be db or rss)", c.Content.Source)
	}

	if _, err := url.ParseRequestURI(c.Newsletter.BaseURL); err != nil {
		return fmt.Errorf("newsletter.base_url is invalid: %w", err)
	}

	if err := c.validateGateway(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateGateway checks the settings of the selected driver
func (c *Config) validateGateway() error {
	g := c.Gateway

	if g.Driver != "log" && c.Newsletter.From == "" {
		return fmt.Errorf("newsletter.from is required for gateway driver %s", g.Driver)
	}

	switch g.Driver {
	case "log":
	case "smtp":
		if g.SMTP.Addr == "" {
			return fmt.Errorf("gateway.smtp.addr is required")
		}
		switch g.SMTP.TLS {
		case "starttls", "tls", "none":
		default:
			return fmt.Errorf("invalid gateway.smtp.tls: %s (must be starttls, tls or none)", g.SMTP.TLS)
		}
		if err := g.SMTP.DKIM.validate(); err != nil {
			return err
		}
	case "sendry":
		if g.Sendry.BaseURL == "" {
			return fmt.Errorf("gateway.sendry.base_url is required")
		}
		if g.Sendry.APIKey == "" {
			return fmt.Errorf("gateway.sendry.api_key is required")
		}
	case "resend":
		if g.Resend.APIKey == "" {
			return fmt.Errorf("gateway.resend.api_key is required")
		}
	case "ses":
		if (g.SES.AccessKey == "") != (g.SES.SecretKey == "") {
			return fmt.Errorf("gateway.ses.access_key and secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid gateway.driver: %s (must be smtp, sendry, resend, ses or log)", g.Driver)
	}

	return nil
}

func (d DKIMConfig) validate() error {
	if !d.Enabled {
		return nil
	}
	if d.Selector == "" {
		return fmt.Errorf("gateway.smtp.dkim.selector is required when DKIM is enabled")
	}
	if d.KeyFile == "" {
		return fmt.Errorf("gateway.smtp.dkim.key_file is required when DKIM is enabled")
	}
	if d.Domain == "" {
		return fmt.Errorf("gateway.smtp.dkim.domain is required when DKIM is enabled")
	}
	return nil
}
