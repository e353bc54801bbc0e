// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig describes the remote browser and the capabilities requested from it.
type BrowserConfig struct {
	WebDriverURL string   `mapstructure:"webdriver_url" yaml:"webdriver_url"`
	BrowserName  string   `mapstructure:"browser_name" yaml:"browser_name"`
	Binary       string   `mapstructure:"binary" yaml:"binary"`
	Args         []string `mapstructure:"args" yaml:"args"`
	Headless     bool     `mapstructure:"headless" yaml:"headless"`
	// DebuggerAddress attaches to an already running browser instead of launching one.
	DebuggerAddress string                 `mapstructure:"debugger_address" yaml:"debugger_address"`
	Prefs           map[string]interface{} `mapstructure:"prefs" yaml:"prefs"`
	Proxy           ProxyConfig            `mapstructure:"proxy" yaml:"proxy"`
	SlowMo          time.Duration          `mapstructure:"slow_mo" yaml:"slow_mo"`
	UserDataDir     string                 `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	DownloadsPath   string                 `mapstructure:"downloads_path" yaml:"downloads_path"`
}

// ProxyConfig is handed to the browser as launch arguments.
type ProxyConfig struct {
	Server string `mapstructure:"server" yaml:"server"`
	Bypass string `mapstructure:"bypass" yaml:"bypass"`
}

// TimeoutsConfig bounds every wait the client performs.
type TimeoutsConfig struct {
	Default       time.Duration `mapstructure:"default" yaml:"default"`
	Navigation    time.Duration `mapstructure:"navigation" yaml:"navigation"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	NetworkIdle   time.Duration `mapstructure:"network_idle" yaml:"network_idle"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Connect       time.Duration `mapstructure:"connect" yaml:"connect"`
}

// TrackerConfig controls the DevTools event channel behind load state waits.
type TrackerConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	DiscoveryAttempts int           `mapstructure:"discovery_attempts" yaml:"discovery_attempts"`
	DiscoveryBackoff  time.Duration `mapstructure:"discovery_backoff" yaml:"discovery_backoff"`
}

// NetworkConfig tunes the HTTP client used for the WebDriver and DevTools endpoints.
type NetworkConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepAlive       time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sparkle")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.webdriver_url", "http://127.0.0.1:9515")
	v.SetDefault("browser.browser_name", "chrome")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.slow_mo", "0s")

	// -- Timeouts --
	v.SetDefault("timeouts.default", "30s")
	v.SetDefault("timeouts.navigation", "30s")
	v.SetDefault("timeouts.retry_interval", "100ms")
	v.SetDefault("timeouts.network_idle", "500ms")
	v.SetDefault("timeouts.poll_interval", "100ms")
	v.SetDefault("timeouts.connect", "30s")

	// -- Tracker --
	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.discovery_attempts", 3)
	v.SetDefault("tracker.discovery_backoff", "250ms")

	// -- Network --
	v.SetDefault("network.request_timeout", "60s")
	v.SetDefault("network.dial_timeout", "5s")
	v.SetDefault("network.keep_alive", "15s")
	v.SetDefault("network.max_idle_conns", 16)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every path setting.
func (c *Config) expandPaths() error {
	for key, p := range map[string]*string{
		"browser.binary":         &c.Browser.Binary,
		"browser.user_data_dir":  &c.Browser.UserDataDir,
		"browser.downloads_path": &c.Browser.DownloadsPath,
		"logger.log_file":        &c.Logger.LogFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.WebDriverURL == "" {
		return fmt.Errorf("browser.webdriver_url is a required configuration field")
	}
	if u, err := url.Parse(c.Browser.WebDriverURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("browser.webdriver_url must be an absolute URL, got %q", c.Browser.WebDriverURL)
	}
	if c.Browser.SlowMo < 0 {
		return fmt.Errorf("browser.slow_mo must not be negative")
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if c.Tracker.Enabled && c.Tracker.DiscoveryAttempts <= 0 {
		return fmt.Errorf("tracker.discovery_attempts must be a positive integer")
	}
	if c.Tracker.DiscoveryBackoff < 0 {
		return fmt.Errorf("tracker.discovery_backoff must not be negative")
	}
	if c.Network.MaxIdleConns < 0 {
		return fmt.Errorf("network.max_idle_conns must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// Validate checks that every timeout is positive.
func (t *TimeoutsConfig) Validate() error {
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"timeouts.default", t.Default},
		{"timeouts.navigation", t.Navigation},
		{"timeouts.retry_interval", t.RetryInterval},
		{"timeouts.network_idle", t.NetworkIdle},
		{"timeouts.poll_interval", t.PollInterval},
		{"timeouts.connect", t.Connect},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	return nil
}
