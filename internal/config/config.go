// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BROWSERPILOT_BROWSER_ENDPOINT.
const EnvPrefix = "BROWSERPILOT"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Timeouts() TimeoutsConfig
	Engine() EngineConfig
	Database() DatabaseConfig

	// Browser Setters
	SetBrowserEndpoint(string)
	SetBrowserHeadless(bool)

	// Engine Setters
	SetEngineMaxSteps(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	TimeoutsCfg TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Timeouts() TimeoutsConfig { return c.TimeoutsCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserEndpoint(e string) { c.BrowserCfg.Endpoint = e }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetEngineMaxSteps(n int)     { c.EngineCfg.MaxSteps = n }

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

// BrowserConfig describes how to reach a page. When Endpoint is empty a local
// browser is launched with the remaining settings.
type BrowserConfig struct {
	// Endpoint is a DevTools websocket URL or an http(s) debugging address.
	Endpoint      string         `mapstructure:"endpoint" yaml:"endpoint"`
	Headless      bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath      string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	NoSandbox     bool           `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	DisableGPU    bool           `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Viewport      ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	ProtocolDebug bool           `mapstructure:"protocol_debug" yaml:"protocol_debug"`
}

// ViewportConfig is the emulated device size. Zero leaves the browser's own size alone.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// TimeoutsConfig bounds every blocking step.
type TimeoutsConfig struct {
	Dial       time.Duration `mapstructure:"dial" yaml:"dial"`
	Call       time.Duration `mapstructure:"call" yaml:"call"`
	Navigation time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Stability  time.Duration `mapstructure:"stability" yaml:"stability"`
}

// EngineConfig controls the observe/decide/act loop.
type EngineConfig struct {
	MaxSteps      int `mapstructure:"max_steps" yaml:"max_steps"`
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
	// StepsPerSecond paces the loop. Zero disables pacing.
	StepsPerSecond  float64 `mapstructure:"steps_per_second" yaml:"steps_per_second"`
	MaxExtractChars int     `mapstructure:"max_extract_chars" yaml:"max_extract_chars"`
	MaxElements     int     `mapstructure:"max_elements" yaml:"max_elements"`
}

// DatabaseConfig enables the optional history store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "browserpilot")
	v.SetDefault("logger.log_file", "browserpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.endpoint", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.protocol_debug", false)

	// -- Timeouts --
	v.SetDefault("timeouts.dial", "10s")
	v.SetDefault("timeouts.call", "30s")
	v.SetDefault("timeouts.navigation", "30s")
	v.SetDefault("timeouts.stability", "5s")

	// -- Engine --
	v.SetDefault("engine.max_steps", 50)
	v.SetDefault("engine.history_window", 10)
	v.SetDefault("engine.steps_per_second", 0)
	v.SetDefault("engine.max_extract_chars", 20000)
	v.SetDefault("engine.max_elements", 500)

	// -- Database --
	v.SetDefault("database.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for values that should not live in files.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")
	_ = v.BindEnv("browser.endpoint", EnvPrefix+"_BROWSER_ENDPOINT")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.TimeoutsCfg.Validate(); err != nil {
		return fmt.Errorf("timeouts configuration invalid: %w", err)
	}
	if c.EngineCfg.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be a positive integer")
	}
	if c.EngineCfg.HistoryWindow < 0 {
		return fmt.Errorf("engine.history_window must not be negative")
	}
	if c.EngineCfg.StepsPerSecond < 0 {
		return fmt.Errorf("engine.steps_per_second must not be negative")
	}
	if c.EngineCfg.MaxExtractChars <= 0 {
		return fmt.Errorf("engine.max_extract_chars must be a positive integer")
	}
	if c.DatabaseCfg.Enabled && c.DatabaseCfg.URL == "" {
		return fmt.Errorf("database.url is required when database.enabled is true")
	}
	return nil
}

// Validate checks the endpoint scheme and viewport.
func (b BrowserConfig) Validate() error {
	if b.Endpoint != "" {
		u, err := url.Parse(b.Endpoint)
		if err != nil {
			return fmt.Errorf("browser.endpoint is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("browser.endpoint scheme must be ws, wss, http or https, got %q", u.Scheme)
		}
	}
	if b.Viewport.Width < 0 || b.Viewport.Height < 0 {
		return fmt.Errorf("browser.viewport dimensions must not be negative")
	}
	if (b.Viewport.Width == 0) != (b.Viewport.Height == 0) {
		return fmt.Errorf("browser.viewport width and height must be set together")
	}
	return nil
}

// Validate requires every timeout to be positive.
func (t TimeoutsConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"dial":       t.Dial,
		"call":       t.Call,
		"navigation": t.Navigation,
		"stability":  t.Stability,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	return nil
}
