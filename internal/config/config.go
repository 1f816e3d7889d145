// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Backend names accepted by browser.backend.
const (
	BackendEmbedded = "embedded"
	BackendRemote   = "remote"
)

// Dialog mismatch policies accepted by wait.dialog_mismatch.
const (
	DialogMismatchKeepWaiting = "keep-waiting"
	DialogMismatchFail        = "fail"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Wait    WaitConfig    `mapstructure:"wait" yaml:"wait"`
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
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

// BrowserConfig selects and tunes the automation backend.
type BrowserConfig struct {
	// Backend is either "embedded" (in-process goja shell) or "remote" (Chrome over CDP).
	Backend     string         `mapstructure:"backend" yaml:"backend"`
	Headless    bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath    string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	DevTools    bool           `mapstructure:"devtools" yaml:"devtools"`
	Args        []string       `mapstructure:"args" yaml:"args"`
	Viewport    ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	Persona     PersonaConfig  `mapstructure:"persona" yaml:"persona"`
	// MaxFrameDepth bounds iframe loading in the embedded backend.
	MaxFrameDepth int `mapstructure:"max_frame_depth" yaml:"max_frame_depth"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// PersonaConfig describes the identity presented to pages.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
}

// NetworkConfig tunes the network behavior of the application.
type NetworkConfig struct {
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	IgnoreTLSErrors   bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Proxy             ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// WaitConfig controls the wait coordinator.
type WaitConfig struct {
	// Timeout is the budget for a single wait.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// StepTimeout is the budget for a whole scenario step (a wait plus its action).
	StepTimeout    time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DialogMismatch string        `mapstructure:"dialog_mismatch" yaml:"dialog_mismatch"`
}

// PathsConfig holds filesystem locations used by downloads and screenshots.
type PathsConfig struct {
	DownloadDir    string `mapstructure:"download_dir" yaml:"download_dir"`
	ScreenshotsDir string `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
	AutoScreenshot bool   `mapstructure:"auto_screenshot" yaml:"auto_screenshot"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
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
	v.SetDefault("logger.service_name", "pagewalker")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.backend", BackendEmbedded)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.devtools", false)
	v.SetDefault("browser.viewport.width", 1024)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.max_frame_depth", 4)
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) pagewalker/1.0 Safari/537.36")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.locale", "en-US")
	v.SetDefault("browser.persona.timezone", "UTC")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.navigation_timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.proxy.enabled", false)

	// -- Wait --
	v.SetDefault("wait.timeout", "5s")
	v.SetDefault("wait.step_timeout", "10s")
	v.SetDefault("wait.poll_interval", "100ms")
	v.SetDefault("wait.dialog_mismatch", DialogMismatchKeepWaiting)

	// -- Paths --
	v.SetDefault("paths.download_dir", "downloads")
	v.SetDefault("paths.screenshots_dir", "screenshots")
	v.SetDefault("paths.auto_screenshot", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Keys without defaults are invisible to AutomaticEnv, so bind them explicitly.
	_ = v.BindEnv("browser.exec_path", "PAGEWALKER_BROWSER_EXEC_PATH")
	_ = v.BindEnv("browser.user_data_dir", "PAGEWALKER_BROWSER_USER_DATA_DIR")
	_ = v.BindEnv("network.proxy.address", "PAGEWALKER_NETWORK_PROXY_ADDRESS")

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

// expandPaths resolves a leading "~" in every filesystem setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Paths.DownloadDir, &c.Paths.ScreenshotsDir, &c.Browser.UserDataDir, &c.Browser.ExecPath, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case BackendEmbedded, BackendRemote:
	default:
		return fmt.Errorf("browser.backend must be %q or %q, got %q", BackendEmbedded, BackendRemote, c.Browser.Backend)
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport width and height must be positive")
	}
	if err := c.Wait.Validate(); err != nil {
		return fmt.Errorf("wait configuration invalid: %w", err)
	}
	if c.Network.Proxy.Enabled && c.Network.Proxy.Address == "" {
		return fmt.Errorf("network.proxy.address is required when the proxy is enabled")
	}
	return nil
}

// Validate checks the WaitConfig settings.
func (w *WaitConfig) Validate() error {
	if w.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if w.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if w.StepTimeout < w.Timeout {
		return fmt.Errorf("step_timeout (%s) must not be shorter than timeout (%s)", w.StepTimeout, w.Timeout)
	}
	switch w.DialogMismatch {
	case DialogMismatchKeepWaiting, DialogMismatchFail:
	default:
		return fmt.Errorf("dialog_mismatch must be %q or %q", DialogMismatchKeepWaiting, DialogMismatchFail)
	}
	return nil
}
