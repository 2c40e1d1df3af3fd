package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"airdrop-automation/challenge"
	"airdrop-automation/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. AIRDROP_LOGGING_LEVEL.
const EnvPrefix = "AIRDROP"

// Config represents the application configuration
type Config struct {
	Browser   BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Stealth   StealthConfig    `yaml:"stealth" mapstructure:"stealth"`
	Challenge ChallengeConfig  `yaml:"challenge" mapstructure:"challenge"`
	Limits    ratelimit.Config `yaml:"limits" mapstructure:"limits"`
	Storage   StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	TwoFA     TwoFAConfig      `yaml:"twofa" mapstructure:"twofa"`
	Wallet    WalletConfig     `yaml:"wallet" mapstructure:"wallet"`
}

// BrowserConfig contains browser launch and wait settings
type BrowserConfig struct {
	Headless        bool     `yaml:"headless" mapstructure:"headless"`
	ExecutablePath  string   `yaml:"executable_path" mapstructure:"executable_path"`
	Language        string   `yaml:"language" mapstructure:"language"`
	AcceptLanguages string   `yaml:"accept_languages" mapstructure:"accept_languages"`
	ExtensionsDir   string   `yaml:"extensions_dir" mapstructure:"extensions_dir"`
	WalletExtension string   `yaml:"wallet_extension" mapstructure:"wallet_extension"`
	ExtraArgs       []string `yaml:"extra_args,omitempty" mapstructure:"extra_args"`
	DisableProxy    bool     `yaml:"disable_proxy" mapstructure:"disable_proxy"`

	LaunchTimeout time.Duration `yaml:"launch_timeout" mapstructure:"launch_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ElementWait   time.Duration `yaml:"element_wait" mapstructure:"element_wait"`
	TabTimeout    time.Duration `yaml:"tab_timeout" mapstructure:"tab_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout" mapstructure:"action_timeout"`
	// ActionRetries bounds how often a command retries after a new-tab
	// timeout or an unresolved challenge.
	ActionRetries int `yaml:"action_retries" mapstructure:"action_retries"`
}

// StealthConfig contains anti-bot detection settings
type StealthConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	MinDelay time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// GeoIPPath points at a GeoLite2 City database used to match the
	// fingerprint timezone to the proxy. Empty keeps the default zone.
	GeoIPPath string `yaml:"geoip_path" mapstructure:"geoip_path"`
}

// ChallengeConfig tunes the interstitial challenge check
type ChallengeConfig struct {
	Title      string        `yaml:"title" mapstructure:"title"`
	Attempts   int           `yaml:"attempts" mapstructure:"attempts"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	FrameIndex int           `yaml:"frame_index" mapstructure:"frame_index"`
}

// Detector returns the detector configuration.
func (c ChallengeConfig) Detector() challenge.Config {
	return challenge.Config{
		Title:      c.Title,
		Attempts:   c.Attempts,
		Interval:   c.Interval,
		FrameIndex: c.FrameIndex,
	}
}

// StorageConfig contains database settings
type StorageConfig struct {
	Type string `yaml:"type" mapstructure:"type"`
	Path string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	Output     string `yaml:"output" mapstructure:"output"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
}

// TwoFAConfig points at the one-time code service
type TwoFAConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// WalletConfig contains wallet extension settings
type WalletConfig struct {
	Password string `yaml:"password" mapstructure:"password"`
	File     string `yaml:"file" mapstructure:"file"`
}

// LoadConfig loads configuration from file and environment variables. A
// missing file is created with the defaults.
func LoadConfig(configPath string) (*Config, error) {
	configPath, err := homedir.Expand(configPath)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Enable environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, create default config
		if err := createDefaultConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := expandPaths(&config); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cd := challenge.DefaultConfig()
	return &Config{
		Browser: BrowserConfig{
			Language:        "en",
			AcceptLanguages: "en-US,en",
			ExtensionsDir:   "extensions",
			WalletExtension: filepath.Join("..", "metamask"),
			LaunchTimeout:   30 * time.Second,
			PollInterval:    500 * time.Millisecond,
			ElementWait:     5 * time.Second,
			TabTimeout:      10 * time.Second,
			ActionTimeout:   15 * time.Second,
			ActionRetries:   2,
		},
		Stealth: StealthConfig{
			Enabled:  true,
			MinDelay: 800 * time.Millisecond,
			MaxDelay: 2500 * time.Millisecond,
		},
		Challenge: ChallengeConfig{
			Title:      cd.Title,
			Attempts:   cd.Attempts,
			Interval:   cd.Interval,
			FrameIndex: cd.FrameIndex,
		},
		Limits: ratelimit.DefaultConfig(),
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join("data", "airdrop.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		TwoFA: TwoFAConfig{
			URL:     "https://2fa.zone/app/2fa.php",
			Timeout: 10 * time.Second,
		},
		Wallet: WalletConfig{
			File: filepath.Join("wallet", "auto_wallet.json"),
		},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.language", d.Browser.Language)
	v.SetDefault("browser.accept_languages", d.Browser.AcceptLanguages)
	v.SetDefault("browser.extensions_dir", d.Browser.ExtensionsDir)
	v.SetDefault("browser.wallet_extension", d.Browser.WalletExtension)
	v.SetDefault("browser.disable_proxy", false)
	v.SetDefault("browser.launch_timeout", d.Browser.LaunchTimeout)
	v.SetDefault("browser.poll_interval", d.Browser.PollInterval)
	v.SetDefault("browser.element_wait", d.Browser.ElementWait)
	v.SetDefault("browser.tab_timeout", d.Browser.TabTimeout)
	v.SetDefault("browser.action_timeout", d.Browser.ActionTimeout)
	v.SetDefault("browser.action_retries", d.Browser.ActionRetries)

	v.SetDefault("stealth.enabled", d.Stealth.Enabled)
	v.SetDefault("stealth.min_delay", d.Stealth.MinDelay)
	v.SetDefault("stealth.max_delay", d.Stealth.MaxDelay)
	v.SetDefault("stealth.geoip_path", "")

	v.SetDefault("challenge.title", d.Challenge.Title)
	v.SetDefault("challenge.attempts", d.Challenge.Attempts)
	v.SetDefault("challenge.interval", d.Challenge.Interval)
	v.SetDefault("challenge.frame_index", d.Challenge.FrameIndex)

	v.SetDefault("limits.min_delay", d.Limits.MinDelay)
	v.SetDefault("limits.burst_limit", d.Limits.BurstLimit)
	v.SetDefault("limits.burst_window", d.Limits.BurstWindow)
	v.SetDefault("limits.randomize_delay", d.Limits.RandomizeDelay)
	v.SetDefault("limits.jitter_percent", d.Limits.JitterPercent)
	for action, l := range d.Limits.Actions {
		key := "limits.actions." + string(action)
		v.SetDefault(key+".delay", l.Delay)
		v.SetDefault(key+".hourly", l.Hourly)
		v.SetDefault(key+".daily", l.Daily)
	}

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)

	v.SetDefault("twofa.url", d.TwoFA.URL)
	v.SetDefault("twofa.timeout", d.TwoFA.Timeout)

	v.SetDefault("wallet.password", "")
	v.SetDefault("wallet.file", d.Wallet.File)
}

// createDefaultConfig creates a default configuration file
func createDefaultConfig(configPath string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0o644)
}

// expandPaths resolves a leading ~ in every path setting.
func expandPaths(config *Config) error {
	for _, p := range []*string{
		&config.Browser.ExecutablePath,
		&config.Browser.ExtensionsDir,
		&config.Browser.WalletExtension,
		&config.Stealth.GeoIPPath,
		&config.Storage.Path,
		&config.Wallet.File,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	if out := config.Logging.Output; out != "stdout" && out != "stderr" {
		expanded, err := homedir.Expand(out)
		if err != nil {
			return fmt.Errorf("expand %q: %w", out, err)
		}
		config.Logging.Output = expanded
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type %q", config.Storage.Type)
	}
	if config.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if config.Stealth.MinDelay < 0 || config.Stealth.MaxDelay < config.Stealth.MinDelay {
		return fmt.Errorf("stealth delays must satisfy 0 <= min_delay <= max_delay")
	}
	if config.Browser.LaunchTimeout <= 0 {
		return fmt.Errorf("browser launch timeout must be positive")
	}
	if config.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser action timeout must be positive")
	}
	if config.Browser.ActionRetries < 0 {
		return fmt.Errorf("browser action retries must not be negative")
	}
	if config.Challenge.Attempts <= 0 {
		return fmt.Errorf("challenge attempts must be positive")
	}
	for action, l := range config.Limits.Actions {
		if l.Hourly < 0 || l.Daily < 0 {
			return fmt.Errorf("limits for %s must not be negative", action)
		}
		if l.Daily > 0 && l.Hourly > l.Daily {
			return fmt.Errorf("hourly limit for %s exceeds its daily limit", action)
		}
	}
	switch config.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text, got %q", config.Logging.Format)
	}
	return nil
}
