package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"portal-capture/auth"
	"portal-capture/browser"
	"portal-capture/ratelimit"
	"portal-capture/runner"
	"portal-capture/stealth"
)

// EnvPrefix prefixes every environment override, e.g. PORTAL_BROWSER_HEADLESS
const EnvPrefix = "PORTAL"

// Config represents the application configuration
type Config struct {
	Portal      PortalConfig      `mapstructure:"portal" yaml:"portal"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Stealth     StealthConfig     `mapstructure:"stealth" yaml:"stealth"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Guard       ratelimit.Config  `mapstructure:"guard" yaml:"guard"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// PortalConfig contains the login target
type PortalConfig struct {
	LoginURL          string `mapstructure:"login_url" yaml:"login_url"`
	UsernameSelector  string `mapstructure:"username_selector" yaml:"username_selector"`
	PasswordSelector  string `mapstructure:"password_selector" yaml:"password_selector"`
	SubmitSelector    string `mapstructure:"submit_selector" yaml:"submit_selector"`
	DashboardSelector string `mapstructure:"dashboard_selector" yaml:"dashboard_selector"`
}

// CredentialsConfig names where the secret comes from. The secret itself is
// never part of the configuration.
type CredentialsConfig struct {
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"`
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"`
	DotEnvFile  string `mapstructure:"dotenv_file" yaml:"dotenv_file"`
}

// BrowserConfig contains browser process settings
type BrowserConfig struct {
	ExecutablePath string   `mapstructure:"executable_path" yaml:"executable_path"`
	Headless       bool     `mapstructure:"headless" yaml:"headless"`
	ProfileDir     string   `mapstructure:"profile_dir" yaml:"profile_dir"`
	ExtraFlags     []string `mapstructure:"extra_flags" yaml:"extra_flags"`
}

// StealthConfig contains anti-bot detection settings
type StealthConfig struct {
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled"`
	Evasion     string            `mapstructure:"evasion" yaml:"evasion"`
	Seed        int64             `mapstructure:"seed" yaml:"seed"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint" yaml:"fingerprint"`
	Jitter      JitterConfig      `mapstructure:"jitter" yaml:"jitter"`
}

// FingerprintConfig lists the identity candidates
type FingerprintConfig struct {
	UserAgents []string         `mapstructure:"user_agents" yaml:"user_agents"`
	Viewports  []ViewportConfig `mapstructure:"viewports" yaml:"viewports"`
	Locales    []string         `mapstructure:"locales" yaml:"locales"`
	Timezones  []string         `mapstructure:"timezones" yaml:"timezones"`
}

// ViewportConfig is one candidate window size
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// RangeConfig bounds one jittered pause
type RangeConfig struct {
	Min time.Duration `mapstructure:"min" yaml:"min"`
	Max time.Duration `mapstructure:"max" yaml:"max"`
}

// JitterConfig holds the pauses between login actions
type JitterConfig struct {
	AfterNavigate RangeConfig `mapstructure:"after_navigate" yaml:"after_navigate"`
	AfterUsername RangeConfig `mapstructure:"after_username" yaml:"after_username"`
	AfterPassword RangeConfig `mapstructure:"after_password" yaml:"after_password"`
	AfterHover    RangeConfig `mapstructure:"after_hover" yaml:"after_hover"`
}

// TimeoutsConfig contains per-step ceilings. A zero session timeout means
// the sum of the others.
type TimeoutsConfig struct {
	Launch     time.Duration `mapstructure:"launch" yaml:"launch"`
	Navigation time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Element    time.Duration `mapstructure:"element" yaml:"element"`
	Dashboard  time.Duration `mapstructure:"dashboard" yaml:"dashboard"`
	Capture    time.Duration `mapstructure:"capture" yaml:"capture"`
	Session    time.Duration `mapstructure:"session" yaml:"session"`
}

// CaptureConfig contains evidence settings
type CaptureConfig struct {
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
}

// StorageConfig contains run history settings. An empty path disables history.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// LoadConfig loads configuration from file and environment variables. A
// missing file is created with the defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			if err := WriteDefault(configPath, false); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		}

		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration
func Default() *Config {
	var config Config
	if err := newViper().Unmarshal(&config); err != nil {
		// The default table is static; failing to decode it is a programming error.
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &config
}

// WriteDefault writes the built-in configuration as YAML. An existing file
// is only replaced when overwrite is set.
func WriteDefault(configPath string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists", configPath)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	loginDefaults := auth.DefaultConfig()
	v.SetDefault("portal.login_url", loginDefaults.LoginURL)
	v.SetDefault("portal.username_selector", loginDefaults.UsernameSelector)
	v.SetDefault("portal.password_selector", loginDefaults.PasswordSelector)
	v.SetDefault("portal.submit_selector", loginDefaults.SubmitSelector)
	v.SetDefault("portal.dashboard_selector", loginDefaults.DashboardSelector)

	v.SetDefault("credentials.username_env", "USPS_USERNAME")
	v.SetDefault("credentials.password_env", "USPS_PASSWORD")
	v.SetDefault("credentials.dotenv_file", ".env")

	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.extra_flags", []string{})

	candidates := stealth.DefaultCandidates()
	viewports := make([]map[string]interface{}, 0, len(candidates.Viewports))
	for _, vp := range candidates.Viewports {
		viewports = append(viewports, map[string]interface{}{"width": vp.Width, "height": vp.Height})
	}
	v.SetDefault("stealth.enabled", true)
	v.SetDefault("stealth.evasion", stealth.NavigatorEvasion{}.Name())
	v.SetDefault("stealth.seed", 0)
	v.SetDefault("stealth.fingerprint.user_agents", candidates.UserAgents)
	v.SetDefault("stealth.fingerprint.viewports", viewports)
	v.SetDefault("stealth.fingerprint.locales", candidates.Locales)
	v.SetDefault("stealth.fingerprint.timezones", candidates.Timezones)

	jitter := stealth.DefaultJitter()
	for name, r := range map[string]stealth.Range{
		"after_navigate": jitter.AfterNavigate,
		"after_username": jitter.AfterUsername,
		"after_password": jitter.AfterPassword,
		"after_hover":    jitter.AfterHover,
	} {
		v.SetDefault("stealth.jitter."+name+".min", r.Min.String())
		v.SetDefault("stealth.jitter."+name+".max", r.Max.String())
	}

	v.SetDefault("timeouts.launch", browser.DefaultLaunchTimeout.String())
	v.SetDefault("timeouts.navigation", loginDefaults.NavigationTimeout.String())
	v.SetDefault("timeouts.element", loginDefaults.ElementTimeout.String())
	v.SetDefault("timeouts.dashboard", loginDefaults.DashboardTimeout.String())
	v.SetDefault("timeouts.capture", runner.DefaultCaptureTimeout.String())
	v.SetDefault("timeouts.session", "0s")

	v.SetDefault("capture.output_path", "./screenshots/usps_dashboard.png")

	guard := ratelimit.DefaultConfig()
	v.SetDefault("guard.enabled", guard.Enabled)
	v.SetDefault("guard.min_interval", guard.MinInterval.String())
	v.SetDefault("guard.daily_limit", guard.DailyLimit)
	v.SetDefault("guard.jitter_percent", guard.JitterPercent)

	v.SetDefault("storage.path", "./data/portal-capture.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	u, err := url.Parse(config.Portal.LoginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("portal login_url %q is not an absolute URL", config.Portal.LoginURL)
	}
	for name, sel := range map[string]string{
		"username_selector":  config.Portal.UsernameSelector,
		"password_selector":  config.Portal.PasswordSelector,
		"submit_selector":    config.Portal.SubmitSelector,
		"dashboard_selector": config.Portal.DashboardSelector,
	} {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("portal %s is required", name)
		}
	}

	if config.Credentials.UsernameEnv == "" || config.Credentials.PasswordEnv == "" {
		return fmt.Errorf("credentials username_env and password_env are required")
	}

	fp := config.Stealth.Fingerprint
	if len(fp.UserAgents) == 0 || len(fp.Viewports) == 0 || len(fp.Locales) == 0 || len(fp.Timezones) == 0 {
		return fmt.Errorf("every fingerprint candidate list needs at least one entry")
	}
	for _, vp := range fp.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			return fmt.Errorf("viewport %dx%d must be positive", vp.Width, vp.Height)
		}
	}
	if _, err := stealth.EvasionByName(config.Stealth.Evasion); err != nil {
		return err
	}
	if err := config.JitterConfig().Validate(); err != nil {
		return fmt.Errorf("stealth jitter: %w", err)
	}

	t := config.Timeouts
	for name, d := range map[string]time.Duration{
		"launch":     t.Launch,
		"navigation": t.Navigation,
		"element":    t.Element,
		"dashboard":  t.Dashboard,
		"capture":    t.Capture,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts %s must be positive", name)
		}
	}
	if t.Session < 0 {
		return fmt.Errorf("timeouts session must not be negative")
	}

	if config.Capture.OutputPath == "" {
		return fmt.Errorf("capture output_path is required")
	}

	if config.Guard.MinInterval < 0 || config.Guard.DailyLimit < 0 || config.Guard.JitterPercent < 0 {
		return fmt.Errorf("guard settings must not be negative")
	}

	switch config.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text, got %q", config.Logging.Format)
	}
	return nil
}

// Candidates converts the fingerprint lists
func (c *Config) Candidates() stealth.Candidates {
	fp := c.Stealth.Fingerprint
	viewports := make([]stealth.Viewport, 0, len(fp.Viewports))
	for _, vp := range fp.Viewports {
		viewports = append(viewports, stealth.Viewport{Width: vp.Width, Height: vp.Height})
	}
	return stealth.Candidates{
		UserAgents: fp.UserAgents,
		Viewports:  viewports,
		Locales:    fp.Locales,
		Timezones:  fp.Timezones,
	}
}

// JitterConfig converts the jitter bounds
func (c *Config) JitterConfig() stealth.JitterConfig {
	j := c.Stealth.Jitter
	return stealth.JitterConfig{
		AfterNavigate: stealth.Range(j.AfterNavigate),
		AfterUsername: stealth.Range(j.AfterUsername),
		AfterPassword: stealth.Range(j.AfterPassword),
		AfterHover:    stealth.Range(j.AfterHover),
	}
}

// AuthConfig builds the login state machine settings
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		LoginURL:          c.Portal.LoginURL,
		UsernameSelector:  c.Portal.UsernameSelector,
		PasswordSelector:  c.Portal.PasswordSelector,
		SubmitSelector:    c.Portal.SubmitSelector,
		DashboardSelector: c.Portal.DashboardSelector,
		NavigationTimeout: c.Timeouts.Navigation,
		ElementTimeout:    c.Timeouts.Element,
		DashboardTimeout:  c.Timeouts.Dashboard,
		Jitter:            c.JitterConfig(),
	}
}

// BrowserOptions builds the driver settings
func (c *Config) BrowserOptions() (browser.Options, error) {
	evasion, err := stealth.EvasionByName(c.Stealth.Evasion)
	if err != nil {
		return browser.Options{}, err
	}
	return browser.Options{
		ExecutablePath: c.Browser.ExecutablePath,
		Headless:       c.Browser.Headless,
		Stealth:        c.Stealth.Enabled,
		Evasion:        evasion,
		ExtraFlags:     c.Browser.ExtraFlags,
		LaunchTimeout:  c.Timeouts.Launch,
	}, nil
}

// RunnerConfig builds the session settings
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Candidates:     c.Candidates(),
		Stealth:        c.Stealth.Enabled,
		Auth:           c.AuthConfig(),
		OutputPath:     c.Capture.OutputPath,
		LaunchTimeout:  c.Timeouts.Launch,
		CaptureTimeout: c.Timeouts.Capture,
		SessionTimeout: c.Timeouts.Session,
		Seed:           c.Stealth.Seed,
	}
}
