// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is built once at
// process start by Load and handed to constructors explicitly; nothing in the
// repository reads configuration from package-level state.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Mailbox      MailboxConfig      `mapstructure:"mailbox" yaml:"mailbox"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Network      NetworkConfig      `mapstructure:"network" yaml:"network"`
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Funnel       FunnelConfig       `mapstructure:"funnel" yaml:"funnel"`
	Profile      ProfileConfig      `mapstructure:"profile" yaml:"profile"`
	Credential   CredentialConfig   `mapstructure:"credential" yaml:"credential"`
	Output       OutputConfig       `mapstructure:"output" yaml:"output"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`

	// Proxy is derived from Network.ProxyURL during Load.
	Proxy ProxySettings `mapstructure:"-" yaml:"-"`
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

// MailboxConfig configures the disposable mailbox provider client.
type MailboxConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MessageLimit      int           `mapstructure:"message_limit" yaml:"message_limit"`
	// MaxRetries bounds extra tries after a transport error or gateway 5xx.
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// BrowserConfig holds settings for the browser instances.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	VisualDebug     bool           `mapstructure:"visual_debug" yaml:"visual_debug"`
	ScreenshotDir   string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	Persona         PersonaConfig  `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig is the browser identity presented to sites. Empty fields
// keep Chrome's own values.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// NetworkConfig tunes outbound networking shared by the mailbox client and the browser.
type NetworkConfig struct {
	ProxyURL        string `mapstructure:"proxy_url" yaml:"proxy_url"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// RegistrationConfig controls the attempt loop.
type RegistrationConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Cooldown     time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	PhaseTimeout time.Duration `mapstructure:"phase_timeout" yaml:"phase_timeout"`
}

// VerificationConfig controls how the verification email is recognised and polled.
type VerificationConfig struct {
	SenderContains string        `mapstructure:"sender_contains" yaml:"sender_contains"`
	LinkPattern    string        `mapstructure:"link_pattern" yaml:"link_pattern"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPolls       int           `mapstructure:"max_polls" yaml:"max_polls"`
}

// FunnelConfig describes the target site's signup funnel. Selectors are CSS
// unless prefixed with "xpath=".
type FunnelConfig struct {
	SignupURL string `mapstructure:"signup_url" yaml:"signup_url"`

	SignupEmailSelector    string `mapstructure:"signup_email_selector" yaml:"signup_email_selector"`
	SignupPasswordSelector string `mapstructure:"signup_password_selector" yaml:"signup_password_selector"`
	SignupSubmitSelector   string `mapstructure:"signup_submit_selector" yaml:"signup_submit_selector"`

	LoginEmailSelector    string `mapstructure:"login_email_selector" yaml:"login_email_selector"`
	LoginPasswordSelector string `mapstructure:"login_password_selector" yaml:"login_password_selector"`
	LoginSubmitSelector   string `mapstructure:"login_submit_selector" yaml:"login_submit_selector"`

	ProfileNameSelector     string `mapstructure:"profile_name_selector" yaml:"profile_name_selector"`
	ProfileOrgSelector      string `mapstructure:"profile_org_selector" yaml:"profile_org_selector"`
	TermsCheckboxSelector   string `mapstructure:"terms_checkbox_selector" yaml:"terms_checkbox_selector"`
	ProfileContinueSelector string `mapstructure:"profile_continue_selector" yaml:"profile_continue_selector"`

	OrganizationContinueSelector string `mapstructure:"organization_continue_selector" yaml:"organization_continue_selector"`

	ProductOptionSelector   string `mapstructure:"product_option_selector" yaml:"product_option_selector"`
	ProductContinueSelector string `mapstructure:"product_continue_selector" yaml:"product_continue_selector"`

	ElementTimeout     time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	NetworkIdleQuiet   time.Duration `mapstructure:"network_idle_quiet" yaml:"network_idle_quiet"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout" yaml:"network_idle_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// ProfileConfig holds the values typed into the onboarding profile form.
type ProfileConfig struct {
	FullName     string `mapstructure:"full_name" yaml:"full_name"`
	Organization string `mapstructure:"organization" yaml:"organization"`
}

// CredentialConfig describes where the generated token is rendered.
type CredentialConfig struct {
	SettingsURL string        `mapstructure:"settings_url" yaml:"settings_url"`
	Candidates  []string      `mapstructure:"candidates" yaml:"candidates"`
	Pattern     string        `mapstructure:"pattern" yaml:"pattern"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
}

// OutputConfig names the append-only result logs.
type OutputConfig struct {
	AccountsFile string `mapstructure:"accounts_file" yaml:"accounts_file"`
	KeysFile     string `mapstructure:"keys_file" yaml:"keys_file"`
}

// DatabaseConfig holds the optional Postgres mirror connection string.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ProxySettings is the parsed form of NetworkConfig.ProxyURL.
type ProxySettings struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Enabled reports whether a proxy was configured.
func (p ProxySettings) Enabled() bool { return p.Host != "" }

// HasCredentials reports whether the proxy requires authentication.
func (p ProxySettings) HasCredentials() bool { return p.Username != "" }

// Server renders scheme://host:port without credentials, the form Chrome accepts.
func (p ProxySettings) Server() string {
	if !p.Enabled() {
		return ""
	}
	return fmt.Sprintf("%s://%s", p.Scheme, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// URL renders the full proxy URL including credentials.
func (p ProxySettings) URL() *url.URL {
	if !p.Enabled() {
		return nil
	}
	u := &url.URL{Scheme: p.Scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.HasCredentials() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

var defaultProxyPorts = map[string]int{
	"http":   80,
	"https":  443,
	"socks5": 1080,
}

// ParseProxyURL splits a single proxy URL string into its components.
// An empty string yields zero settings and no error.
func ParseProxyURL(raw string) (ProxySettings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProxySettings{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ProxySettings{}, fmt.Errorf("invalid proxy url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	defPort, ok := defaultProxyPorts[scheme]
	if !ok {
		return ProxySettings{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return ProxySettings{}, fmt.Errorf("proxy url %q has no host", raw)
	}

	ps := ProxySettings{Scheme: scheme, Host: u.Hostname(), Port: defPort}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ProxySettings{}, fmt.Errorf("invalid proxy port %q", p)
		}
		ps.Port = port
	}
	if u.User != nil {
		ps.Username = u.User.Username()
		ps.Password, _ = u.User.Password()
	}
	return ps, nil
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "registrar")
	v.SetDefault("logger.log_file", "registrar.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Mailbox --
	v.SetDefault("mailbox.provider", "mailtm")
	v.SetDefault("mailbox.timeout", "30s")
	v.SetDefault("mailbox.rate_limit_cooldown", "60s")
	v.SetDefault("mailbox.requests_per_second", 2.0)
	v.SetDefault("mailbox.message_limit", 20)
	v.SetDefault("mailbox.max_retries", 3)
	v.SetDefault("mailbox.retry_backoff", "1s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.visual_debug", false)
	v.SetDefault("browser.screenshot_dir", "screenshots")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.launch_timeout", "60s")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.locale", "en-US")

	// -- Registration --
	v.SetDefault("registration.max_attempts", 3)
	v.SetDefault("registration.cooldown", "10s")
	v.SetDefault("registration.phase_timeout", "6m")

	// -- Verification --
	v.SetDefault("verification.poll_interval", "10s")
	v.SetDefault("verification.max_polls", 30)

	// -- Funnel --
	v.SetDefault("funnel.signup_email_selector", `input[type="email"]`)
	v.SetDefault("funnel.signup_password_selector", `input[type="password"]`)
	v.SetDefault("funnel.signup_submit_selector", `button[type="submit"]`)
	v.SetDefault("funnel.login_email_selector", `input[type="email"]`)
	v.SetDefault("funnel.login_password_selector", `input[type="password"]`)
	v.SetDefault("funnel.login_submit_selector", `button[type="submit"]`)
	v.SetDefault("funnel.terms_checkbox_selector", `button[role="checkbox"]`)
	v.SetDefault("funnel.profile_continue_selector", `xpath=//button[contains(., "Continue")]`)
	v.SetDefault("funnel.organization_continue_selector", `xpath=//button[contains(., "Continue")]`)
	v.SetDefault("funnel.product_continue_selector", `xpath=//button[contains(., "Continue")]`)
	v.SetDefault("funnel.element_timeout", "30s")
	v.SetDefault("funnel.network_idle_quiet", "500ms")
	v.SetDefault("funnel.network_idle_timeout", "30s")
	v.SetDefault("funnel.settle_delay", "1s")

	// -- Credential --
	v.SetDefault("credential.pattern", `[A-Za-z0-9_-]{40,}`)
	v.SetDefault("credential.wait_timeout", "10s")

	// -- Output --
	v.SetDefault("output.accounts_file", "auth.txt")
	v.SetDefault("output.keys_file", "key.txt")
}

// NewDefaultConfig creates a new configuration struct populated with default values.
// The result is not validated; site-specific fields are empty.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load builds the immutable configuration from a viper instance that already
// has its file, env and flag sources attached, and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Resolve(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve is Load without validation. Commands that only read the output
// files use it so they work without a full site configuration.
func Resolve(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Secrets are commonly provided through the environment only.
	_ = v.BindEnv("mailbox.api_key", "REGISTRAR_MAILBOX_API_KEY", "TEMPMAILHUB_API_KEY")
	_ = v.BindEnv("network.proxy_url", "REGISTRAR_NETWORK_PROXY_URL", "PROXY_URL")
	_ = v.BindEnv("database.url", "REGISTRAR_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize derives computed fields and expands paths.
func (c *Config) finalize() error {
	proxy, err := ParseProxyURL(c.Network.ProxyURL)
	if err != nil {
		return fmt.Errorf("network.proxy_url: %w", err)
	}
	c.Proxy = proxy

	for _, p := range []*string{&c.Output.AccountsFile, &c.Output.KeysFile, &c.Browser.ScreenshotDir, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not resolve path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error
	if c.Mailbox.BaseURL == "" {
		errs = append(errs, errors.New("mailbox.base_url is required"))
	}
	if c.Registration.MaxAttempts <= 0 {
		errs = append(errs, errors.New("registration.max_attempts must be a positive integer"))
	}
	if c.Registration.Cooldown < 0 {
		errs = append(errs, errors.New("registration.cooldown must not be negative"))
	}
	if c.Registration.PhaseTimeout <= 0 {
		errs = append(errs, errors.New("registration.phase_timeout must be a positive duration"))
	}
	if c.Verification.SenderContains == "" {
		errs = append(errs, errors.New("verification.sender_contains is required"))
	}
	if c.Verification.MaxPolls <= 0 {
		errs = append(errs, errors.New("verification.max_polls must be a positive integer"))
	}
	if c.Verification.PollInterval < 0 {
		errs = append(errs, errors.New("verification.poll_interval must not be negative"))
	}
	if err := validPattern("verification.link_pattern", c.Verification.LinkPattern, true); err != nil {
		errs = append(errs, err)
	}
	if err := validPattern("credential.pattern", c.Credential.Pattern, true); err != nil {
		errs = append(errs, err)
	}
	if err := validURL("funnel.signup_url", c.Funnel.SignupURL); err != nil {
		errs = append(errs, err)
	}
	if err := validURL("credential.settings_url", c.Credential.SettingsURL); err != nil {
		errs = append(errs, err)
	}
	if len(c.Credential.Candidates) == 0 {
		errs = append(errs, errors.New("credential.candidates must list at least one selector"))
	}
	if c.Funnel.SignupEmailSelector == "" || c.Funnel.SignupPasswordSelector == "" || c.Funnel.SignupSubmitSelector == "" {
		errs = append(errs, errors.New("funnel signup selectors are required"))
	}
	if c.Output.AccountsFile == "" {
		errs = append(errs, errors.New("output.accounts_file is required"))
	}
	return errors.Join(errs...)
}

// PostVerificationBudget estimates the longest the post-verification phase
// can take when every optional step waits out its element timeout.
func (c *Config) PostVerificationBudget() time.Duration {
	f := c.Funnel
	optional := 0
	for _, sel := range []string{
		f.LoginEmailSelector, f.LoginPasswordSelector, f.LoginSubmitSelector,
		f.ProfileNameSelector, f.ProfileOrgSelector, f.TermsCheckboxSelector, f.ProfileContinueSelector,
		f.OrganizationContinueSelector,
		f.ProductOptionSelector, f.ProductContinueSelector,
	} {
		if sel != "" {
			optional++
		}
	}
	// Two extra element waits cover opening the link and the settings page.
	return time.Duration(optional+2)*f.ElementTimeout +
		f.NetworkIdleTimeout + f.SettleDelay +
		c.Credential.WaitTimeout
}

// Warnings lists settings that are valid but likely to cause failed attempts.
func (c *Config) Warnings() []string {
	var warns []string
	if budget := c.PostVerificationBudget(); c.Registration.PhaseTimeout > 0 && c.Registration.PhaseTimeout < budget {
		warns = append(warns, fmt.Sprintf(
			"registration.phase_timeout (%s) is shorter than the worst-case post-verification phase (%s); optional steps or credential extraction may be cut off",
			c.Registration.PhaseTimeout, budget))
	}
	return warns
}

func validPattern(key, pattern string, required bool) error {
	if pattern == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%s is not a valid regular expression: %w", key, err)
	}
	return nil
}

func validURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) url", key)
	}
	return nil
}
