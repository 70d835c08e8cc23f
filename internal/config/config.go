// Package config loads the pipeline configuration from a TOML or YAML file,
// with environment variable overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRedirectURI is where Pocket sends the operator after authorizing a request token.
	DefaultRedirectURI = "https://getpocket.com"

	// DefaultSleepBetweenArticles is the pause, in seconds, between two processed articles.
	DefaultSleepBetweenArticles = 10

	// DefaultProvider is the delivery backend used when none is configured.
	DefaultProvider = "smtp"
)

// defaultDockerPrefix runs both conversion tools from the converter image.
var defaultDockerPrefix = []string{"docker", "run", "--rm", "-i", "converter:latest"}

// ErrConfigParse is matched by every error returned from Load.
var ErrConfigParse = errors.New("config parse error")

// ParseError reports a configuration file that is missing, malformed or incomplete.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConfigParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrConfigParse
}

// Config holds the complete, validated configuration. It is built once by
// Load and never modified afterwards.
type Config struct {
	ConsumerKey          string
	RedirectURI          string
	SleepBetweenArticles float64
	SMTP                 SMTPConfig
	Conversion           ConversionConfig
	Delivery             DeliveryConfig
	Logging              LoggingConfig

	accounts map[string]AccountConfig
}

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Server    string `toml:"server" yaml:"server"`
	Port      int    `toml:"port" yaml:"port"`
	User      string `toml:"user" yaml:"user"`
	Password  string `toml:"password" yaml:"password"`
	EmailFrom string `toml:"email_from" yaml:"email_from"`
	// CAFile is an optional PEM bundle trusted in addition to the system roots.
	CAFile string `toml:"ca_file" yaml:"ca_file"`
}

// AccountConfig holds one Pocket account and the address its e-books go to.
type AccountConfig struct {
	DestinationEmail string `toml:"destination_email" yaml:"destination_email"`
	AccessToken      string `toml:"access_token" yaml:"access_token"`
}

// Account is an AccountConfig together with its username.
type Account struct {
	Username         string
	DestinationEmail string
	AccessToken      string
}

// ConversionConfig holds the external extractor and converter commands.
type ConversionConfig struct {
	Extractor      []string `toml:"extractor" yaml:"extractor"`
	Converter      []string `toml:"converter" yaml:"converter"`
	InputFormat    string   `toml:"input_format" yaml:"input_format"`
	OutputFormat   string   `toml:"output_format" yaml:"output_format"`
	TimeoutSeconds float64  `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the per-article conversion time limit, or zero for none.
func (c ConversionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// DeliveryConfig selects and configures the email delivery backend.
type DeliveryConfig struct {
	Provider string       `toml:"provider" yaml:"provider"`
	SES      SESConfig    `toml:"ses" yaml:"ses"`
	Graph    GraphConfig  `toml:"graph" yaml:"graph"`
	Stdout   StdoutConfig `toml:"stdout" yaml:"stdout"`
}

// StdoutConfig configures the dry-run provider.
type StdoutConfig struct {
	// KeepDir, when set, receives a copy of every attachment.
	KeepDir string `toml:"keep_dir" yaml:"keep_dir"`
}

// SESConfig holds AWS SES v2 settings. Credentials are optional and fall
// back to the default AWS credential chain.
type SESConfig struct {
	Region          string `toml:"region" yaml:"region"`
	AccessKeyID     string `toml:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph client-credentials settings.
type GraphConfig struct {
	TenantID     string `toml:"tenant_id" yaml:"tenant_id"`
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// fileConfig mirrors the file layout. Pointers distinguish absent keys from
// zero values.
type fileConfig struct {
	ConsumerKey          string                   `toml:"consumer_key" yaml:"consumer_key"`
	RedirectURI          string                   `toml:"redirect_uri" yaml:"redirect_uri"`
	SleepBetweenArticles *float64                 `toml:"sleep_between_articles" yaml:"sleep_between_articles"`
	DockerPrefix         []string                 `toml:"docker_prefix" yaml:"docker_prefix"`
	SMTP                 *SMTPConfig              `toml:"smtp" yaml:"smtp"`
	Accounts             map[string]AccountConfig `toml:"accounts" yaml:"accounts"`
	Conversion           ConversionConfig         `toml:"conversion" yaml:"conversion"`
	Delivery             DeliveryConfig           `toml:"delivery" yaml:"delivery"`
	Logging              LoggingConfig            `toml:"logging" yaml:"logging"`
}

// Load reads the configuration file at path, applies defaults and environment
// variable overrides, and validates the result. Files ending in .yaml or .yml
// are parsed as YAML, anything else as TOML. Every error is a *ParseError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		_, err = toml.Decode(string(data), &raw)
	}
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	if raw.SMTP == nil {
		return nil, &ParseError{Path: path, Err: errors.New("missing [smtp] table")}
	}

	cfg := raw.resolve()
	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return cfg, nil
}

// Accounts returns the configured accounts sorted by username. The slice is a
// copy; changing it does not affect the configuration.
func (c *Config) Accounts() []Account {
	accounts := make([]Account, 0, len(c.accounts))
	for username, acc := range c.accounts {
		accounts = append(accounts, Account{
			Username:         username,
			DestinationEmail: acc.DestinationEmail,
			AccessToken:      acc.AccessToken,
		})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts
}

// Account returns the account configured under username.
func (c *Config) Account(username string) (Account, bool) {
	acc, ok := c.accounts[username]
	if !ok {
		return Account{}, false
	}
	return Account{
		Username:         username,
		DestinationEmail: acc.DestinationEmail,
		AccessToken:      acc.AccessToken,
	}, true
}

// SleepDuration returns the pause between two processed articles.
func (c *Config) SleepDuration() time.Duration {
	return time.Duration(c.SleepBetweenArticles * float64(time.Second))
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Delivery.SES.Region != ""
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Delivery.Graph.TenantID != "" &&
		c.Delivery.Graph.ClientID != "" &&
		c.Delivery.Graph.ClientSecret != ""
}

// resolve turns the decoded file into a Config with defaults filled in.
func (f *fileConfig) resolve() *Config {
	cfg := &Config{
		ConsumerKey:          f.ConsumerKey,
		RedirectURI:          f.RedirectURI,
		SleepBetweenArticles: DefaultSleepBetweenArticles,
		SMTP:                 *f.SMTP,
		Conversion:           f.Conversion,
		Delivery:             f.Delivery,
		Logging:              f.Logging,
		accounts:             make(map[string]AccountConfig, len(f.Accounts)),
	}
	for username, acc := range f.Accounts {
		cfg.accounts[username] = acc
	}

	if f.SleepBetweenArticles != nil {
		cfg.SleepBetweenArticles = *f.SleepBetweenArticles
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}

	prefix := f.DockerPrefix
	if len(prefix) == 0 {
		prefix = defaultDockerPrefix
	}
	if cfg.Conversion.Extractor == nil {
		cfg.Conversion.Extractor = appendCopy(prefix, "extractor")
	}
	if cfg.Conversion.Converter == nil {
		cfg.Conversion.Converter = appendCopy(prefix, "pandoc")
	}
	if cfg.Conversion.InputFormat == "" {
		cfg.Conversion.InputFormat = "html"
	}
	if cfg.Conversion.OutputFormat == "" {
		cfg.Conversion.OutputFormat = "epub"
	}

	if cfg.Delivery.Provider == "" {
		cfg.Delivery.Provider = DefaultProvider
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	return cfg
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("POCKET_CONSUMER_KEY"); v != "" {
		c.ConsumerKey = v
	}
	if v := os.Getenv("POCKET_REDIRECT_URI"); v != "" {
		c.RedirectURI = v
	}

	if v := os.Getenv("SMTP_SERVER"); v != "" {
		c.SMTP.Server = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		c.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_EMAIL_FROM"); v != "" {
		c.SMTP.EmailFrom = v
	}

	if v := os.Getenv("DELIVERY_PROVIDER"); v != "" {
		c.Delivery.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks required keys and value ranges.
func (c *Config) validate() error {
	var errs []error

	if c.ConsumerKey == "" {
		errs = append(errs, errors.New("consumer_key is required"))
	}
	if c.SMTP.Server == "" {
		errs = append(errs, errors.New("smtp.server is required"))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port))
	}
	if c.SMTP.EmailFrom == "" {
		errs = append(errs, errors.New("smtp.email_from is required"))
	}
	if c.SleepBetweenArticles < 0 {
		errs = append(errs, errors.New("sleep_between_articles must not be negative"))
	}
	if c.Conversion.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("conversion.timeout_seconds must not be negative"))
	}
	if len(c.Conversion.Extractor) == 0 || c.Conversion.Extractor[0] == "" {
		errs = append(errs, errors.New("conversion.extractor must name a command"))
	}
	if len(c.Conversion.Converter) == 0 || c.Conversion.Converter[0] == "" {
		errs = append(errs, errors.New("conversion.converter must name a command"))
	}

	for _, acc := range c.Accounts() {
		if acc.DestinationEmail == "" {
			errs = append(errs, fmt.Errorf("accounts.%s.destination_email is required", acc.Username))
		}
		if acc.AccessToken == "" {
			errs = append(errs, fmt.Errorf("accounts.%s.access_token is required", acc.Username))
		}
	}

	switch c.Delivery.Provider {
	case "smtp", "stdout":
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("delivery.ses.region is required for the ses provider"))
		}
	case "graph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("delivery.graph tenant_id, client_id and client_secret are required for the graph provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown delivery.provider %q", c.Delivery.Provider))
	}

	return errors.Join(errs...)
}

func appendCopy(prefix []string, elems ...string) []string {
	out := make([]string, 0, len(prefix)+len(elems))
	out = append(out, prefix...)
	return append(out, elems...)
}
