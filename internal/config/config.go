// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the scan intake service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxFileSize is 20 MB in bytes.
	defaultMaxFileSize = 20 * 1024 * 1024

	// defaultMaxFieldBytes bounds the combined size of all text fields.
	defaultMaxFieldBytes = 1024 * 1024

	defaultRelayPort    = 587
	defaultRelayTimeout = 30 * time.Second
)

// Provider names accepted by the PROVIDER setting.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// ErrMissingSettings is wrapped by MissingSettingsError.
var ErrMissingSettings = errors.New("missing relay configuration")

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	HTTP     HTTPConfig    `yaml:"http"`
	Relay    RelayConfig   `yaml:"relay"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Sink     SinkConfig    `yaml:"sink"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the intake endpoint configuration.
type HTTPConfig struct {
	Listen         string   `yaml:"listen"`
	UploadDir      string   `yaml:"upload_dir"`
	MaxFileSize    int64    `yaml:"max_file_size"`
	MaxFieldBytes  int64    `yaml:"max_field_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RelayConfig holds the outbound SMTP relay settings and the message
// envelope addresses used by every provider.
type RelayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Secure   *bool  `yaml:"secure"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`

	Timeout            time.Duration `yaml:"timeout"`
	Verify             bool          `yaml:"verify"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SinkConfig holds the local capture relay configuration.
type SinkConfig struct {
	Listen   string `yaml:"listen"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MissingSettingsError lists the configuration keys that are required by the
// selected provider but absent.
type MissingSettingsError struct {
	Keys []string
}

func (e *MissingSettingsError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingSettings, strings.Join(e.Keys, ", "))
}

func (e *MissingSettingsError) Unwrap() error {
	return ErrMissingSettings
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.Provider = strings.ToLower(cfg.Provider)

	return cfg, nil
}

// MissingKeys returns the configuration keys required by the selected
// provider that are missing or empty. An empty result means the service can
// attempt delivery.
func (c *Config) MissingKeys() []string {
	var missing []string
	check := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	switch c.Provider {
	case ProviderSES:
		check("ses_region", c.SES.Region)
	case ProviderGraph:
		check("graph_tenant_id", c.Graph.TenantID)
		check("graph_client_id", c.Graph.ClientID)
		check("graph_client_secret", c.Graph.ClientSecret)
	case ProviderStdout:
	default:
		check("host", c.Relay.Host)
		if c.Relay.Port <= 0 {
			missing = append(missing, "port")
		}
		check("username", c.Relay.Username)
		check("password", c.Relay.Password)
	}
	check("from_address", c.Relay.From)
	check("to_address", c.Relay.To)

	return missing
}

// Validate returns a *MissingSettingsError when MissingKeys is non-empty.
func (c *Config) Validate() error {
	if keys := c.MissingKeys(); len(keys) > 0 {
		return &MissingSettingsError{Keys: keys}
	}
	return nil
}

// UseImplicitTLS reports whether the relay connection starts with TLS. An
// explicit Secure flag wins; otherwise port 465 implies implicit TLS.
func (r RelayConfig) UseImplicitTLS() bool {
	if r.Secure != nil {
		return *r.Secure
	}
	return r.Port == 465
}

// Secrets returns the configured credentials that must never appear in
// client-facing diagnostics.
func (c *Config) Secrets() []string {
	var secrets []string
	for _, s := range []string{c.Relay.Password, c.SES.SecretAccessKey, c.Graph.ClientSecret} {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.HTTP.Listen = ":3000"
	c.HTTP.UploadDir = os.TempDir()
	c.HTTP.MaxFileSize = defaultMaxFileSize
	c.HTTP.MaxFieldBytes = defaultMaxFieldBytes
	c.Relay.Port = defaultRelayPort
	c.Relay.Timeout = defaultRelayTimeout
	c.Sink.Listen = ":2525"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.HTTP.UploadDir = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.HTTP.MaxFileSize = size
		}
	}
	if v := os.Getenv("MAX_FIELD_BYTES"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.HTTP.MaxFieldBytes = size
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Relay.Port = port
		}
	}
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		if secure, err := strconv.ParseBool(v); err == nil {
			c.Relay.Secure = &secure
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		c.Relay.Username = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		c.Relay.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.Relay.From = v
	}
	if v := os.Getenv("TO_EMAIL"); v != "" {
		c.Relay.To = v
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_VERIFY"); v != "" {
		if verify, err := strconv.ParseBool(v); err == nil {
			c.Relay.Verify = verify
		}
	}
	if v := os.Getenv("SMTP_TLS_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.Relay.InsecureSkipVerify = skip
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}

	if v := os.Getenv("SINK_LISTEN"); v != "" {
		c.Sink.Listen = v
	}
	if v := os.Getenv("SINK_USERNAME"); v != "" {
		c.Sink.Username = v
	}
	if v := os.Getenv("SINK_PASSWORD"); v != "" {
		c.Sink.Password = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
