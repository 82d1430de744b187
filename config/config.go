// Package config loads SAP connection settings from file and environment
// and resolves per-call credential overrides against them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workskong/mcp-abap-adt/envelope"
)

const (
	configFileName = "config.yaml"
	configDirName  = "mcp-abap-adt"

	// DefaultPort is used when neither config file nor PORT set one.
	DefaultPort = 6969
	// DefaultSSEToken guards the event-stream endpoints out of the box.
	DefaultSSEToken = "default-mcp-sse-token"
	// DefaultTimeout bounds one ADT round trip.
	DefaultTimeout = 30 * time.Second
)

// ConfigurationError reports missing or malformed connection settings.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

func (e *ConfigurationError) EnvelopeCode() envelope.ErrorCode {
	return envelope.CodeConfiguration
}

// duration wraps time.Duration for YAML unmarshaling.
type duration struct {
	d time.Duration
}

func (d *duration) unmarshalText(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.unmarshalText(value.Value)
}

func (d *duration) Duration() time.Duration {
	return d.d
}

// Config for the server. Pointer fields; nil = unset.
type Config struct {
	URL      *string `yaml:"url"`
	Username *string `yaml:"username"`
	Password *string `yaml:"password"`
	Client   *string `yaml:"client"`
	Language *string `yaml:"language"`

	Port        *int      `yaml:"port"`
	SSEToken    *string   `yaml:"sse_token"`
	OmitAuth    *bool     `yaml:"omit_auth"`
	InsecureTLS *bool     `yaml:"insecure_tls"`
	Timeout     *duration `yaml:"timeout"`
}

// LoadFrom loads config from path. Missing files return zero Config, nil.
func LoadFrom(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Load() (Config, error) {
	return LoadFrom(defaultConfigPath())
}

func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("SAP_URL"); ok {
		c.URL = &v
	}
	if v, ok := os.LookupEnv("SAP_USERNAME"); ok {
		c.Username = &v
	}
	if v, ok := os.LookupEnv("SAP_PASSWORD"); ok {
		c.Password = &v
	}
	if v, ok := os.LookupEnv("SAP_CLIENT"); ok {
		c.Client = &v
	}
	if v, ok := os.LookupEnv("SAP_LANGUAGE"); ok {
		c.Language = &v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Port = &n
	}
	if v, ok := os.LookupEnv("MCP_SSE_TOKEN"); ok {
		c.SSEToken = &v
	}
	if v, ok := os.LookupEnv("DANGEROUSLY_OMIT_AUTH"); ok {
		b := strings.EqualFold(v, "true")
		c.OmitAuth = &b
	}
	if v, ok := os.LookupEnv("SAP_INSECURE_TLS"); ok {
		b := strings.EqualFold(v, "true")
		c.InsecureTLS = &b
	}
	if v, ok := os.LookupEnv("SAP_TIMEOUT"); ok {
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse SAP_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port != nil && (*c.Port <= 0 || *c.Port > 65535) {
		return fmt.Errorf("port must be in 1..65535, got %d", *c.Port)
	}
	if c.Timeout != nil && c.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout.Duration())
	}
	if c.URL != nil {
		if _, err := origin(*c.URL); err != nil {
			return err
		}
	}
	return nil
}

// PortOrDefault returns the configured listen port.
func (c Config) PortOrDefault() int {
	if c.Port != nil {
		return *c.Port
	}
	return DefaultPort
}

// SSETokenOrDefault returns the event-stream shared secret.
func (c Config) SSETokenOrDefault() string {
	if c.SSEToken != nil {
		return *c.SSEToken
	}
	return DefaultSSEToken
}

// AuthDisabled reports whether event-stream auth is explicitly bypassed.
func (c Config) AuthDisabled() bool {
	return c.OmitAuth != nil && *c.OmitAuth
}

// TLSInsecure reports whether certificate verification is disabled for
// outbound ADT calls (self-signed development systems).
func (c Config) TLSInsecure() bool {
	return c.InsecureTLS != nil && *c.InsecureTLS
}

// TimeoutOrDefault returns the per-request ADT timeout.
func (c Config) TimeoutOrDefault() time.Duration {
	if c.Timeout != nil {
		return c.Timeout.Duration()
	}
	return DefaultTimeout
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDirName, configFileName)
}

// Credentials is one fully resolved SAP identity. BaseURL is always the
// origin (scheme://host[:port]) of the configured system URL.
type Credentials struct {
	BaseURL  string
	Username string
	Password string
	Client   string
	Language string
}

// Overrides carries per-call credential fields supplied by a remote
// caller. Empty fields fall back to the process-wide configuration.
type Overrides struct {
	Username string
	Password string
	Client   string
	Language string
}

// Resolver resolves Credentials from the process-wide configuration and
// optional per-call overrides. The configuration is loaded at most once.
type Resolver struct {
	mu      sync.Mutex
	load    func() (Config, error)
	loaded  bool
	cfg     Config
	loadErr error
}

// NewResolver builds a Resolver backed by the default config location.
func NewResolver() *Resolver {
	return &Resolver{load: Load}
}

// NewResolverFrom builds a Resolver around an already loaded Config.
func NewResolverFrom(cfg Config) *Resolver {
	r := &Resolver{}
	r.loaded = true
	r.cfg = cfg
	return r
}

// Global returns the process-wide configuration, loading it on first use.
func (r *Resolver) Global() (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		r.cfg, r.loadErr = r.load()
		r.loaded = true
	}
	return r.cfg, r.loadErr
}

// Resolve merges o over the process-wide configuration field by field:
// a non-empty override wins, everything else comes from the environment.
// BaseURL always comes from the configured SAP_URL.
func (r *Resolver) Resolve(o Overrides) (Credentials, error) {
	cfg, err := r.Global()
	if err != nil {
		return Credentials{}, &ConfigurationError{Reason: fmt.Sprintf("load configuration: %v", err)}
	}

	creds := Credentials{
		Username: o.Username,
		Password: o.Password,
		Client:   o.Client,
		Language: o.Language,
	}
	if creds.Username == "" && cfg.Username != nil {
		creds.Username = *cfg.Username
	}
	if creds.Password == "" && cfg.Password != nil {
		creds.Password = *cfg.Password
	}
	if creds.Client == "" && cfg.Client != nil {
		creds.Client = *cfg.Client
	}
	if creds.Language == "" && cfg.Language != nil {
		creds.Language = *cfg.Language
	}

	if cfg.URL == nil || *cfg.URL == "" {
		return Credentials{}, &ConfigurationError{Reason: "SAP_URL is not configured"}
	}
	base, err := origin(*cfg.URL)
	if err != nil {
		return Credentials{}, &ConfigurationError{Reason: err.Error()}
	}
	creds.BaseURL = base

	var missing []string
	if creds.Username == "" {
		missing = append(missing, "SAP_USERNAME")
	}
	if creds.Password == "" {
		missing = append(missing, "SAP_PASSWORD")
	}
	if creds.Client == "" {
		missing = append(missing, "SAP_CLIENT")
	}
	if len(missing) > 0 {
		return Credentials{}, &ConfigurationError{
			Reason: fmt.Sprintf("missing required settings: %s", strings.Join(missing, ", ")),
		}
	}

	return creds, nil
}

// origin reduces raw to scheme://host[:port], discarding path and query.
func origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid SAP_URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid SAP_URL %q: expected http(s)://host[:port]", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
