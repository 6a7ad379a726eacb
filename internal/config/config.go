// Package config loads service settings from a TOML file and NFE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/observability"
	"github.com/rezonia/nfe-service/internal/signature/trust"
	"github.com/rezonia/nfe-service/internal/storage"
	"github.com/rezonia/nfe-service/internal/transmission"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "NFE_"

// Duration is a time.Duration written as "30s" or "1h" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all service settings
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Log          LogConfig          `toml:"log"`
	Storage      StorageConfig      `toml:"storage"`
	SEFAZ        SEFAZConfig        `toml:"sefaz"`
	Distribution DistributionConfig `toml:"distribution"`
	Trust        TrustConfig        `toml:"trust"`
	Tracing      TracingConfig      `toml:"tracing"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Address      string   `toml:"address"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	// JWTSecret enables bearer authentication on /api routes when set
	JWTSecret string `toml:"jwt_secret"`
	Debug     bool   `toml:"debug"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `toml:"level"`
}

// StorageConfig selects the database
type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// SEFAZConfig tunes the authority client
type SEFAZConfig struct {
	Timeout        Duration          `toml:"timeout"`
	MaxRetries     int               `toml:"max_retries"`
	InitialBackoff Duration          `toml:"initial_backoff"`
	MaxBackoff     Duration          `toml:"max_backoff"`
	PollInterval   Duration          `toml:"poll_interval"`
	PollTimeout    Duration          `toml:"poll_timeout"`
	MaxConcurrency int               `toml:"max_concurrency"`
	Endpoints      map[string]string `toml:"endpoints"`

	// StatusCertificate is the PFX file used by GET /api/v1/sefaz/status
	StatusCertificate string `toml:"status_certificate"`
	StatusPassphrase  string `toml:"status_passphrase"`
}

// DistributionConfig tunes polling of the distribution service
type DistributionConfig struct {
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
	EmptyBackoff  Duration `toml:"empty_backoff"`
	MaxBatches    int      `toml:"max_batches"`
}

// TrustConfig selects the certificate authorities
type TrustConfig struct {
	// Bundle is a PEM file or a directory of ICP-Brasil certificates
	Bundle       string   `toml:"bundle"`
	SystemRoots  bool     `toml:"system_roots"`
	OCSPSoftFail bool     `toml:"ocsp_soft_fail"`
	OCSPTimeout  Duration `toml:"ocsp_timeout"`
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	tc := transmission.DefaultConfig()
	dc := distribution.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{5 * time.Minute},
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "nfe.db"},
		SEFAZ: SEFAZConfig{
			Timeout:        Duration{tc.Timeout},
			MaxRetries:     tc.Retry.MaxRetries,
			InitialBackoff: Duration{tc.Retry.InitialBackoff},
			MaxBackoff:     Duration{tc.Retry.MaxBackoff},
			PollInterval:   Duration{tc.PollInterval},
			PollTimeout:    Duration{tc.PollTimeout},
			MaxConcurrency: tc.MaxConcurrency,
		},
		Distribution: DistributionConfig{
			RatePerSecond: dc.RatePerSecond,
			Burst:         dc.Burst,
			EmptyBackoff:  Duration{dc.EmptyBackoff},
			MaxBatches:    dc.MaxBatches,
		},
		Trust: TrustConfig{
			SystemRoots: true,
			OCSPTimeout: Duration{10 * time.Second},
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return nil, fmt.Errorf("config %s:%d:%d: %w", path, row, col, err)
			}
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envVar struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *Duration) func(string) error {
	return func(v string) error { return dst.UnmarshalText([]byte(v)) }
}

func (c *Config) env() []envVar {
	return []envVar{
		{"SERVER_ADDRESS", str(&c.Server.Address)},
		{"SERVER_JWT_SECRET", str(&c.Server.JWTSecret)},
		{"SERVER_DEBUG", boolean(&c.Server.Debug)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"STORAGE_DRIVER", str(&c.Storage.Driver)},
		{"STORAGE_DSN", str(&c.Storage.DSN)},
		{"SEFAZ_TIMEOUT", duration(&c.SEFAZ.Timeout)},
		{"SEFAZ_MAX_RETRIES", integer(&c.SEFAZ.MaxRetries)},
		{"SEFAZ_POLL_INTERVAL", duration(&c.SEFAZ.PollInterval)},
		{"SEFAZ_POLL_TIMEOUT", duration(&c.SEFAZ.PollTimeout)},
		{"SEFAZ_STATUS_CERTIFICATE", str(&c.SEFAZ.StatusCertificate)},
		{"SEFAZ_STATUS_PASSPHRASE", str(&c.SEFAZ.StatusPassphrase)},
		{"DISTRIBUTION_RATE", float(&c.Distribution.RatePerSecond)},
		{"DISTRIBUTION_EMPTY_BACKOFF", duration(&c.Distribution.EmptyBackoff)},
		{"TRUST_BUNDLE", str(&c.Trust.Bundle)},
		{"TRUST_OCSP_SOFT_FAIL", boolean(&c.Trust.OCSPSoftFail)},
		{"TRACING_ENDPOINT", str(&c.Tracing.Endpoint)},
	}
}

// ApplyEnv overrides settings from NFE_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, v := range c.env() {
		name := EnvPrefix + v.name
		val, ok := lookup(name)
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		if err := v.set(strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var problems []string
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.SEFAZ.Timeout.Duration <= 0 {
		problems = append(problems, "sefaz.timeout must be positive")
	}
	if c.SEFAZ.MaxRetries < 0 {
		problems = append(problems, "sefaz.max_retries cannot be negative")
	}
	if c.SEFAZ.PollTimeout.Duration < c.SEFAZ.PollInterval.Duration {
		problems = append(problems, "sefaz.poll_timeout must not be shorter than sefaz.poll_interval")
	}
	if c.Distribution.RatePerSecond < 0 {
		problems = append(problems, "distribution.rate_per_second cannot be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Transmission converts the SEFAZ section
func (c *Config) Transmission() transmission.Config {
	tc := transmission.DefaultConfig()
	tc.Timeout = c.SEFAZ.Timeout.Duration
	tc.Retry.MaxRetries = c.SEFAZ.MaxRetries
	tc.Retry.InitialBackoff = c.SEFAZ.InitialBackoff.Duration
	tc.Retry.MaxBackoff = c.SEFAZ.MaxBackoff.Duration
	tc.PollInterval = c.SEFAZ.PollInterval.Duration
	tc.PollTimeout = c.SEFAZ.PollTimeout.Duration
	if c.SEFAZ.MaxConcurrency > 0 {
		tc.MaxConcurrency = c.SEFAZ.MaxConcurrency
	}
	tc.Endpoints = c.SEFAZ.Endpoints
	return tc
}

// StatusCertificate returns a reader for the status certificate, or nil when
// none is configured. The file is read on every call.
func (c *Config) StatusCertificate() func() ([]byte, string, error) {
	path, pass := c.SEFAZ.StatusCertificate, c.SEFAZ.StatusPassphrase
	if path == "" {
		return nil
	}
	return func() ([]byte, string, error) {
		pfx, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read status certificate: %w", err)
		}
		return pfx, pass, nil
	}
}

// DistributionSettings converts the distribution section
func (c *Config) DistributionSettings() distribution.Config {
	return distribution.Config{
		RatePerSecond: c.Distribution.RatePerSecond,
		Burst:         c.Distribution.Burst,
		EmptyBackoff:  c.Distribution.EmptyBackoff.Duration,
		MaxBatches:    c.Distribution.MaxBatches,
	}
}

// StorageSettings converts the storage section
func (c *Config) StorageSettings() storage.Config {
	return storage.Config{Driver: c.Storage.Driver, DSN: c.Storage.DSN}
}

// TracingSettings converts the tracing section
func (c *Config) TracingSettings() observability.TracingConfig {
	return observability.TracingConfig{
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		ServiceName: "nfe-service",
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// TrustStore builds the trust store described by the trust section; extra
// options apply last.
func (c *Config) TrustStore(extra ...trust.TrustStoreOption) (*trust.TrustStore, error) {
	var opts []trust.TrustStoreOption
	if c.Trust.SystemRoots {
		opts = append(opts, trust.WithSystemRoots())
	}
	opts = append(opts, trust.WithBundle(c.Trust.Bundle))
	if c.Trust.OCSPSoftFail {
		opts = append(opts, trust.WithSoftFail())
	}
	if c.Trust.OCSPTimeout.Duration > 0 {
		opts = append(opts, trust.WithOCSPTimeout(c.Trust.OCSPTimeout.Duration))
	}
	return trust.NewTrustStore(append(opts, extra...)...)
}
