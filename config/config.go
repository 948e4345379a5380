// Package config loads the client configuration from an optional TOML file
// and CTFGATE_* environment variables.
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
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CTFGATE_"

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full client configuration.
type Config struct {
	// BaseURL is the platform API root, e.g. https://ctf.example.org/api/v1.
	BaseURL string `toml:"base_url"`
	// DataDir holds the tab store and its key. Empty keeps state in memory.
	DataDir   string `toml:"data_dir"`
	TabID     string `toml:"tab_id"`
	UserAgent string `toml:"user_agent"`

	Landing            string   `toml:"landing"`
	PrivilegedPrefixes []string `toml:"privileged_prefixes"`

	// RequestTimeout bounds the wait for response headers.
	RequestTimeout Duration `toml:"request_timeout"`
	// MetricsAddr, when set, serves Prometheus metrics while watching.
	MetricsAddr string `toml:"metrics_addr"`

	Log     LogConfig     `toml:"log"`
	Status  StatusConfig  `toml:"status"`
	Refresh RefreshConfig `toml:"refresh"`
	Pacing  PacingConfig  `toml:"pacing"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StatusConfig tunes the event status synchronizer.
type StatusConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	Cooldown       Duration `toml:"cooldown"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

// RefreshConfig tunes the token refresh coordinator.
type RefreshConfig struct {
	// Cooldown makes callers fail fast after a failed refresh. Zero disables.
	Cooldown Duration `toml:"cooldown"`
}

// PacingConfig limits outbound calls. A zero Rate disables pacing.
type PacingConfig struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:            "http://localhost:8000/api/v1",
		TabID:              "cli",
		UserAgent:          "ctfctl",
		Landing:            "/",
		PrivilegedPrefixes: []string{"/admin"},
		RequestTimeout:     Duration{30 * time.Second},
		Log:                LogConfig{Level: "info", Format: "text"},
		Status: StatusConfig{
			PollInterval:   Duration{30 * time.Second},
			Cooldown:       Duration{8 * time.Second},
			ReconnectDelay: Duration{3 * time.Second},
		},
		Pacing: PacingConfig{Rate: 10, Burst: 20},
	}
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ctfgate", "config.toml")
}

// Load builds the configuration: defaults, then the TOML file at path, then
// environment overrides. An empty path reads DefaultPath if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		err := cfg.readFile(path)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.BaseURL = getEnvString("BASE_URL", c.BaseURL)
	c.DataDir = getEnvString("DATA_DIR", c.DataDir)
	c.TabID = getEnvString("TAB_ID", c.TabID)
	c.UserAgent = getEnvString("USER_AGENT", c.UserAgent)
	c.Landing = getEnvString("LANDING", c.Landing)
	if v := getEnvString("PRIVILEGED_PREFIXES", ""); v != "" {
		c.PrivilegedPrefixes = splitList(v)
	}
	c.RequestTimeout.Duration = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout.Duration)
	c.MetricsAddr = getEnvString("METRICS_ADDR", c.MetricsAddr)

	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvString("LOG_FORMAT", c.Log.Format)

	c.Status.PollInterval.Duration = getEnvDuration("POLL_INTERVAL", c.Status.PollInterval.Duration)
	c.Status.Cooldown.Duration = getEnvDuration("STATUS_COOLDOWN", c.Status.Cooldown.Duration)
	c.Status.ReconnectDelay.Duration = getEnvDuration("RECONNECT_DELAY", c.Status.ReconnectDelay.Duration)
	c.Refresh.Cooldown.Duration = getEnvDuration("REFRESH_COOLDOWN", c.Refresh.Cooldown.Duration)

	c.Pacing.Rate = getEnvFloat("RATE_LIMIT", c.Pacing.Rate)
	c.Pacing.Burst = getEnvInt("RATE_BURST", c.Pacing.Burst)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.TabID == "" {
		return errors.New("tab_id must not be empty")
	}
	if !strings.HasPrefix(c.Landing, "/") {
		return fmt.Errorf("landing %q must start with /", c.Landing)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if c.Status.PollInterval.Duration <= 0 {
		return errors.New("status.poll_interval must be positive")
	}
	if c.Status.Cooldown.Duration < 0 || c.Status.ReconnectDelay.Duration < 0 || c.Refresh.Cooldown.Duration < 0 {
		return errors.New("cooldowns and delays must not be negative")
	}
	if c.Pacing.Rate < 0 {
		return errors.New("pacing.rate must not be negative")
	}
	if c.Pacing.Rate > 0 && c.Pacing.Burst < 1 {
		return errors.New("pacing.burst must be at least 1 when pacing is enabled")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
