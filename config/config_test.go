package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 8*time.Second, cfg.Status.Cooldown.Duration)
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url = "https://ctf.example.org/api/v1"
data_dir = "/var/lib/ctfgate"
privileged_prefixes = ["/admin", "/staff"]

[log]
level = "debug"
format = "json"

[status]
poll_interval = "1m"

[refresh]
cooldown = "5s"

[pacing]
rate = 2.5
burst = 4
`), 0o600))

	t.Setenv("CTFGATE_LOG_LEVEL", "warn")
	t.Setenv("CTFGATE_RECONNECT_DELAY", "750ms")
	t.Setenv("CTFGATE_RATE_BURST", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://ctf.example.org/api/v1", cfg.BaseURL)
	assert.Equal(t, "/var/lib/ctfgate", cfg.DataDir)
	assert.Equal(t, []string{"/admin", "/staff"}, cfg.PrivilegedPrefixes)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Minute, cfg.Status.PollInterval.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.Status.ReconnectDelay.Duration)
	assert.Equal(t, 5*time.Second, cfg.Refresh.Cooldown.Duration)
	assert.Equal(t, 2.5, cfg.Pacing.Rate)
	assert.Equal(t, 4, cfg.Pacing.Burst, "unparsable override keeps the file value")
}

func TestLoadReadsDefaultPath(t *testing.T) {
	isolate(t)
	path := DefaultPath()
	require.NotEmpty(t, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`tab_id = "laptop"`), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.TabID)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err, "an explicit path must exist")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`[status]
poll_interval = "soon"`), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("CTFGATE_PRIVILEGED_PREFIXES", " /admin , /ops ,")
	t.Setenv("CTFGATE_BASE_URL", "ftp://ctf.example.org")
	_, err = Load("")
	assert.ErrorContains(t, err, "base_url")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"relative url":      func(c *Config) { c.BaseURL = "/api/v1" },
		"empty tab":         func(c *Config) { c.TabID = "" },
		"landing":           func(c *Config) { c.Landing = "home" },
		"level":             func(c *Config) { c.Log.Level = "trace" },
		"format":            func(c *Config) { c.Log.Format = "xml" },
		"poll interval":     func(c *Config) { c.Status.PollInterval.Duration = 0 },
		"negative cooldown": func(c *Config) { c.Refresh.Cooldown.Duration = -time.Second },
		"negative rate":     func(c *Config) { c.Pacing.Rate = -1 },
		"burst":             func(c *Config) { c.Pacing.Burst = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Pacing = PacingConfig{}
	assert.NoError(t, cfg.Validate(), "pacing disabled needs no burst")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"/admin", "/ops"}, splitList(" /admin , /ops ,"))
	assert.Nil(t, splitList(" , "))
}
