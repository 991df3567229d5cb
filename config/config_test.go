package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "fleet.json", `{
		"database_url": "postgres://localhost/fleet",
		"http_port": 9000,
		"listeners": [{"protocol": "teltonika", "port": 6027}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/fleet", cfg.DatabaseURL)
	assert.Equal(t, 9000, cfg.HTTPPort)

	ports := map[string]int{}
	for _, l := range cfg.Listeners {
		ports[l.Protocol] = l.Port
	}
	// The explicit entry replaces the default; the rest are filled in.
	assert.Equal(t, 6027, ports["teltonika"])
	assert.Equal(t, 5023, ports["gt06"])
	assert.Equal(t, 5025, ports["h02"])
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "fleet.yaml", `
database_url: postgres://localhost/fleet
log_level: debug
listeners:
  - protocol: gt06
    port: 7023
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	for _, l := range cfg.Listeners {
		if l.Protocol == "gt06" {
			assert.Equal(t, 7023, l.Port)
		}
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Len(t, cfg.Listeners, len(DefaultListeners))
	for _, l := range cfg.Listeners {
		if l.Protocol == "h02" {
			assert.Equal(t, "udp", l.Transport)
		} else {
			assert.Equal(t, "tcp", l.Transport)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":            "postgres://db/override",
		"FLEETLINK_SECRET":        "s3cret",
		"FLEETLINK_PORT_GT06":     "9023",
		"FLEETLINK_PORT_UNLISTED": "1",
	}
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "postgres://db/override", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.Secret)
	for _, l := range cfg.Listeners {
		if l.Protocol == "gt06" {
			assert.Equal(t, 9023, l.Port)
		}
	}
}

func TestValidateRejectsDuplicatePorts(t *testing.T) {
	cfg := &Config{Listeners: []Listener{
		{Protocol: "gt06", Port: 5000},
		{Protocol: "h02", Port: 5000},
	}}
	cfg.applyDefaults()
	assert.Error(t, cfg.validate())
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := writeFile(t, "bad.json", "{not json")
	_, err := Load(path)
	assert.Error(t, err)
}
