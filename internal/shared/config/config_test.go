package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.ProbeConf.TimeoutMs)
	assert.Equal(t, "info", cfg.LogConf.Level)
	assert.NotEmpty(t, cfg.ProbeConf.VerifyURL)
	assert.Equal(t, "downloads", cfg.DownloadConf.Dir)
}

func TestLoad_IniOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxyprobe.ini")
	content := `
[log]
level = debug

[probe]
timeout_ms = 2500
verify_url =
dns_server = 1.1.1.1:53
concurrency = 4

[web]
port = 8088

[download]
dir = /srv/proxyprobe/files
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogConf.Level)
	assert.Equal(t, 2500, cfg.ProbeConf.TimeoutMs)
	assert.Equal(t, "", cfg.ProbeConf.VerifyURL)
	assert.Equal(t, "1.1.1.1:53", cfg.ProbeConf.DNSServer)
	assert.Equal(t, 4, cfg.ProbeConf.Concurrency)
	assert.Equal(t, 8088, cfg.WebConf.Port)
	assert.Equal(t, "/srv/proxyprobe/files", cfg.DownloadConf.Dir)
	// untouched keys keep their defaults
	assert.Equal(t, "www.gstatic.com:443", cfg.ProbeConf.ConnectTarget)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PROXYPROBE_TIMEOUT_MS", "1234")
	t.Setenv("PROXYPROBE_LOG_LEVEL", "warn")
	t.Setenv("PROXYPROBE_CONCURRENCY", "not-a-number")

	cfg, err := LoadBytes([]byte("[probe]\nconcurrency = 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.ProbeConf.TimeoutMs)
	assert.Equal(t, "warn", cfg.LogConf.Level)
	assert.Equal(t, 3, cfg.ProbeConf.Concurrency)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
