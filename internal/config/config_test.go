package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/medium"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsShortTimeout(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveTimeoutMs = cfg.KeepAliveIntervalMs * 2
	require.Error(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.toml")
	body := `
medium_priority = ["WIFI_LAN", "BLE"]
keep_alive_interval_ms = 1000
keep_alive_timeout_ms = 5000
max_concurrent_endpoints = 10
chunk_size_bytes = 1024
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []medium.Tag{medium.TagWifiLAN, medium.TagBLE}, cfg.MediumTags())
	require.Equal(t, 10, cfg.MaxConcurrentEndpoints)
	require.Equal(t, 1024, cfg.ChunkSizeBytes)
	// Fields the TOML left unset fall back to Default()'s value.
	require.Equal(t, int64(2000), cfg.ProcessDisconnectionTimeoutMs)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`keep_alive_interval_ms = 1000
keep_alive_timeout_ms = 1000
`), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
