// Package config loads session-wide tunables from a TOML file, grounded on
// client2/client_docker_test.go's config.LoadFile("testdata/client.toml")
// pattern.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nearbycore/connections/internal/medium"
)

// Config is the session-wide configuration: discovery medium priority,
// keep-alive tunables, and the concurrency cap.
type Config struct {
	// MediumPriority lists medium tag names in the order the Pcp handler
	// tries them for both ConnectImpl and picking a connected endpoint's
	// primary medium. Design default: WIFI_LAN, WEB_RTC,
	// BLUETOOTH_CLASSIC, BLE.
	MediumPriority []string `toml:"medium_priority"`

	// KeepAliveIntervalMs and KeepAliveTimeoutMs are the defaults applied
	// when ConnectionOptions does not override them. TimeoutMs must be at
	// least 3x IntervalMs, the same ratio ConnectionOptions enforces.
	KeepAliveIntervalMs int64 `toml:"keep_alive_interval_ms"`
	KeepAliveTimeoutMs  int64 `toml:"keep_alive_timeout_ms"`

	// MaxConcurrentEndpoints is kMaxConcurrentEndpoints, design default 50.
	MaxConcurrentEndpoints int `toml:"max_concurrent_endpoints"`

	// ProcessDisconnectionTimeoutMs is loaded with a default of 2000 ms,
	// but the endpoint manager does not read it: Unregister's wait for
	// processors to observe OnDisconnected is bounded by the manager's own
	// fixed 2 s.
	ProcessDisconnectionTimeoutMs int64 `toml:"process_disconnection_timeout_ms"`

	// HandshakeTimeoutMs bounds the UKEY2 exchange.
	HandshakeTimeoutMs int64 `toml:"handshake_timeout_ms"`

	// ChunkSizeBytes is the payload engine's fixed chunk size, design
	// default 64 KiB.
	ChunkSizeBytes int `toml:"chunk_size_bytes"`

	// TempDir is the platform temp path stream/file payload spill lives
	// under, as "${tempdir}/nearby-${payload_id}".
	TempDir string `toml:"temp_dir"`

	// MetricsListenAddr, if non-empty, is the address the Prometheus
	// handler binds. Empty disables metrics serving.
	MetricsListenAddr string `toml:"metrics_listen_addr"`
}

// Default returns the package's design defaults.
func Default() *Config {
	return &Config{
		MediumPriority:                []string{"WIFI_LAN", "WEB_RTC", "BLUETOOTH_CLASSIC", "BLE"},
		KeepAliveIntervalMs:           5000,
		KeepAliveTimeoutMs:            30000,
		MaxConcurrentEndpoints:        50,
		ProcessDisconnectionTimeoutMs: 2000,
		HandshakeTimeoutMs:            10000,
		ChunkSizeBytes:                64 * 1024,
		TempDir:                       "",
	}
}

// LoadFile reads and parses a TOML config file, filling any field TOML
// leaves zero with Default()'s value.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	_ = meta
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the keep-alive ratio invariant.
func (c *Config) Validate() error {
	if c.KeepAliveTimeoutMs < 3*c.KeepAliveIntervalMs {
		return fmt.Errorf("config: keep_alive_timeout_ms must be >= 3x keep_alive_interval_ms")
	}
	if len(c.MediumPriority) == 0 {
		return fmt.Errorf("config: medium_priority must not be empty")
	}
	return nil
}

// KeepAliveInterval and KeepAliveTimeout convert the millisecond fields to
// time.Duration for the endpoint manager.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

func (c *Config) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutMs) * time.Millisecond
}

func (c *Config) ProcessDisconnectionTimeout() time.Duration {
	return time.Duration(c.ProcessDisconnectionTimeoutMs) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// MediumTags resolves MediumPriority's names to medium.Tag values, dropping
// any name it doesn't recognize.
func (c *Config) MediumTags() []medium.Tag {
	tags := make([]medium.Tag, 0, len(c.MediumPriority))
	for _, name := range c.MediumPriority {
		if t, ok := tagByName[name]; ok {
			tags = append(tags, t)
		}
	}
	return tags
}

var tagByName = map[string]medium.Tag{
	"BLUETOOTH_CLASSIC": medium.TagBluetoothClassic,
	"BLE":               medium.TagBLE,
	"WIFI_LAN":          medium.TagWifiLAN,
	"WIFI_DIRECT":       medium.TagWifiDirect,
	"WIFI_HOTSPOT":      medium.TagWifiHotspot,
	"WEB_RTC":           medium.TagWebRTC,
}
