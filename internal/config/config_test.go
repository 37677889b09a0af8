package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/pkg/bytesize"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8409},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "test.db",
			MaxOpenConns: 25,
			MaxIdleConns: 10,
			LogLevel:     "warn",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Streaming: StreamingConfig{
			Pool: PoolConfig{
				MaxProcesses:         150,
				SpawnsPerSecond:      5,
				MemoryGuardThreshold: 0.85,
				FdGuardReserve:       100,
				PressureThreshold:    0.80,
			},
			Breaker:  BreakerConfig{FailureThreshold: 5},
			Governor: GovernorConfig{GlobalRestartsPerWindow: 10},
			Throttler: ThrottlerConfig{
				Mode:             "realtime",
				TargetBitrateBps: 8_000_000,
			},
			Sessions: SessionConfig{MaxPerChannel: 50},
			Runtime:  RuntimeConfig{RingSize: 2 * bytesize.MB},
			ErrorScreen: ErrorScreenConfig{
				Visual: "text",
				Audio:  "silent",
			},
		},
		HDHomeRun: HDHomeRunConfig{
			DeviceID:   "0A1B2C3D",
			TunerCount: 2,
		},
		EPG: EPGConfig{HoursAhead: 24},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8409, cfg.Server.Port)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "exstreamtv.db", cfg.Database.DSN)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 150, cfg.Streaming.Pool.MaxProcesses)
	assert.InDelta(t, 5.0, cfg.Streaming.Pool.SpawnsPerSecond, 0.001)
	assert.InDelta(t, 0.85, cfg.Streaming.Pool.MemoryGuardThreshold, 0.001)
	assert.Equal(t, 100, cfg.Streaming.Pool.FdGuardReserve)
	assert.Equal(t, 24*time.Hour, cfg.Streaming.Pool.LongRun)

	assert.Equal(t, 5, cfg.Streaming.Breaker.FailureThreshold)
	assert.Equal(t, 300*time.Second, cfg.Streaming.Breaker.FailureWindow)
	assert.Equal(t, 120*time.Second, cfg.Streaming.Breaker.Cooldown)

	assert.Equal(t, 10, cfg.Streaming.Governor.GlobalRestartsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Streaming.Governor.ChannelCooldown)

	assert.Equal(t, "realtime", cfg.Streaming.Throttler.Mode)
	assert.Equal(t, 50, cfg.Streaming.Sessions.MaxPerChannel)
	assert.Equal(t, 300*time.Second, cfg.Streaming.Sessions.IdleTimeout)

	assert.Equal(t, 2*bytesize.MB, cfg.Streaming.Runtime.RingSize)
	assert.Equal(t, 180*time.Second, cfg.Streaming.Runtime.HealthStale)
	assert.False(t, cfg.Streaming.Runtime.AlwaysOn)
	assert.Equal(t, 60*time.Second, cfg.Streaming.Runtime.IdleGrace)

	assert.Equal(t, "EXStreamTV", cfg.HDHomeRun.FriendlyName)
	assert.Equal(t, "0A1B2C3D", cfg.HDHomeRun.DeviceID)
	assert.Equal(t, 2, cfg.HDHomeRun.TunerCount)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
streaming:
  pool:
    max_processes: 32
  runtime:
    ring_size: 8MB
hdhomerun:
  device_id: "DEADBEEF"
  tuner_count: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Streaming.Pool.MaxProcesses)
	assert.Equal(t, 8*bytesize.MB, cfg.Streaming.Runtime.RingSize)
	assert.Equal(t, "DEADBEEF", cfg.HDHomeRun.DeviceID)
	assert.Equal(t, 4, cfg.HDHomeRun.TunerCount)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.Streaming.Sessions.MaxPerChannel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EXSTREAMTV_SERVER_PORT", "9999")
	t.Setenv("EXSTREAMTV_STREAMING_GOVERNOR_CHANNEL_COOLDOWN", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Streaming.Governor.ChannelCooldown)
}

func TestLoadInvalidDeviceIDFails(t *testing.T) {
	t.Setenv("EXSTREAMTV_HDHOMERUN_DEVICE_ID", "BADID")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8 hexadecimal characters")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero processes", func(c *Config) { c.Streaming.Pool.MaxProcesses = 0 }, "max_processes"},
		{"zero spawn rate", func(c *Config) { c.Streaming.Pool.SpawnsPerSecond = 0 }, "spawns_per_second"},
		{"memory guard over 1", func(c *Config) { c.Streaming.Pool.MemoryGuardThreshold = 1.5 }, "memory_guard_threshold"},
		{"bad throttle mode", func(c *Config) { c.Streaming.Throttler.Mode = "fast" }, "throttler.mode"},
		{"zero bitrate", func(c *Config) { c.Streaming.Throttler.TargetBitrateBps = 0 }, "target_bitrate_bps"},
		{"disabled mode ignores bitrate", func(c *Config) {
			c.Streaming.Throttler.Mode = "disabled"
			c.Streaming.Throttler.TargetBitrateBps = 0
		}, ""},
		{"tiny ring", func(c *Config) { c.Streaming.Runtime.RingSize = 64 }, "ring_size"},
		{"bad visual", func(c *Config) { c.Streaming.ErrorScreen.Visual = "rainbow" }, "error_screen.visual"},
		{"bad audio", func(c *Config) { c.Streaming.ErrorScreen.Audio = "loud" }, "error_screen.audio"},
		{"slate without path", func(c *Config) { c.Streaming.ErrorScreen.Visual = "slate" }, "slate_path"},
		{"short device id", func(c *Config) { c.HDHomeRun.DeviceID = "ABC" }, "device_id"},
		{"non-hex device id", func(c *Config) { c.HDHomeRun.DeviceID = "WXYZWXYZ" }, "device_id"},
		{"zero tuners", func(c *Config) { c.HDHomeRun.TunerCount = 0 }, "tuner_count"},
		{"zero sessions", func(c *Config) { c.Streaming.Sessions.MaxPerChannel = 0 }, "max_per_channel"},
		{"zero epg hours", func(c *Config) { c.EPG.HoursAhead = 0 }, "hours_ahead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerAddress(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8409}
	assert.Equal(t, "127.0.0.1:8409", c.Address())
}
