// Package config provides configuration management for exstreamtv using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/exstreamtv/exstreamtv/pkg/bytesize"
)

// Default configuration values.
const (
	defaultServerPort      = 8409
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultPoolMaxProcesses   = 150
	defaultPoolSpawnsPerSec   = 5
	defaultPoolMemoryGuard    = 0.85
	defaultPoolFdReserve      = 100
	defaultPoolPressure       = 0.80
	defaultPoolReaperInterval = 30 * time.Second
	defaultPoolLongRun        = 24 * time.Hour
	defaultPoolLongRunGrace   = 10 * time.Second
	defaultPoolKillGrace      = 5 * time.Second
	defaultPoolKillGraceFinal = 2 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerWindow   = 300 * time.Second
	defaultBreakerCooldown = 120 * time.Second
	defaultBreakerProbeUp  = 30 * time.Second

	defaultGovernorGlobalRestarts = 10
	defaultGovernorWindow         = 60 * time.Second
	defaultGovernorCooldown       = 30 * time.Second

	defaultSessionMaxPerChannel = 50
	defaultSessionIdleTimeout   = 300 * time.Second
	defaultSessionMaxErrors     = 10

	defaultHealthStale    = 180 * time.Second
	defaultAnchorFlush    = 30 * time.Second
	defaultBoundaryWait   = 30 * time.Second
	defaultBackoffBase    = 5 * time.Second
	defaultBackoffCap     = 60 * time.Second
	defaultThrottleWindow = 200 * time.Millisecond
	defaultBurstHeadroom  = 10 * time.Second

	defaultHDHRTunerCount = 2

	defaultResolverCacheTTL = 5 * time.Minute
	defaultAuditRetention   = 30 * 24 * time.Hour
)

// hexDeviceID is the HDHomeRun device identifier format clients depend on.
var hexDeviceID = regexp.MustCompile(`^[0-9A-Fa-f]{8}$`)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	HDHomeRun HDHomeRunConfig `mapstructure:"hdhomerun"`
	IPTV      IPTVConfig      `mapstructure:"iptv"`
	EPG       EPGConfig       `mapstructure:"epg"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamingConfig groups everything owned by the streaming core.
type StreamingConfig struct {
	Pool        PoolConfig        `mapstructure:"pool"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Governor    GovernorConfig    `mapstructure:"governor"`
	Throttler   ThrottlerConfig   `mapstructure:"throttler"`
	Sessions    SessionConfig     `mapstructure:"sessions"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	ErrorScreen ErrorScreenConfig `mapstructure:"error_screen"`
}

// PoolConfig bounds the global transcoder process pool.
type PoolConfig struct {
	MaxProcesses         int           `mapstructure:"max_processes"`
	SpawnsPerSecond      float64       `mapstructure:"spawns_per_second"`
	MemoryGuardThreshold float64       `mapstructure:"memory_guard_threshold"`
	FdGuardReserve       int           `mapstructure:"fd_guard_reserve"`
	PressureThreshold    float64       `mapstructure:"pressure_threshold"`
	ReaperInterval       time.Duration `mapstructure:"reaper_interval"`
	LongRun              time.Duration `mapstructure:"long_run"`
	LongRunGrace         time.Duration `mapstructure:"long_run_grace"`
	KillGrace            time.Duration `mapstructure:"kill_grace"`
	KillGraceFinal       time.Duration `mapstructure:"kill_grace_final"`
}

// BreakerConfig holds per-channel circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ProbeUp          time.Duration `mapstructure:"probe_up"`
}

// GovernorConfig holds restart governor thresholds.
type GovernorConfig struct {
	GlobalRestartsPerWindow int           `mapstructure:"global_restarts_per_window"`
	Window                  time.Duration `mapstructure:"window"`
	ChannelCooldown         time.Duration `mapstructure:"channel_cooldown"`
}

// ThrottlerConfig is the channel-level default delivery rate limit. Channels
// can override it per record.
type ThrottlerConfig struct {
	Mode             string        `mapstructure:"mode"` // realtime, burst, adaptive, disabled
	TargetBitrateBps int64         `mapstructure:"target_bitrate_bps"`
	BurstHeadroom    time.Duration `mapstructure:"burst_headroom"`
	SmoothingWindow  time.Duration `mapstructure:"smoothing_window"`
}

// SessionConfig bounds client session bookkeeping.
type SessionConfig struct {
	MaxPerChannel int           `mapstructure:"max_per_channel"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxErrors     int           `mapstructure:"max_errors"`
}

// RuntimeConfig holds per-channel runtime tuning.
type RuntimeConfig struct {
	RingSize             bytesize.Size `mapstructure:"ring_size"`
	SlowSubscriberBudget bytesize.Size `mapstructure:"slow_subscriber_budget"`
	SubscriberQueue      bytesize.Size `mapstructure:"subscriber_queue"`
	HealthStale          time.Duration `mapstructure:"health_stale"`
	AnchorFlush          time.Duration `mapstructure:"anchor_flush"`
	BoundaryWait         time.Duration `mapstructure:"boundary_wait"`
	RestartBackoffBase   time.Duration `mapstructure:"restart_backoff_base"`
	RestartBackoffCap    time.Duration `mapstructure:"restart_backoff_cap"`
	AlwaysOn             bool          `mapstructure:"always_on"`
	IdleGrace            time.Duration `mapstructure:"idle_grace"`
}

// ErrorScreenConfig describes the fallback stream.
type ErrorScreenConfig struct {
	Visual       string `mapstructure:"visual"` // text, static, test_pattern, slate
	Audio        string `mapstructure:"audio"`  // silent, sine, white_noise, beep
	SlatePath    string `mapstructure:"slate_path"`
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	Framerate    int    `mapstructure:"framerate"`
	FontSize     int    `mapstructure:"font_size"`
	Background   string `mapstructure:"background"`
	Foreground   string `mapstructure:"foreground"`
	VideoBitrate string `mapstructure:"video_bitrate"`
}

// HDHomeRunConfig describes the emulated tuner device.
type HDHomeRunConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	FriendlyName    string `mapstructure:"friendly_name"`
	ModelNumber     string `mapstructure:"model_number"`
	FirmwareName    string `mapstructure:"firmware_name"`
	FirmwareVersion string `mapstructure:"firmware_version"`
	DeviceID        string `mapstructure:"device_id"`
	DeviceAuth      string `mapstructure:"device_auth"`
	TunerCount      int    `mapstructure:"tuner_count"`
}

// IPTVConfig holds the IPTV boundary settings.
type IPTVConfig struct {
	// BaseURL overrides the advertised stream URL prefix. When empty, URLs
	// are derived from the incoming request's Host header.
	BaseURL string `mapstructure:"base_url"`
}

// EPGConfig holds guide generation settings.
type EPGConfig struct {
	HoursAhead int `mapstructure:"hours_ahead"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath      string   `mapstructure:"binary_path"`      // Path to ffmpeg binary (empty = use PATH)
	HWAccelPriority []string `mapstructure:"hwaccel_priority"` // Priority order: videotoolbox, nvenc, qsv, vaapi, amf
	LogLevel        string   `mapstructure:"log_level"`
}

// ResolverConfig holds per-provider resolution settings.
type ResolverConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// PreferredLanguage drives subtitle and audio stream picks.
	PreferredLanguage string `mapstructure:"preferred_language"`

	// TargetAudioChannels is the playback layout; picks above it request
	// a downmix. Zero disables downmixing.
	TargetAudioChannels int `mapstructure:"target_audio_channels"`

	Plex     PlexResolverConfig  `mapstructure:"plex"`
	Jellyfin MediaServerConfig   `mapstructure:"jellyfin"`
	Emby     MediaServerConfig   `mapstructure:"emby"`
	YouTube  YouTubeHelperConfig `mapstructure:"youtube"`
}

// PlexResolverConfig carries Plex connectivity settings.
type PlexResolverConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token" masq:"secret"`
}

// MediaServerConfig carries Jellyfin/Emby connectivity settings.
type MediaServerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key" masq:"secret"`
}

// YouTubeHelperConfig names the metadata helper binary used for YouTube
// resolution.
type YouTubeHelperConfig struct {
	HelperPath string        `mapstructure:"helper_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// JobsConfig holds background job schedules (robfig/cron syntax).
type JobsConfig struct {
	AnchorFlushSpec string        `mapstructure:"anchor_flush_spec"`
	SessionSweep    string        `mapstructure:"session_sweep_spec"`
	AuditTrimSpec   string        `mapstructure:"audit_trim_spec"`
	AuditRetention  time.Duration `mapstructure:"audit_retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with EXSTREAMTV_ and use underscores
// for nesting. Example: EXSTREAMTV_SERVER_PORT=8409.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/exstreamtv")
		v.AddConfigPath("$HOME/.exstreamtv")
	}

	v.SetEnvPrefix("EXSTREAMTV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	// The text hook lets bytesize.Size fields accept human strings ("8MB").
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Streaming responses are long-lived; the write timeout must stay 0.
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "exstreamtv.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("streaming.pool.max_processes", defaultPoolMaxProcesses)
	v.SetDefault("streaming.pool.spawns_per_second", defaultPoolSpawnsPerSec)
	v.SetDefault("streaming.pool.memory_guard_threshold", defaultPoolMemoryGuard)
	v.SetDefault("streaming.pool.fd_guard_reserve", defaultPoolFdReserve)
	v.SetDefault("streaming.pool.pressure_threshold", defaultPoolPressure)
	v.SetDefault("streaming.pool.reaper_interval", defaultPoolReaperInterval)
	v.SetDefault("streaming.pool.long_run", defaultPoolLongRun)
	v.SetDefault("streaming.pool.long_run_grace", defaultPoolLongRunGrace)
	v.SetDefault("streaming.pool.kill_grace", defaultPoolKillGrace)
	v.SetDefault("streaming.pool.kill_grace_final", defaultPoolKillGraceFinal)

	v.SetDefault("streaming.breaker.failure_threshold", defaultBreakerFailures)
	v.SetDefault("streaming.breaker.failure_window", defaultBreakerWindow)
	v.SetDefault("streaming.breaker.cooldown", defaultBreakerCooldown)
	v.SetDefault("streaming.breaker.probe_up", defaultBreakerProbeUp)

	v.SetDefault("streaming.governor.global_restarts_per_window", defaultGovernorGlobalRestarts)
	v.SetDefault("streaming.governor.window", defaultGovernorWindow)
	v.SetDefault("streaming.governor.channel_cooldown", defaultGovernorCooldown)

	v.SetDefault("streaming.throttler.mode", "realtime")
	v.SetDefault("streaming.throttler.target_bitrate_bps", 8_000_000)
	v.SetDefault("streaming.throttler.burst_headroom", defaultBurstHeadroom)
	v.SetDefault("streaming.throttler.smoothing_window", defaultThrottleWindow)

	v.SetDefault("streaming.sessions.max_per_channel", defaultSessionMaxPerChannel)
	v.SetDefault("streaming.sessions.idle_timeout", defaultSessionIdleTimeout)
	v.SetDefault("streaming.sessions.max_errors", defaultSessionMaxErrors)

	v.SetDefault("streaming.runtime.ring_size", int64(2*bytesize.MB))
	v.SetDefault("streaming.runtime.slow_subscriber_budget", int64(4*bytesize.MB))
	v.SetDefault("streaming.runtime.subscriber_queue", int64(256*bytesize.KB))
	v.SetDefault("streaming.runtime.health_stale", defaultHealthStale)
	v.SetDefault("streaming.runtime.anchor_flush", defaultAnchorFlush)
	v.SetDefault("streaming.runtime.boundary_wait", defaultBoundaryWait)
	v.SetDefault("streaming.runtime.restart_backoff_base", defaultBackoffBase)
	v.SetDefault("streaming.runtime.restart_backoff_cap", defaultBackoffCap)
	v.SetDefault("streaming.runtime.always_on", false)
	v.SetDefault("streaming.runtime.idle_grace", 60*time.Second)

	v.SetDefault("streaming.error_screen.visual", "text")
	v.SetDefault("streaming.error_screen.audio", "silent")
	v.SetDefault("streaming.error_screen.width", 1280)
	v.SetDefault("streaming.error_screen.height", 720)
	v.SetDefault("streaming.error_screen.framerate", 30)
	v.SetDefault("streaming.error_screen.font_size", 48)
	v.SetDefault("streaming.error_screen.background", "black")
	v.SetDefault("streaming.error_screen.foreground", "white")
	v.SetDefault("streaming.error_screen.video_bitrate", "1000k")

	v.SetDefault("hdhomerun.enabled", true)
	v.SetDefault("hdhomerun.friendly_name", "EXStreamTV")
	v.SetDefault("hdhomerun.model_number", "HDTC-2US")
	v.SetDefault("hdhomerun.firmware_name", "hdhomeruntc_atsc")
	v.SetDefault("hdhomerun.firmware_version", "20200101")
	v.SetDefault("hdhomerun.device_id", "0A1B2C3D")
	v.SetDefault("hdhomerun.device_auth", "")
	v.SetDefault("hdhomerun.tuner_count", defaultHDHRTunerCount)

	v.SetDefault("iptv.base_url", "")

	v.SetDefault("epg.hours_ahead", 24)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"videotoolbox", "nvenc", "qsv", "vaapi", "amf"})
	v.SetDefault("ffmpeg.log_level", "error")

	v.SetDefault("resolver.cache_ttl", defaultResolverCacheTTL)
	v.SetDefault("resolver.preferred_language", "eng")
	v.SetDefault("resolver.target_audio_channels", 2)
	v.SetDefault("resolver.youtube.helper_path", "yt-dlp")
	v.SetDefault("resolver.youtube.timeout", 30*time.Second)

	v.SetDefault("jobs.anchor_flush_spec", "@every 30s")
	v.SetDefault("jobs.session_sweep_spec", "@every 60s")
	v.SetDefault("jobs.audit_trim_spec", "@daily")
	v.SetDefault("jobs.audit_retention", defaultAuditRetention)
}

// Validate checks the configuration for errors. Any error here is fatal at
// startup: the process reports it and exits with code 1 before binding.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Streaming.Pool.MaxProcesses < 1 {
		return fmt.Errorf("streaming.pool.max_processes must be at least 1")
	}
	if c.Streaming.Pool.SpawnsPerSecond <= 0 {
		return fmt.Errorf("streaming.pool.spawns_per_second must be positive")
	}
	if t := c.Streaming.Pool.MemoryGuardThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("streaming.pool.memory_guard_threshold must be in (0, 1]")
	}
	if t := c.Streaming.Pool.PressureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("streaming.pool.pressure_threshold must be in (0, 1]")
	}
	if c.Streaming.Pool.FdGuardReserve < 0 {
		return fmt.Errorf("streaming.pool.fd_guard_reserve must not be negative")
	}

	if c.Streaming.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("streaming.breaker.failure_threshold must be at least 1")
	}
	if c.Streaming.Governor.GlobalRestartsPerWindow < 1 {
		return fmt.Errorf("streaming.governor.global_restarts_per_window must be at least 1")
	}

	validThrottleModes := map[string]bool{"realtime": true, "burst": true, "adaptive": true, "disabled": true}
	if !validThrottleModes[c.Streaming.Throttler.Mode] {
		return fmt.Errorf("streaming.throttler.mode must be one of: realtime, burst, adaptive, disabled")
	}
	if c.Streaming.Throttler.Mode != "disabled" && c.Streaming.Throttler.TargetBitrateBps <= 0 {
		return fmt.Errorf("streaming.throttler.target_bitrate_bps must be positive")
	}

	if c.Streaming.Sessions.MaxPerChannel < 1 {
		return fmt.Errorf("streaming.sessions.max_per_channel must be at least 1")
	}

	if c.Streaming.Runtime.RingSize < 188 {
		return fmt.Errorf("streaming.runtime.ring_size must hold at least one TS packet")
	}

	validVisual := map[string]bool{"text": true, "static": true, "test_pattern": true, "slate": true}
	if !validVisual[c.Streaming.ErrorScreen.Visual] {
		return fmt.Errorf("streaming.error_screen.visual must be one of: text, static, test_pattern, slate")
	}
	validAudio := map[string]bool{"silent": true, "sine": true, "white_noise": true, "beep": true}
	if !validAudio[c.Streaming.ErrorScreen.Audio] {
		return fmt.Errorf("streaming.error_screen.audio must be one of: silent, sine, white_noise, beep")
	}
	if c.Streaming.ErrorScreen.Visual == "slate" && c.Streaming.ErrorScreen.SlatePath == "" {
		return fmt.Errorf("streaming.error_screen.slate_path is required for slate visual mode")
	}

	if !hexDeviceID.MatchString(c.HDHomeRun.DeviceID) {
		return fmt.Errorf("hdhomerun.device_id must be exactly 8 hexadecimal characters")
	}
	if c.HDHomeRun.TunerCount < 1 {
		return fmt.Errorf("hdhomerun.tuner_count must be at least 1")
	}

	if c.EPG.HoursAhead < 1 {
		return fmt.Errorf("epg.hours_ahead must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EffectiveDeviceAuth returns the configured DeviceAuth, falling back to a
// token derived from the device ID when unset.
func (c *HDHomeRunConfig) EffectiveDeviceAuth() string {
	if c.DeviceAuth != "" {
		return c.DeviceAuth
	}
	return strings.ToLower(c.DeviceID)
}
