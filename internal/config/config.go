// Package config provides configuration management for recordarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 10
	defaultMaxIdleConns     = 5
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultTickInterval     = 5 * time.Minute
	defaultPingInterval     = 15 * time.Minute
	defaultRetryDelay       = 30 * time.Second
	defaultUsageInterval    = time.Minute
	defaultPollInterval     = 30 * time.Second
	defaultEndOfLifeGrace   = 60 * time.Second
	defaultDrainPoll        = 5 * time.Second
	defaultDrainTimeout     = 120 * time.Second
	defaultFailsafeTimeout  = 8 * time.Hour
	defaultFailsafeGrace    = 10 * time.Second
	defaultProbeTimeout     = 15 * time.Second
	defaultChunkDuration    = 300
	defaultWebhookTimeout   = 5 * time.Second
	defaultUploadTimeout    = 10 * time.Minute
	defaultStaleWorkDirAge  = time.Hour
	defaultProbeUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultSegmentPattern   = "segment_%05d.ts"
	defaultStreamQuality    = QualityHighest
	defaultArtifactFileName = "recording.ts"
)

// Quality preferences accepted by streams[].quality besides a numeric bandwidth.
const (
	QualityLowest  = "lowest"
	QualityHighest = "highest"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Streams   []StreamConfig  `mapstructure:"streams"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	WorkDir   string `mapstructure:"work_dir"`
	OutputDir string `mapstructure:"output_dir"`
	// StaleWorkDirAge is how old a leftover work directory must be before
	// startup cleanup removes it.
	StaleWorkDirAge time.Duration `mapstructure:"stale_work_dir_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SchedulerConfig holds the stream scheduler timers.
type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	UsageInterval time.Duration `mapstructure:"usage_interval"`
}

// CaptureConfig holds segmentation engine timing.
type CaptureConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	EndOfLifeGrace    time.Duration `mapstructure:"end_of_life_grace"`
	DrainPollInterval time.Duration `mapstructure:"drain_poll_interval"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	FailsafeTimeout   time.Duration `mapstructure:"failsafe_timeout"`
	FailsafeGrace     time.Duration `mapstructure:"failsafe_grace"`
	SegmentPattern    string        `mapstructure:"segment_pattern"`
	ArtifactFileName  string        `mapstructure:"artifact_file_name"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath    string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	ProbePath     string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = auto-detect)
	LogLevel      string `mapstructure:"log_level"`
	StderrLog     bool   `mapstructure:"stderr_log"` // Write ffmpeg stderr into the work dir
	InputOptions  string `mapstructure:"input_options"`
	OutputOptions string `mapstructure:"output_options"`
}

// ProbeConfig holds availability prober and manifest fetch settings.
type ProbeConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// UploadConfig holds artifact upload configuration.
type UploadConfig struct {
	Provider        string        `mapstructure:"provider"` // none, local, http
	Endpoint        string        `mapstructure:"endpoint"`
	Token           string        `mapstructure:"token"`
	PublicDir       string        `mapstructure:"public_dir"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	DeleteOnFailure bool          `mapstructure:"delete_on_failure"`
}

// WebhookConfig holds event notification configuration.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig describes one recorded source.
type StreamConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Upload enables upload of segments and the final artifact.
	Upload bool `mapstructure:"upload"`
	// ChunkDuration is the target segment length in seconds.
	ChunkDuration int `mapstructure:"chunk_duration"`
	// Quality is "lowest", "highest", or a target bandwidth in bits per second.
	Quality string `mapstructure:"quality"`
}

// ChunkDurationValue returns the target segment length as a duration.
func (s StreamConfig) ChunkDurationValue() time.Duration {
	return time.Duration(s.ChunkDuration) * time.Second
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RECORDARR_ and use underscores for nesting.
// Example: RECORDARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/recordarr")
		v.AddConfigPath("$HOME/.recordarr")
	}

	v.SetEnvPrefix("RECORDARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates a configuration from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyStreamDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "recordarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.work_dir", "work")
	v.SetDefault("storage.output_dir", "recordings")
	v.SetDefault("storage.stale_work_dir_age", defaultStaleWorkDirAge)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", defaultTickInterval)
	v.SetDefault("scheduler.ping_interval", defaultPingInterval)
	v.SetDefault("scheduler.retry_delay", defaultRetryDelay)
	v.SetDefault("scheduler.usage_interval", defaultUsageInterval)

	// Capture defaults
	v.SetDefault("capture.poll_interval", defaultPollInterval)
	v.SetDefault("capture.end_of_life_grace", defaultEndOfLifeGrace)
	v.SetDefault("capture.drain_poll_interval", defaultDrainPoll)
	v.SetDefault("capture.drain_timeout", defaultDrainTimeout)
	v.SetDefault("capture.failsafe_timeout", defaultFailsafeTimeout)
	v.SetDefault("capture.failsafe_grace", defaultFailsafeGrace)
	v.SetDefault("capture.segment_pattern", defaultSegmentPattern)
	v.SetDefault("capture.artifact_file_name", defaultArtifactFileName)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.log_level", "info")
	v.SetDefault("ffmpeg.stderr_log", false)
	v.SetDefault("ffmpeg.input_options", "")
	v.SetDefault("ffmpeg.output_options", "")

	// Probe defaults
	v.SetDefault("probe.timeout", defaultProbeTimeout)
	v.SetDefault("probe.user_agent", defaultProbeUserAgent)

	// Upload defaults
	v.SetDefault("upload.provider", "none")
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.token", "")
	v.SetDefault("upload.public_dir", "")
	v.SetDefault("upload.public_base_url", "")
	v.SetDefault("upload.timeout", defaultUploadTimeout)
	v.SetDefault("upload.retry_attempts", 0)
	v.SetDefault("upload.delete_on_failure", false)

	// Webhook defaults
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", defaultWebhookTimeout)
}

// applyStreamDefaults fills per-stream values viper cannot default inside a list.
func (c *Config) applyStreamDefaults() {
	for i := range c.Streams {
		if c.Streams[i].ChunkDuration == 0 {
			c.Streams[i].ChunkDuration = defaultChunkDuration
		}
		if c.Streams[i].Quality == "" {
			c.Streams[i].Quality = defaultStreamQuality
		}
		c.Streams[i].Quality = strings.ToLower(strings.TrimSpace(c.Streams[i].Quality))
	}
}

// Validate checks the configuration for errors.
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

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	intervals := map[string]time.Duration{
		"scheduler.tick_interval":     c.Scheduler.TickInterval,
		"scheduler.ping_interval":     c.Scheduler.PingInterval,
		"scheduler.retry_delay":       c.Scheduler.RetryDelay,
		"capture.poll_interval":       c.Capture.PollInterval,
		"capture.drain_poll_interval": c.Capture.DrainPollInterval,
		"capture.drain_timeout":       c.Capture.DrainTimeout,
		"capture.failsafe_timeout":    c.Capture.FailsafeTimeout,
	}
	for key, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than zero", key)
		}
	}

	validProviders := map[string]bool{"none": true, "local": true, "http": true}
	if !validProviders[c.Upload.Provider] {
		return fmt.Errorf("upload.provider must be one of: none, local, http")
	}
	if c.Upload.Provider == "http" && c.Upload.Endpoint == "" {
		return fmt.Errorf("upload.endpoint is required for the http provider")
	}
	if c.Upload.Provider == "local" && c.Upload.PublicDir == "" {
		return fmt.Errorf("upload.public_dir is required for the local provider")
	}
	if c.Upload.RetryAttempts < 0 {
		return fmt.Errorf("upload.retry_attempts must not be negative")
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("streams[%d]: duplicate stream name %q", i, s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// Validate checks a single stream definition.
func (s StreamConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\`) || s.Name == "." || s.Name == ".." {
		return fmt.Errorf("name %q must be usable as a directory name", s.Name)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if s.ChunkDuration < 1 {
		return fmt.Errorf("chunk_duration must be at least 1 second")
	}
	if _, _, err := ParseQuality(s.Quality); err != nil {
		return err
	}
	return nil
}

// ParseQuality interprets a quality preference. It returns the keyword
// (lowest or highest) or, for numeric preferences, an empty keyword and the
// target bandwidth.
func ParseQuality(q string) (string, int, error) {
	switch q {
	case QualityLowest, QualityHighest:
		return q, 0, nil
	case "":
		return defaultStreamQuality, 0, nil
	}
	bw, err := strconv.Atoi(q)
	if err != nil || bw <= 0 {
		return "", 0, fmt.Errorf("quality must be lowest, highest, or a positive bandwidth, got %q", q)
	}
	return "", bw, nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkPath returns the root of the per-stream working directories.
func (c *StorageConfig) WorkPath() string {
	return filepath.Join(c.BaseDir, c.WorkDir)
}

// OutputPath returns the root of the durable recording directories.
func (c *StorageConfig) OutputPath() string {
	return filepath.Join(c.BaseDir, c.OutputDir)
}

// StreamWorkPath returns the private working directory for a stream.
func (c *StorageConfig) StreamWorkPath(stream string) string {
	return filepath.Join(c.WorkPath(), stream)
}
