// Package config handles configuration loading, validation, and management for suisd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Engine configures the frame loop and dispatcher.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Ranking configures how handlers are ordered for a method.
	Ranking RankingConfig `toml:"ranking" json:"ranking" yaml:"ranking"`

	// Datamap configures datamap limits and per-kind schemas.
	Datamap DatamapConfig `toml:"datamap" json:"datamap" yaml:"datamap"`

	// Journal configures the SQLite dispatch journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Metrics configures the metrics and health HTTP endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// EngineConfig holds frame loop and dispatch settings.
type EngineConfig struct {
	// FrameRate is the number of frames per second run by the frame loop.
	FrameRate int `toml:"frame_rate" json:"frame_rate" yaml:"frame_rate"`

	// Workers bounds how many methods are dispatched concurrently.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// HandlerTimeoutMs bounds a single input delivery.
	HandlerTimeoutMs int `toml:"handler_timeout_ms" json:"handler_timeout_ms" yaml:"handler_timeout_ms"`

	// FrameTimeoutMs bounds how long the frame event waits on handlers.
	FrameTimeoutMs int `toml:"frame_timeout_ms" json:"frame_timeout_ms" yaml:"frame_timeout_ms"`

	// MailboxSize is the per-handler queue length.
	MailboxSize int `toml:"mailbox_size" json:"mailbox_size" yaml:"mailbox_size"`

	// BufferSize is the number of registry mutations that can be staged between frames.
	BufferSize int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`
}

// RankingConfig holds distance ranking settings.
type RankingConfig struct {
	// Policy is the default distance policy: "onion_skin" or "signed".
	Policy string `toml:"policy" json:"policy" yaml:"policy"`

	// RayMarch enables sphere tracing along pointer rays.
	RayMarch bool `toml:"ray_march" json:"ray_march" yaml:"ray_march"`

	// RayMaxLength is how far along the ray to march.
	RayMaxLength float64 `toml:"ray_max_length" json:"ray_max_length" yaml:"ray_max_length"`

	// RayMarchSteps caps the number of march steps per handler.
	RayMarchSteps int `toml:"ray_march_steps" json:"ray_march_steps" yaml:"ray_march_steps"`

	// RayMinStep is the smallest step taken, and the hit threshold.
	RayMinStep float64 `toml:"ray_min_step" json:"ray_min_step" yaml:"ray_min_step"`
}

// DatamapConfig holds datamap validation settings.
type DatamapConfig struct {
	// MaxBytes is the largest accepted datamap encoding.
	MaxBytes int `toml:"max_bytes" json:"max_bytes" yaml:"max_bytes"`

	// MaxDepth is the deepest accepted nesting.
	MaxDepth int `toml:"max_depth" json:"max_depth" yaml:"max_depth"`

	// Schemas maps a method kind ("pointer", "hand", "tip") to a JSON Schema file.
	Schemas map[string]string `toml:"schemas" json:"schemas" yaml:"schemas"`
}

// JournalConfig holds dispatch journal settings.
type JournalConfig struct {
	// Enabled turns journaling on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// KeepFrames is how many recent frames to retain. Zero keeps everything.
	KeepFrames int `toml:"keep_frames" json:"keep_frames" yaml:"keep_frames"`
}

// MetricsConfig holds metrics and health endpoint settings.
type MetricsConfig struct {
	// Enabled starts the HTTP endpoint.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address for /metrics and /healthz.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// StaleAfterMs marks the frame loop unhealthy when no frame completed for this long.
	StaleAfterMs int `toml:"stale_after_ms" json:"stale_after_ms" yaml:"stale_after_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Engine: EngineConfig{
			FrameRate:        60,
			Workers:          4,
			HandlerTimeoutMs: 5,
			FrameTimeoutMs:   20,
			MailboxSize:      64,
			BufferSize:       4096,
		},
		Ranking: RankingConfig{
			Policy:        "onion_skin",
			RayMarch:      true,
			RayMaxLength:  100,
			RayMarchSteps: 64,
			RayMinStep:    0.001,
		},
		Datamap: DatamapConfig{
			MaxBytes: 64 * 1024,
			MaxDepth: 16,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Path:       paths.JournalFile,
			KeepFrames: 36000,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:9464",
			StaleAfterMs: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   paths.LogFile,
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(GetDefaultPaths().ConfigDir, "config.toml")
}

// Load reads configuration from the specified path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. Warnings alone do not fail it.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SUIS_ and use underscores.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidationErrors

	intVar := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %q", v)})
			return
		}
		*dst = n
	}
	boolVar := func(name string, dst *bool) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: name, Message: fmt.Sprintf("not a boolean: %q", v)})
			return
		}
		*dst = b
	}
	stringVar := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	// Engine overrides
	intVar("SUIS_FRAME_RATE", &c.Engine.FrameRate)
	intVar("SUIS_WORKERS", &c.Engine.Workers)
	intVar("SUIS_HANDLER_TIMEOUT_MS", &c.Engine.HandlerTimeoutMs)

	// Ranking overrides
	stringVar("SUIS_RANKING_POLICY", &c.Ranking.Policy)
	boolVar("SUIS_RAY_MARCH", &c.Ranking.RayMarch)

	// Journal overrides
	boolVar("SUIS_JOURNAL_ENABLED", &c.Journal.Enabled)
	stringVar("SUIS_JOURNAL_PATH", &c.Journal.Path)

	// Metrics overrides
	boolVar("SUIS_METRICS_ENABLED", &c.Metrics.Enabled)
	stringVar("SUIS_METRICS_ADDR", &c.Metrics.ListenAddr)

	// Logging overrides
	stringVar("SUIS_LOG_LEVEL", &c.Logging.Level)
	stringVar("SUIS_LOG_FORMAT", &c.Logging.Format)
	stringVar("SUIS_LOG_PATH", &c.Logging.FilePath)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errs)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Datamap.Schemas != nil {
		clone.Datamap.Schemas = make(map[string]string, len(c.Datamap.Schemas))
		for k, v := range c.Datamap.Schemas {
			clone.Datamap.Schemas[k] = v
		}
	}
	return &clone
}

// FrameInterval is the time between frames.
func (c *Config) FrameInterval() time.Duration {
	if c.Engine.FrameRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.Engine.FrameRate)
}

// HandlerTimeout returns Engine.HandlerTimeoutMs as a duration.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Engine.HandlerTimeoutMs) * time.Millisecond
}

// FrameTimeout returns Engine.FrameTimeoutMs as a duration.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Engine.FrameTimeoutMs) * time.Millisecond
}

// StaleAfter returns Metrics.StaleAfterMs as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Metrics.StaleAfterMs) * time.Millisecond
}

// SchemaPath resolves a schema path relative to the directory of the config file.
func SchemaPath(configPath, schema string) string {
	schema = expandPath(schema)
	if filepath.IsAbs(schema) || configPath == "" {
		return schema
	}
	return filepath.Join(filepath.Dir(configPath), schema)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
