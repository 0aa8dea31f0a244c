package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/franz/screen-recall/internal/util"
)

// EnvPrefix is the prefix for environment overrides (RECALL_DATA_ROOT, ...)
const EnvPrefix = "RECALL"

type Config struct {
	DataRoot string         `mapstructure:"data_root"`
	User     string         `mapstructure:"user"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Encoder  EncoderConfig  `mapstructure:"encoder"`
	Chunks   ChunksConfig   `mapstructure:"chunks"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Events   EventsConfig   `mapstructure:"events"`
}

type CaptureConfig struct {
	// Interval between captured frames; also the playback spacing of frames
	// inside a chunk, so frame offset N sits at N*Interval seconds.
	Interval time.Duration `mapstructure:"interval"`
}

type DedupConfig struct {
	Threshold int `mapstructure:"threshold"`
}

type EncoderConfig struct {
	FFmpeg            string        `mapstructure:"ffmpeg"`
	Codec             string        `mapstructure:"codec"`
	Quality           int           `mapstructure:"quality"`
	Extension         string        `mapstructure:"extension"`
	MaxDimension      int           `mapstructure:"max_dimension"`
	ChunkDuration     time.Duration `mapstructure:"chunk_duration"`
	AspectThreshold   float64       `mapstructure:"aspect_threshold"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	MaxBufferedFrames int           `mapstructure:"max_buffered_frames"`
}

type ChunksConfig struct {
	FFmpeg       string `mapstructure:"ffmpeg"`
	FFprobe      string `mapstructure:"ffprobe"`
	CacheEntries int    `mapstructure:"cache_entries"`
	CacheBytes   int64  `mapstructure:"cache_bytes"`
}

type DatabaseConfig struct {
	File        string        `mapstructure:"file"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	MaxBackups  int           `mapstructure:"max_backups"`
	SQLite3     string        `mapstructure:"sqlite3"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type EventsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DefaultCodec picks the hardware encoder available on the host platform.
func DefaultCodec() string {
	if runtime.GOOS == "darwin" {
		return "h264_videotoolbox"
	}
	return "libx264"
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// SetDefaults registers every key so env overrides work without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_root", defaultDataRoot())
	v.SetDefault("user", "")

	v.SetDefault("capture.interval", 2*time.Second)

	v.SetDefault("dedup.threshold", 5)

	v.SetDefault("encoder.ffmpeg", "ffmpeg")
	v.SetDefault("encoder.codec", DefaultCodec())
	v.SetDefault("encoder.quality", 0) // codec default
	v.SetDefault("encoder.extension", "mp4")
	v.SetDefault("encoder.max_dimension", 1920)
	v.SetDefault("encoder.chunk_duration", 60*time.Second)
	v.SetDefault("encoder.aspect_threshold", 0.20)
	v.SetDefault("encoder.failure_threshold", 5)
	v.SetDefault("encoder.max_buffered_frames", 300)

	v.SetDefault("chunks.ffmpeg", "ffmpeg")
	v.SetDefault("chunks.ffprobe", "ffprobe")
	v.SetDefault("chunks.cache_entries", 64)
	v.SetDefault("chunks.cache_bytes", int64(256<<20))

	v.SetDefault("database.file", "recall.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.max_backups", 3)
	v.SetDefault("database.sqlite3", "sqlite3")

	v.SetDefault("server.addr", "127.0.0.1:7077")
	v.SetDefault("events.dir", "")
}

// Configure applies env handling and defaults to v.
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// Load reads the config file at path (optional) plus environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	Configure(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a Config from an already configured viper.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := FromViper(newDefaultViper())
	if err != nil {
		panic(err) // defaults are constants
	}
	return cfg
}

func newDefaultViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", util.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.DataRoot == "" {
		return invalid("data_root is required")
	}
	if strings.ContainsAny(c.User, `/\`) || c.User == "." || c.User == ".." {
		return invalid("user %q is not a valid directory name", c.User)
	}
	if c.Capture.Interval <= 0 {
		return invalid("capture.interval must be positive")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 64 {
		return invalid("dedup.threshold must be within 0..64")
	}
	if c.Encoder.MaxDimension < 2 {
		return invalid("encoder.max_dimension must be at least 2")
	}
	if c.Encoder.Quality < 0 || c.Encoder.Quality > 100 {
		return invalid("encoder.quality must be within 0..100")
	}
	if c.Encoder.ChunkDuration <= 0 {
		return invalid("encoder.chunk_duration must be positive")
	}
	if c.Encoder.AspectThreshold <= 0 {
		return invalid("encoder.aspect_threshold must be positive")
	}
	if c.Encoder.FailureThreshold < 1 {
		return invalid("encoder.failure_threshold must be at least 1")
	}
	if c.Encoder.MaxBufferedFrames < 1 {
		return invalid("encoder.max_buffered_frames must be at least 1")
	}
	if c.Encoder.Extension == "" || strings.Contains(c.Encoder.Extension, ".") {
		return invalid("encoder.extension must be a bare extension such as mp4")
	}
	if c.Chunks.CacheEntries < 1 {
		return invalid("chunks.cache_entries must be at least 1")
	}
	if c.Chunks.CacheBytes < 1 {
		return invalid("chunks.cache_bytes must be positive")
	}
	if c.Database.File == "" {
		return invalid("database.file is required")
	}
	if c.Database.BusyTimeout <= 0 {
		return invalid("database.busy_timeout must be positive")
	}
	if c.Database.MaxBackups < 1 {
		return invalid("database.max_backups must be at least 1")
	}
	return nil
}

// EventLogDir returns where JSONL event logs are written.
func (c Config) EventLogDir() string {
	if c.Events.Dir != "" {
		return c.Events.Dir
	}
	return filepath.Join(c.DataRoot, "events")
}
