package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/studio/internal/app/merge"
	"github.com/dkeye/studio/internal/core"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	Port        int    `mapstructure:"port"`
	StaticPath  string `mapstructure:"static_path"`
	LogLevel    string `mapstructure:"log_level"`
	DataDir     string `mapstructure:"data_dir"`
	Secret      string `mapstructure:"secret"`
	SecretParam string `mapstructure:"secret_param"`
	AWSRegion   string `mapstructure:"aws_region"`

	Signal     SignalConfig     `mapstructure:"signal"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	Merge      MergeConfig      `mapstructure:"merge"`
}

type SignalConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	DropBudget int           `mapstructure:"drop_budget"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type StorageConfig struct {
	// Backend is "badger" or "s3".
	Backend   string `mapstructure:"backend"`
	BadgerDir string `mapstructure:"badger_dir"`
	Bucket    string `mapstructure:"bucket"`
	// Endpoint overrides the S3 endpoint (MinIO, localstack).
	Endpoint string `mapstructure:"endpoint"`
}

type SessionsConfig struct {
	// Backend is "sqlite" or "dynamodb".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Table   string `mapstructure:"table"`
}

type QueueConfig struct {
	Path              string        `mapstructure:"path"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

type WorkersConfig struct {
	Reassembly int `mapstructure:"reassembly"`
	Merge      int `mapstructure:"merge"`
	Prefetch   int `mapstructure:"prefetch"`
}

type RecordingConfig struct {
	AutoMerge          bool   `mapstructure:"auto_merge"`
	AwaitStop          bool   `mapstructure:"await_stop"`
	RequireOpenSession bool   `mapstructure:"require_open_session"`
	DeleteChunks       bool   `mapstructure:"delete_chunks"`
	ScratchDir         string `mapstructure:"scratch_dir"`
	MinArtifactBytes   int64  `mapstructure:"min_artifact_bytes"`
}

type TranscoderConfig struct {
	Binary string       `mapstructure:"binary"`
	Track  core.Profile `mapstructure:"track"`
	Merged core.Profile `mapstructure:"merged"`
}

type MergeConfig struct {
	Canvas    merge.Size `mapstructure:"canvas"`
	Cell      merge.Size `mapstructure:"cell"`
	FrameRate int        `mapstructure:"frame_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("secret", "")
	v.SetDefault("secret_param", "")
	v.SetDefault("aws_region", "")

	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.drop_budget", 16)
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_window", "1s")

	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.badger_dir", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.endpoint", "")

	v.SetDefault("sessions.backend", "sqlite")
	v.SetDefault("sessions.path", "")
	v.SetDefault("sessions.table", "")

	v.SetDefault("queue.path", "")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.poll_interval", "2s")
	v.SetDefault("queue.heartbeat_interval", "15s")
	v.SetDefault("queue.retry_backoff", "10s")

	v.SetDefault("workers.reassembly", 2)
	v.SetDefault("workers.merge", 1)
	v.SetDefault("workers.prefetch", 4)

	v.SetDefault("recording.auto_merge", true)
	v.SetDefault("recording.await_stop", true)
	v.SetDefault("recording.require_open_session", false)
	v.SetDefault("recording.delete_chunks", true)
	v.SetDefault("recording.scratch_dir", "")
	v.SetDefault("recording.min_artifact_bytes", 1024)

	v.SetDefault("transcoder.binary", "ffmpeg")
	v.SetDefault("transcoder.track.video_codec", "libvpx")
	v.SetDefault("transcoder.track.video_bitrate", "1M")
	v.SetDefault("transcoder.track.audio_codec", "libvorbis")
	v.SetDefault("transcoder.track.audio_bitrate", "128k")
	v.SetDefault("transcoder.track.format", "webm")
	v.SetDefault("transcoder.merged.video_codec", "libvpx")
	v.SetDefault("transcoder.merged.video_bitrate", "2M")
	v.SetDefault("transcoder.merged.audio_codec", "libvorbis")
	v.SetDefault("transcoder.merged.audio_bitrate", "128k")
	v.SetDefault("transcoder.merged.format", "webm")

	v.SetDefault("merge.canvas.width", 1280)
	v.SetDefault("merge.canvas.height", 720)
	v.SetDefault("merge.cell.width", 640)
	v.SetDefault("merge.cell.height", 480)
	v.SetDefault("merge.frame_rate", 30)
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults; a missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPaths() {
	if c.Storage.BadgerDir == "" {
		c.Storage.BadgerDir = filepath.Join(c.DataDir, "objects")
	}
	if c.Sessions.Path == "" {
		c.Sessions.Path = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.DataDir, "queue.db")
	}
	if c.Recording.ScratchDir == "" {
		c.Recording.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
}

// UsesAWS reports whether any configured backend needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.Storage.Backend == "s3" || c.Sessions.Backend == "dynamodb" || c.SecretParam != ""
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "release", "debug", "test":
	default:
		errs = append(errs, fmt.Errorf("mode: unknown value %q", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: out of range %d", c.Port))
	}
	switch c.Storage.Backend {
	case "badger":
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket: required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown value %q", c.Storage.Backend))
	}
	switch c.Sessions.Backend {
	case "sqlite":
	case "dynamodb":
		if c.Sessions.Table == "" {
			errs = append(errs, errors.New("sessions.table: required for dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend: unknown value %q", c.Sessions.Backend))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts: must be positive"))
	}
	if c.Workers.Reassembly <= 0 || c.Workers.Merge <= 0 {
		errs = append(errs, errors.New("workers: lane concurrency must be positive"))
	}
	if c.Recording.MinArtifactBytes <= 0 {
		errs = append(errs, errors.New("recording.min_artifact_bytes: must be positive"))
	}
	if c.Merge.Canvas.W < c.Merge.Cell.W || c.Merge.Canvas.H < c.Merge.Cell.H {
		errs = append(errs, errors.New("merge: canvas must be at least one cell"))
	}
	if c.Merge.Cell.W <= 0 || c.Merge.Cell.H <= 0 || c.Merge.FrameRate <= 0 {
		errs = append(errs, errors.New("merge: cell size and frame rate must be positive"))
	}
	if c.Signal.SendBuffer <= 0 {
		errs = append(errs, errors.New("signal.send_buffer: must be positive"))
	}
	return errors.Join(errs...)
}
