// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrWorkerSecretRequired is returned when WORKER_SECRET is not set.
	ErrWorkerSecretRequired = errors.New("config: WORKER_SECRET is required")
	// ErrOCRProviderRequired is returned when no OCR provider key is set.
	ErrOCRProviderRequired = errors.New("config: at least one OCR provider API key is required")
	// ErrObjectStoreRequired is returned when object-store credentials are not set.
	ErrObjectStoreRequired = errors.New("config: object-store bucket and credentials are required")
)

// Config holds all configuration for the worker.
type Config struct {
	// Server settings
	Port         int    `env:"PORT, default=8080" json:"port"`
	WorkerSecret string `env:"WORKER_SECRET" json:"-"` // Masked in JSON

	// Object store settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION, default=auto" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Checkpoint/status database
	DBPath string `env:"CHECKPOINT_DB_PATH, default=/var/lib/videolens/worker.db" json:"db_path"`

	// ASR provider
	ASRAPIKey  string `env:"ASR_API_KEY" json:"-"` // Masked in JSON
	ASRBaseURL string `env:"ASR_BASE_URL" json:"asr_base_url,omitempty"`
	ASRRPM     int    `env:"ASR_RPM, default=50" json:"asr_rpm"`

	// OCR providers, priority order: primary first.
	OCRPrimaryAPIKey     string        `env:"OCR_PRIMARY_API_KEY" json:"-"` // Masked in JSON
	OCRPrimaryBaseURL    string        `env:"OCR_PRIMARY_BASE_URL" json:"ocr_primary_base_url,omitempty"`
	OCRPrimaryRPM        int           `env:"OCR_PRIMARY_RPM, default=60" json:"ocr_primary_rpm"`
	OCRSecondaryAPIKey   string        `env:"OCR_SECONDARY_API_KEY" json:"-"` // Masked in JSON
	OCRSecondaryBaseURL  string        `env:"OCR_SECONDARY_BASE_URL" json:"ocr_secondary_base_url,omitempty"`
	OCRSecondaryRPM      int           `env:"OCR_SECONDARY_RPM, default=30" json:"ocr_secondary_rpm"`
	OCRProviderCooldown  time.Duration `env:"OCR_PROVIDER_COOLDOWN, default=60s" json:"ocr_provider_cooldown"`
	OCRBatchSize         int           `env:"OCR_BATCH_SIZE, default=100" json:"ocr_batch_size"`
	OCRParallelPerWorker int           `env:"OCR_PARALLEL_PER_PROVIDER, default=3" json:"ocr_parallel_per_provider"`

	// Media toolchain
	FFmpegPath          string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath         string        `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	ProbeTimeout        time.Duration `env:"PROBE_TIMEOUT, default=60s" json:"probe_timeout"`
	AudioExtractTimeout time.Duration `env:"AUDIO_EXTRACT_TIMEOUT, default=20m" json:"audio_extract_timeout"`
	AudioChunkTimeout   time.Duration `env:"AUDIO_CHUNK_TIMEOUT, default=60s" json:"audio_chunk_timeout"`
	SceneDetectTimeout  time.Duration `env:"SCENE_DETECT_TIMEOUT, default=45m" json:"scene_detect_timeout"`
	FrameTimeout        time.Duration `env:"FRAME_TIMEOUT, default=30s" json:"frame_timeout"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT, default=60s" json:"provider_timeout"`

	// Scene detection tuning
	SceneThresholds  string  `env:"SCENE_THRESHOLDS, default=0.02,0.05,0.08" json:"scene_thresholds"`
	SceneMinInterval float64 `env:"SCENE_MIN_INTERVAL, default=2.0" json:"scene_min_interval"`
	MinSceneDuration float64 `env:"MIN_SCENE_DURATION, default=0.8" json:"min_scene_duration"`

	// Transcription tuning
	VADSensitivity         float64 `env:"VAD_SENSITIVITY, default=0.3" json:"vad_sensitivity"`
	MinSpeechDuration      float64 `env:"MIN_SPEECH_DURATION, default=0.10" json:"min_speech_duration"`
	MaxASRChunkDuration    float64 `env:"MAX_ASR_CHUNK_DURATION, default=10" json:"max_asr_chunk_duration"`
	AudioChunkDuration     float64 `env:"AUDIO_CHUNK_DURATION, default=300" json:"audio_chunk_duration"`
	AudioChunkOverlap      float64 `env:"AUDIO_CHUNK_OVERLAP, default=1" json:"audio_chunk_overlap"`
	MinDurationForChunking float64 `env:"MIN_DURATION_FOR_CHUNKING, default=600" json:"min_duration_for_chunking"`

	// Download tuning
	DownloadChunkSize   int64         `env:"DOWNLOAD_CHUNK_SIZE, default=8388608" json:"download_chunk_size"`
	DownloadConcurrency int           `env:"DOWNLOAD_CONCURRENCY, default=4" json:"download_concurrency"`
	DownloadStallAfter  time.Duration `env:"DOWNLOAD_STALL_TIMEOUT, default=45s" json:"download_stall_timeout"`

	// Pipeline settings
	FrameConcurrency   int           `env:"FRAME_CONCURRENCY, default=4" json:"frame_concurrency"`
	CheckpointInterval int           `env:"CHECKPOINT_INTERVAL, default=10" json:"checkpoint_interval"`
	CheckpointTTL      time.Duration `env:"CHECKPOINT_TTL, default=168h" json:"checkpoint_ttl"`
	MaxResumeRetries   int           `env:"MAX_RESUME_RETRIES, default=3" json:"max_resume_retries"`
	ProgressThrottle   time.Duration `env:"PROGRESS_THROTTLE, default=2s" json:"progress_throttle"`
	ShutdownGrace      time.Duration `env:"SHUTDOWN_GRACE, default=3s" json:"shutdown_grace"`

	// Storage settings
	TempDir string `env:"TEMP_DIR" json:"temp_dir"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
// Missing optional keys are tolerated here; Validate enforces the keys that
// must be present at process start.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "videolens")
	}
	return cfg, nil
}

// Validate checks the keys that must be present at process start:
// the worker secret, at least one OCR provider key, and object-store
// credentials. Everything else warns at startup and fails at first use.
func (c *Config) Validate() error {
	if c.WorkerSecret == "" {
		return ErrWorkerSecretRequired
	}
	if c.OCRPrimaryAPIKey == "" && c.OCRSecondaryAPIKey == "" {
		return ErrOCRProviderRequired
	}
	if c.S3Bucket == "" || c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" {
		return ErrObjectStoreRequired
	}
	return nil
}

// WarnMissing logs a warning for each optional key whose absence degrades
// the pipeline (the corresponding stage fails at first use).
func (c *Config) WarnMissing(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.ASRAPIKey == "" {
		logger.Warn("ASR_API_KEY not set; transcription will fail at first use")
	}
	if c.OCRSecondaryAPIKey == "" {
		logger.Warn("OCR_SECONDARY_API_KEY not set; no OCR failover target")
	}
}

// SceneThresholdValues parses the comma-separated scene detection thresholds.
// Unparseable values fall back to the calibrated defaults.
func (c *Config) SceneThresholdValues() []float64 {
	parts := strings.Split(c.SceneThresholds, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []float64{0.02, 0.05, 0.08}
	}
	return out
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values
// masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, S3Bucket: %s, S3Region: %s, DBPath: %s, TempDir: %s, OCRBatchSize: %d, CheckpointInterval: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.S3Bucket,
		c.S3Region,
		c.DBPath,
		c.TempDir,
		c.OCRBatchSize,
		c.CheckpointInterval,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
