// Package bootstrap provides dependency initialization for the worker.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/videolens/worker/internal/checkpoint"
	"github.com/videolens/worker/internal/config"
	"github.com/videolens/worker/internal/db"
	"github.com/videolens/worker/internal/media"
	"github.com/videolens/worker/internal/objectstore"
	"github.com/videolens/worker/internal/ocr"
	"github.com/videolens/worker/internal/pipeline"
	"github.com/videolens/worker/internal/ratelimit"
	"github.com/videolens/worker/internal/status"
	"github.com/videolens/worker/internal/transcribe"
)

// Dependencies holds all initialized dependencies for the HTTP server and
// the shutdown coordinator.
type Dependencies struct {
	Orchestrator *pipeline.Orchestrator
	Store        *objectstore.Client
	Statuses     status.Store
	Checkpoints  checkpoint.Store
}

// NewDependencies creates and initializes all dependencies for the worker.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	sqlDB, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	checkpoints, err := checkpoint.NewSQLiteStore(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint store: %w", err)
	}
	statuses, err := status.NewSQLiteStore(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("create status store: %w", err)
	}

	store, err := objectstore.New(objectstore.Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	adapter := media.NewAdapter(cfg.FFmpegPath, cfg.FFprobePath, media.Timeouts{
		Probe:        cfg.ProbeTimeout,
		AudioExtract: cfg.AudioExtractTimeout,
		AudioChunk:   cfg.AudioChunkTimeout,
		SceneDetect:  cfg.SceneDetectTimeout,
		Frame:        cfg.FrameTimeout,
	}, logger)

	transcriber, err := initTranscriber(cfg, adapter, logger)
	if err != nil {
		return nil, err
	}

	ocrEngine, err := initOCR(cfg, logger)
	if err != nil {
		return nil, err
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Store:       store,
		Media:       adapter,
		Transcriber: transcriber,
		OCR:         ocrEngine,
		Status:      statuses,
		Checkpoints: checkpoints,
		Logger:      logger,
	}, pipeline.Options{
		TempDir:            cfg.TempDir,
		SceneThresholds:    cfg.SceneThresholdValues(),
		SceneMinInterval:   cfg.SceneMinInterval,
		MinSceneDuration:   cfg.MinSceneDuration,
		FrameConcurrency:   cfg.FrameConcurrency,
		CheckpointTTL:      cfg.CheckpointTTL,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxResumeRetries:   cfg.MaxResumeRetries,
		ProgressThrottle:   cfg.ProgressThrottle,
		Download: objectstore.RangedOptions{
			ChunkSize:    cfg.DownloadChunkSize,
			Concurrency:  cfg.DownloadConcurrency,
			StallTimeout: cfg.DownloadStallAfter,
		},
	})

	return &Dependencies{
		Orchestrator: orchestrator,
		Store:        store,
		Statuses:     statuses,
		Checkpoints:  checkpoints,
	}, nil
}

// initTranscriber wires the ASR provider and its rate limiter. A missing ASR
// key leaves transcription unconfigured; the stage fails at first use, which
// Config.WarnMissing announces at startup.
func initTranscriber(cfg *config.Config, adapter *media.Adapter, logger *slog.Logger) (*transcribe.Engine, error) {
	var provider transcribe.Provider
	if cfg.ASRAPIKey != "" && cfg.ASRBaseURL != "" {
		p, err := transcribe.NewHTTPProvider("asr", cfg.ASRBaseURL,
			transcribe.WithAPIKey(cfg.ASRAPIKey),
		)
		if err != nil {
			return nil, fmt.Errorf("create ASR provider: %w", err)
		}
		provider = p
	}

	rpm := cfg.ASRRPM
	if rpm <= 0 {
		rpm = 50
	}
	limiter, err := ratelimit.NewLimiter(rpm)
	if err != nil {
		return nil, fmt.Errorf("create ASR limiter: %w", err)
	}

	opts := transcribe.DefaultOptions()
	opts.Chunking = media.ChunkOptions{
		ChunkDuration:          cfg.AudioChunkDuration,
		OverlapDuration:        cfg.AudioChunkOverlap,
		MinDurationForChunking: cfg.MinDurationForChunking,
	}
	opts.VADSensitivity = cfg.VADSensitivity
	opts.MinSpeechDuration = cfg.MinSpeechDuration
	opts.MaxSliceDuration = cfg.MaxASRChunkDuration

	return transcribe.NewEngine(adapter, provider, limiter, opts, logger), nil
}

// initOCR wires the configured OCR providers in priority order.
func initOCR(cfg *config.Config, logger *slog.Logger) (*ocr.Engine, error) {
	var providers []ocr.Provider

	if cfg.OCRPrimaryAPIKey != "" && cfg.OCRPrimaryBaseURL != "" {
		limiter, err := ratelimit.NewLimiter(cfg.OCRPrimaryRPM)
		if err != nil {
			return nil, fmt.Errorf("create primary OCR limiter: %w", err)
		}
		p, err := ocr.NewHTTPProvider("primary", cfg.OCRPrimaryBaseURL, limiter,
			ocr.WithAPIKey(cfg.OCRPrimaryAPIKey),
			ocr.WithPriority(0),
			ocr.WithMaxParallel(cfg.OCRParallelPerWorker),
		)
		if err != nil {
			return nil, fmt.Errorf("create primary OCR provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OCRSecondaryAPIKey != "" && cfg.OCRSecondaryBaseURL != "" {
		limiter, err := ratelimit.NewLimiter(cfg.OCRSecondaryRPM)
		if err != nil {
			return nil, fmt.Errorf("create secondary OCR limiter: %w", err)
		}
		p, err := ocr.NewHTTPProvider("secondary", cfg.OCRSecondaryBaseURL, limiter,
			ocr.WithAPIKey(cfg.OCRSecondaryAPIKey),
			ocr.WithPriority(1),
			ocr.WithMaxParallel(cfg.OCRParallelPerWorker),
		)
		if err != nil {
			return nil, fmt.Errorf("create secondary OCR provider: %w", err)
		}
		providers = append(providers, p)
	}

	set, err := ocr.NewSet(providers, cfg.OCRProviderCooldown)
	if err != nil {
		return nil, fmt.Errorf("create OCR provider set: %w", err)
	}

	opts := ocr.DefaultOptions()
	opts.BatchSize = cfg.OCRBatchSize
	opts.Parallel = cfg.OCRParallelPerWorker
	opts.SaveInterval = cfg.CheckpointInterval
	opts.Retry = ratelimit.RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	}

	return ocr.NewEngine(set, opts, logger), nil
}
