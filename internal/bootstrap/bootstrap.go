// Package bootstrap provides dependency initialization for mediasqueeze.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/mediasqueeze/internal/capability"
	"github.com/maauso/mediasqueeze/internal/config"
	"github.com/maauso/mediasqueeze/internal/gemini"
	"github.com/maauso/mediasqueeze/internal/imagecodec"
	"github.com/maauso/mediasqueeze/internal/job"
	"github.com/maauso/mediasqueeze/internal/media"
	"github.com/maauso/mediasqueeze/internal/metrics"
	"github.com/maauso/mediasqueeze/internal/storage"
)

// Dependencies holds all initialized dependencies for the server and CLI.
type Dependencies struct {
	MediaService *job.ProcessMediaService
	Capabilities *capability.Prober
	Processor    *media.FFmpegProcessor
	Codec        *imagecodec.Codec
	Store        storage.Storage
}

// NewDependencies creates and initializes all dependencies for the application.
// The hardware probe is created here but runs on first use.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// One prober per process
	prober := capability.NewProber(cfg.FFmpegPath)

	policy := media.ExitTolerant
	if cfg.TranscodeStrictExit {
		policy = media.ExitStrict
	}
	processor := media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithTempStore(store),
		media.WithCapabilities(prober),
		media.WithExitPolicy(policy),
		media.WithLogger(logger),
	)

	codec := imagecodec.New(
		imagecodec.WithIterations(cfg.LosslessIterations),
		imagecodec.WithLogger(logger),
	)

	opts := []job.ServiceOption{
		job.WithObserver(metrics.NewOperationObserver()),
		job.WithLogger(logger),
	}

	if cfg.UpscaleEnabled() {
		client, err := gemini.NewClient(
			gemini.WithBaseURL(cfg.GeminiBaseURL),
			gemini.WithModel(cfg.GeminiModel),
			gemini.WithImageSize(cfg.UpscaleImageSize),
			gemini.WithCodec(codec),
			gemini.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("create upscale client: %w", err)
		}
		opts = append(opts, job.WithUpscaler(client, cfg.GeminiAPIKey))
		logger.Info("upscale configured",
			slog.String("model", cfg.GeminiModel),
			slog.String("image_size", cfg.UpscaleImageSize),
		)
	}

	svc := job.NewProcessMediaService(job.NewMemoryRepository(), codec, processor, store, opts...)

	return &Dependencies{
		MediaService: svc,
		Capabilities: prober,
		Processor:    processor,
		Codec:        codec,
		Store:        store,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Debug("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
