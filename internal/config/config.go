// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrGeminiAPIKeyRequired is returned when upscaling is requested without GEMINI_API_KEY.
var ErrGeminiAPIKeyRequired = errors.New("config: GEMINI_API_KEY is required for upscale")

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port        int   `env:"PORT, default=8080" json:"port"`
	MaxUploadMB int64 `env:"MAX_UPLOAD_MB, default=512" json:"max_upload_mb"`

	// Upscale settings
	GeminiAPIKey     string `env:"GEMINI_API_KEY" json:"-"` // Masked in JSON
	GeminiBaseURL    string `env:"GEMINI_BASE_URL, default=https://generativelanguage.googleapis.com" json:"gemini_base_url"`
	GeminiModel      string `env:"GEMINI_MODEL, default=gemini-3-pro-image-preview" json:"gemini_model"`
	UpscaleImageSize string `env:"UPSCALE_IMAGE_SIZE, default=4K" json:"upscale_image_size"`

	// Encoder settings
	FFmpegPath          string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	TranscodeStrictExit bool   `env:"TRANSCODE_STRICT_EXIT, default=false" json:"transcode_strict_exit"`
	LosslessIterations  int    `env:"LOSSLESS_ITERATIONS, default=15" json:"lossless_iterations"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/mediasqueeze" json:"temp_dir"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// UpscaleEnabled returns true if an API key for the upscale model is set.
func (c *Config) UpscaleEnabled() bool {
	return c.GeminiAPIKey != ""
}

// MaxUploadBytes is the request body cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	return LoadFrom(envconfig.OsLookuper())
}

// LoadFrom reads configuration from the given lookuper.
func LoadFrom(l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// RequireGeminiKey checks that the upscale API key is present.
func (c *Config) RequireGeminiKey() error {
	if c.GeminiAPIKey == "" {
		return ErrGeminiAPIKeyRequired
	}
	return nil
}

// NewLogger creates a structured logger writing to stdout.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo creates a structured logger writing to w.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, MaxUploadMB: %d, GeminiAPIKey: %s, GeminiBaseURL: %s, GeminiModel: %s, UpscaleImageSize: %s, FFmpegPath: %s, TranscodeStrictExit: %t, LosslessIterations: %d, TempDir: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.MaxUploadMB,
		mask(c.GeminiAPIKey),
		c.GeminiBaseURL,
		c.GeminiModel,
		c.UpscaleImageSize,
		c.FFmpegPath,
		c.TranscodeStrictExit,
		c.LosslessIterations,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "***"
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
