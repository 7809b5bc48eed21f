package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"

	"github.com/maauso/mediasqueeze/internal/capability"
	"github.com/maauso/mediasqueeze/internal/mediaerr"
	"github.com/maauso/mediasqueeze/internal/storage"
)

const (
	// MimeMP4 is the content type of Transcode output.
	MimeMP4 = "video/mp4"
	// MimeGIF is the content type of ConvertToGIF output.
	MimeGIF = "image/gif"

	// gifFilter builds a palette from the clip and maps every frame onto it
	// in one pass.
	gifFilter = "fps=10,scale=480:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse"
)

var _ Processor = (*FFmpegProcessor)(nil)

// ErrEmptyOutput is returned when ffmpeg leaves an empty output file behind.
var ErrEmptyOutput = errors.New("encoder produced no output")

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	store      storage.Storage
	caps       capability.Checker
	policy     ExitPolicy
	logger     *slog.Logger
}

// ProcessorOption configures an FFmpegProcessor.
type ProcessorOption func(*FFmpegProcessor)

// WithTempStore sets where scratch files are created.
func WithTempStore(s storage.Storage) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if s != nil {
			p.store = s
		}
	}
}

// WithCapabilities sets the checker consulted for codec choice.
func WithCapabilities(c capability.Checker) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if c != nil {
			p.caps = c
		}
	}
}

// WithExitPolicy sets how a nonzero ffmpeg exit is treated.
func WithExitPolicy(policy ExitPolicy) ProcessorOption {
	return func(p *FFmpegProcessor) {
		p.policy = policy
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH). Without
// options, scratch files go to the system temp directory, codec choice uses
// the process-wide capability prober and exits are tolerated.
func NewFFmpegProcessor(ffmpegPath string, opts ...ProcessorOption) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{
		ffmpegPath: ffmpegPath,
		store:      storage.SystemTemp(),
		caps:       capability.Default(),
		policy:     ExitTolerant,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capabilities returns the checker used for codec choice.
func (p *FFmpegProcessor) Capabilities() capability.Checker {
	return p.caps
}

// ExitPolicy returns how a non-zero encoder exit is treated.
func (p *FFmpegProcessor) ExitPolicy() ExitPolicy {
	return p.policy
}

// Transcode re-encodes input to HEVC in an MP4 container.
func (p *FFmpegProcessor) Transcode(ctx context.Context, input []byte) ([]byte, error) {
	return p.encode(ctx, "transcode", input, ".mp4", func(in, out string) EncodeJob {
		codec := capability.SelectCodec(p.caps)
		return EncodeJob{
			InputPath:  in,
			OutputPath: out,
			Codec:      codec,
			Args:       transcodeArgs(in, out, codec),
		}
	})
}

// ConvertToGIF renders input as an animated GIF.
func (p *FFmpegProcessor) ConvertToGIF(ctx context.Context, input []byte) ([]byte, error) {
	return p.encode(ctx, "convert to gif", input, ".gif", func(in, out string) EncodeJob {
		return EncodeJob{
			InputPath:  in,
			OutputPath: out,
			Codec:      "gif",
			Args:       gifArgs(in, out),
		}
	})
}

// encode stages input in a scratch file, reserves the output file, runs the
// job built from both paths and returns the output bytes. Both scratch files
// are removed before it returns, whatever the outcome.
func (p *FFmpegProcessor) encode(ctx context.Context, op string, input []byte, ext string, build func(in, out string) EncodeJob) ([]byte, error) {
	var scratch []string
	defer func() {
		// Cleanup must run even when ctx is what failed the call.
		if cerr := p.store.CleanupTemp(context.WithoutCancel(ctx), scratch); cerr != nil {
			p.logger.Warn("scratch cleanup failed",
				slog.String("operation", op),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	inPath, err := p.store.SaveTemp(ctx, "ffmpeg-in", "", bytes.NewReader(input))
	if err != nil {
		return nil, mediaerr.IO(op, err)
	}
	scratch = append(scratch, inPath)

	outPath, err := p.store.ReserveTemp(ctx, "ffmpeg-out", ext)
	if err != nil {
		return nil, mediaerr.IO(op, err)
	}
	scratch = append(scratch, outPath)

	job := build(inPath, outPath)
	logger := p.logger.With(
		slog.String("operation", op),
		slog.String("codec", job.Codec),
		slog.String("input_type", http.DetectContentType(input)),
	)

	if err := p.runFFmpeg(ctx, job.Args); err != nil {
		var ffErr *FFmpegError
		if !errors.As(err, &ffErr) || p.policy == ExitStrict {
			return nil, mediaerr.Subprocess(op, err)
		}
		logger.Warn("ffmpeg exited with nonzero status, reading output anyway",
			slog.Int("exit_code", ffErr.ExitCode),
		)
	}

	out, err := p.readOutput(ctx, job.OutputPath)
	if err != nil {
		return nil, mediaerr.IO(op, err)
	}
	if len(out) == 0 {
		return nil, mediaerr.IO(op, ErrEmptyOutput)
	}

	logger.Debug("ffmpeg finished",
		slog.Int("input_bytes", len(input)),
		slog.Int("output_bytes", len(out)),
	)
	return out, nil
}

func (p *FFmpegProcessor) readOutput(ctx context.Context, path string) ([]byte, error) {
	rc, err := p.store.LoadTemp(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return data, nil
}

func transcodeArgs(in, out, codec string) []string {
	return []string{
		"-y",     // Overwrite the reserved output file
		"-i", in, // Input file, format probed from content
		"-c:v", codec,
		out,
	}
}

func gifArgs(in, out string) []string {
	return []string{
		"-y",
		"-i", in,
		"-vf", gifFilter,
		out,
	}
}

// runFFmpeg executes ffmpeg with the given arguments. Its stdout and stderr
// are discarded. A nonzero exit is reported as *FFmpegError; failure to
// start or a cancelled ctx is reported as a plain error.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &FFmpegError{
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Err:      err,
		}
	}
	return fmt.Errorf("start ffmpeg: %w", err)
}

// FFmpegError is a nonzero exit from ffmpeg.
type FFmpegError struct {
	Args     []string
	ExitCode int
	Err      error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg exited with status %d: args: %v", e.ExitCode, e.Args)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
