package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/mediasqueeze/internal/mediaerr"
	"github.com/maauso/mediasqueeze/internal/storage"
)

// Static errors for job service operations.
var (
	// ErrInvalidOperation is returned for an operation name that is not supported.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrUpscaleUnavailable is returned when no upscaler is configured.
	ErrUpscaleUnavailable = errors.New("upscale is not configured")
	// ErrNoResult is returned when a job has no stored result to read.
	ErrNoResult = errors.New("job has no stored result")
)

// ImageCodec re-encodes still images.
type ImageCodec interface {
	ReencodeLossy(data []byte) ([]byte, error)
	ReencodeLossless(data []byte) ([]byte, error)
}

// Transcoder drives the video encoder.
type Transcoder interface {
	Transcode(ctx context.Context, input []byte) ([]byte, error)
	ConvertToGIF(ctx context.Context, input []byte) ([]byte, error)
}

// Upscaler upscales images through a remote model.
type Upscaler interface {
	Upscale(ctx context.Context, image []byte, apiKey string) ([]byte, error)
}

// Observer is told about every finished operation.
type Observer interface {
	ObserveOperation(op Operation, err error, elapsed time.Duration, inputBytes, outputBytes int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(Operation, error, time.Duration, int, int) {}

// CreateJobInput describes a job to create.
type CreateJobInput struct {
	// Operation is what the job will run.
	Operation Operation
	// InputBytes is the size of the input that will be processed.
	InputBytes int
	// PushToS3 uploads the result to S3 instead of keeping it locally.
	PushToS3 bool
}

// ProcessMediaService runs media operations, either directly (Run) or as
// tracked jobs whose results are kept in scratch storage or pushed to S3.
type ProcessMediaService struct {
	repo       Repository
	codec      ImageCodec
	transcoder Transcoder
	upscaler   Upscaler
	apiKey     string
	store      storage.Storage
	observer   Observer
	logger     *slog.Logger

	// mu serializes job finalization against DeleteJob.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ServiceOption configures a ProcessMediaService.
type ServiceOption func(*ProcessMediaService)

// WithUpscaler enables the upscale operation with the given API key.
func WithUpscaler(u Upscaler, apiKey string) ServiceOption {
	return func(s *ProcessMediaService) {
		s.upscaler = u
		s.apiKey = apiKey
	}
}

// WithObserver sets the operation observer, typically metrics.
func WithObserver(o Observer) ServiceOption {
	return func(s *ProcessMediaService) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *ProcessMediaService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewProcessMediaService creates a new ProcessMediaService.
func NewProcessMediaService(repo Repository, codec ImageCodec, transcoder Transcoder, store storage.Storage, opts ...ServiceOption) *ProcessMediaService {
	s := &ProcessMediaService{
		repo:       repo,
		codec:      codec,
		transcoder: transcoder,
		store:      store,
		observer:   nopObserver{},
		logger:     slog.Default(),
		running:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseOperation validates an operation name.
func ParseOperation(name string) (Operation, error) {
	op := Operation(name)
	if !op.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, name)
	}
	return op, nil
}

// Run executes op on input and returns the result. Errors from the media
// packages come back as *mediaerr.Error.
func (s *ProcessMediaService) Run(ctx context.Context, op Operation, input []byte) ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	start := time.Now()
	var (
		out []byte
		err error
	)
	switch op {
	case OpLossy:
		out, err = s.codec.ReencodeLossy(input)
	case OpLossless:
		out, err = s.codec.ReencodeLossless(input)
	case OpTranscode:
		out, err = s.transcoder.Transcode(ctx, input)
	case OpGIF:
		out, err = s.transcoder.ConvertToGIF(ctx, input)
	case OpUpscale:
		if s.upscaler == nil {
			err = ErrUpscaleUnavailable
			break
		}
		out, err = s.upscaler.Upscale(ctx, input, s.apiKey)
	}
	elapsed := time.Since(start)

	s.observer.ObserveOperation(op, err, elapsed, len(input), len(out))
	if err != nil {
		s.logger.Warn("media operation failed",
			slog.String("operation", string(op)),
			slog.String("kind", errorKind(err)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("media operation finished",
		slog.String("operation", string(op)),
		slog.Duration("elapsed", elapsed),
		slog.Int("input_bytes", len(input)),
		slog.Int("output_bytes", len(out)),
	)
	return out, nil
}

// CanUpscale reports whether an upscaler is configured.
func (s *ProcessMediaService) CanUpscale() bool {
	return s.upscaler != nil
}

// CreateJob creates a job in IN_QUEUE status and stores it.
func (s *ProcessMediaService) CreateJob(ctx context.Context, input CreateJobInput) (*Job, error) {
	if !input.Operation.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, input.Operation)
	}

	job := New(input.Operation)
	job.InputBytes = input.InputBytes
	job.PushToS3 = input.PushToS3

	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("operation", string(job.Operation)),
		slog.Int("input_bytes", input.InputBytes),
		slog.Bool("push_to_s3", input.PushToS3),
	)
	return job, nil
}

// ProcessExistingJob runs a stored job to completion. The returned job is
// the final state; the error is the operation's failure, if any. A run cut
// short by ctx ends CANCELLED. A job deleted while running is cancelled and
// ErrJobNotFound is returned.
func (s *ProcessMediaService) ProcessExistingJob(ctx context.Context, jobID string, input []byte) (*Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, err := s.start(ctx, jobID, cancel)
	if err != nil {
		return nil, err
	}
	defer s.untrack(jobID)

	out, runErr := s.Run(ctx, job.Operation, input)
	if runErr != nil {
		if ctx.Err() != nil {
			_ = job.Cancel()
		} else {
			_ = job.Fail(errorKind(runErr), runErr.Error())
		}
		if err := s.finalize(context.WithoutCancel(ctx), job, ""); err != nil {
			return nil, err
		}
		return job, runErr
	}

	mime, ext := job.Operation.OutputType(out)
	job.OutputMime = mime

	path, url, err := s.storeResult(ctx, job, out, ext)
	if err != nil {
		_ = job.Fail("io", err.Error())
		if ferr := s.finalize(context.WithoutCancel(ctx), job, ""); ferr != nil {
			return nil, ferr
		}
		return job, err
	}

	_ = job.Complete(path, len(out), url)
	if err := s.finalize(context.WithoutCancel(ctx), job, path); err != nil {
		return nil, err
	}
	return job, nil
}

// storeResult keeps out in scratch storage, or uploads it when the job asks
// for S3 delivery.
func (s *ProcessMediaService) storeResult(ctx context.Context, job *Job, out []byte, ext string) (path, url string, err error) {
	if job.PushToS3 {
		key := storage.ContentKey("results", out, ext)
		url, err = s.store.UploadToS3(ctx, key, job.OutputMime, bytes.NewReader(out))
		if err != nil {
			return "", "", fmt.Errorf("upload result: %w", err)
		}
		return "", url, nil
	}

	path, err = s.store.SaveTemp(ctx, job.ID, ext, bytes.NewReader(out))
	if err != nil {
		return "", "", fmt.Errorf("save result: %w", err)
	}
	return path, "", nil
}

// finalize saves the terminal job unless it was deleted meanwhile, in which
// case the result file is removed and ErrJobNotFound returned.
func (s *ProcessMediaService) finalize(ctx context.Context, job *Job, resultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.FindByID(ctx, job.ID); errors.Is(err, ErrJobNotFound) {
		if resultPath != "" {
			_ = s.store.CleanupTemp(ctx, []string{resultPath})
		}
		s.logger.Info("job deleted while running", slog.String("job_id", job.ID))
		return ErrJobNotFound
	}

	if err := s.repo.Save(ctx, job); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *ProcessMediaService) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns every job, oldest first.
func (s *ProcessMediaService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// ReadResult returns the stored result bytes of a completed job.
func (s *ProcessMediaService) ReadResult(ctx context.Context, job *Job) ([]byte, error) {
	if job.OutputPath == "" {
		return nil, ErrNoResult
	}
	rc, err := s.store.LoadTemp(ctx, job.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return data, nil
}

// DeleteJob cancels the job if it is running, removes its result file and
// forgets it.
func (s *ProcessMediaService) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if cancel, ok := s.running[id]; ok {
		cancel()
	}

	if job.OutputPath != "" {
		if err := s.store.CleanupTemp(ctx, []string{job.OutputPath}); err != nil {
			s.logger.Warn("failed to remove job result",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job deleted", slog.String("job_id", id))
	return nil
}

// start moves the stored job to RUNNING and registers cancel for DeleteJob.
// Holding mu keeps a concurrent DeleteJob from landing between the lookup and
// the save.
func (s *ProcessMediaService) start(ctx context.Context, id string, cancel context.CancelFunc) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := job.Start(); err != nil {
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	s.running[id] = cancel
	return job, nil
}

func (s *ProcessMediaService) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// errorKind names the failure class recorded on a failed job.
func errorKind(err error) string {
	if k := mediaerr.KindOf(err); k != 0 {
		return k.String()
	}
	return "internal"
}
