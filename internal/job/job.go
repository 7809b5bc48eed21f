// Package job tracks asynchronous media operations. A Job records which
// operation ran, where it is in its lifecycle and where its result went.
package job

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/mediasqueeze/internal/imagecodec"
	"github.com/maauso/mediasqueeze/internal/job/id"
)

// Operation names a media operation a job can run.
type Operation string

const (
	// OpLossy re-encodes an image as JPEG.
	OpLossy Operation = "lossy"
	// OpLossless re-encodes an image as a maximally compressed PNG.
	OpLossless Operation = "lossless"
	// OpUpscale sends an image to the upscale model.
	OpUpscale Operation = "upscale"
	// OpTranscode re-encodes a video as HEVC/MP4.
	OpTranscode Operation = "transcode"
	// OpGIF renders a video as an animated GIF.
	OpGIF Operation = "gif"
)

// Operations lists every supported operation.
var Operations = []Operation{OpLossy, OpLossless, OpUpscale, OpTranscode, OpGIF}

// IsValid returns true if the operation is supported.
func (o Operation) IsValid() bool {
	return slices.Contains(Operations, o)
}

// MimeType returns the content type of the operation's output.
func (o Operation) MimeType() string {
	switch o {
	case OpLossy:
		return "image/jpeg"
	case OpLossless, OpUpscale:
		return "image/png"
	case OpTranscode:
		return "video/mp4"
	case OpGIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// Ext returns the file extension of the operation's output.
func (o Operation) Ext() string {
	switch o {
	case OpLossy:
		return ".jpg"
	case OpLossless, OpUpscale:
		return ".png"
	case OpTranscode:
		return ".mp4"
	case OpGIF:
		return ".gif"
	default:
		return ".bin"
	}
}

// OutputType returns the content type and file extension of out, a result
// of o. Upscale results are typed by content because the model picks the
// format it answers with; unrecognized content keeps the PNG default.
func (o Operation) OutputType(out []byte) (mime, ext string) {
	if o == OpUpscale {
		if format, err := imagecodec.Sniff(out); err == nil {
			if format == "jpeg" {
				return "image/jpeg", ".jpg"
			}
			return "image/" + format, "." + format
		}
	}
	return o.MimeType(), o.Ext()
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job is created but not started.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the operation is executing.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the operation returned an error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was deleted before it finished.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Job is one asynchronous media operation.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Operation is what the job runs.
	Operation Operation
	// Status is the current job state.
	Status Status
	// Error is the failure message if the job failed.
	Error string
	// ErrorKind is the media error kind ("decode", "api", ...) if the job failed.
	ErrorKind string
	// InputBytes is the size of the submitted input.
	InputBytes int
	// OutputPath is the scratch file holding the result.
	OutputPath string
	// OutputMime is the content type of the result.
	OutputMime string
	// OutputBytes is the size of the result.
	OutputBytes int
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool
	// ResultURL is the S3 URL if PushToS3 was true.
	ResultURL string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job for op with a generated ID.
func New(op Operation) *Job {
	return NewWithID(id.Generate(), op)
}

// NewWithID creates a new Job with the specified ID.
func NewWithID(jobID string, op Operation) *Job {
	now := time.Now()
	return &Job{
		ID:         jobID,
		Operation:  op,
		Status:     StatusInQueue,
		OutputMime: op.MimeType(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete records the result and transitions the job to COMPLETED.
func (j *Job) Complete(outputPath string, outputBytes int, resultURL string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.OutputPath = outputPath
	j.OutputBytes = outputBytes
	j.ResultURL = resultURL
	return nil
}

// Fail transitions the job to FAILED with the error kind and message.
func (j *Job) Fail(kind, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.ErrorKind = kind
	j.Error = errMsg
	return nil
}

// Cancel transitions the job to CANCELLED.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:          j.ID,
		Operation:   j.Operation,
		Status:      j.Status,
		Error:       j.Error,
		ErrorKind:   j.ErrorKind,
		InputBytes:  j.InputBytes,
		OutputPath:  j.OutputPath,
		OutputMime:  j.OutputMime,
		OutputBytes: j.OutputBytes,
		PushToS3:    j.PushToS3,
		ResultURL:   j.ResultURL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
