package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/mediasqueeze/internal/capability"
	"github.com/maauso/mediasqueeze/internal/job"
	"github.com/maauso/mediasqueeze/internal/mediaerr"
	"github.com/maauso/mediasqueeze/internal/metrics"
)

// DefaultMaxUploadBytes caps request bodies when no limit is configured.
const DefaultMaxUploadBytes int64 = 512 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *job.ProcessMediaService
	caps               capability.Checker
	validator          *validator.Validate
	logger             *slog.Logger
	maxUploadBytes     int64
	enableAsyncProcess bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, CreateJob only creates the job and returns immediately
// without starting background processing.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// WithCapabilities sets the checker reported by GET /capabilities.
func WithCapabilities(c capability.Checker) HandlerOption {
	return func(h *Handlers) {
		h.caps = c
	}
}

// WithMaxUploadBytes caps the size of request bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.ProcessMediaService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          validator.New(),
		logger:             logger,
		maxUploadBytes:     DefaultMaxUploadBytes,
		enableAsyncProcess: true, // Default to enabled
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Capabilities handles GET /capabilities requests.
func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	ops := make([]string, 0, len(job.Operations))
	for _, op := range job.Operations {
		ops = append(ops, string(op))
	}

	writeJSON(w, http.StatusOK, CapabilitiesResponse{
		HardwareEncoder: h.caps != nil && h.caps.HardwareEncoderAvailable(),
		Codec:           capability.SelectCodec(h.caps),
		Operations:      ops,
		Upscale:         h.service.CanUpscale(),
	})
}

// Convert handles POST /convert/{operation} requests. The raw request body
// is the input and the raw result is the response body.
func (h *Handlers) Convert(w http.ResponseWriter, r *http.Request) {
	op, err := job.ParseOperation(r.PathValue("operation"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "UNKNOWN_OPERATION")
		return
	}

	input, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if len(input) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty", "EMPTY_BODY")
		return
	}

	out, err := h.service.Run(r.Context(), op, input)
	if err != nil {
		h.writeRunError(w, err)
		return
	}

	mime, _ := op.OutputType(out)
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("ETag", etag(out))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		h.logger.Warn("failed to write result",
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
	}
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
			return
		}
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	input, err := base64.StdEncoding.DecodeString(req.InputBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "input_base64 is not valid base64", "VALIDATION_ERROR")
		return
	}

	createdJob, err := h.service.CreateJob(r.Context(), job.CreateJobInput{
		Operation:  job.Operation(req.Operation),
		InputBytes: len(input),
		PushToS3:   req.PushToS3,
	})
	if err != nil {
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	// Start processing in background with a detached context
	// Use context.WithoutCancel to prevent cancellation when the request ends
	if h.enableAsyncProcess {
		go h.process(context.WithoutCancel(r.Context()), createdJob.ID, input)
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     createdJob.ID,
		Status: string(createdJob.Status),
	})
}

func (h *Handlers) process(ctx context.Context, jobID string, input []byte) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	if _, err := h.service.ProcessExistingJob(ctx, jobID, input); err != nil {
		h.logger.Error("background processing failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobLookupError(w, jobID, err)
		return
	}

	resp := toJobResponse(foundJob)
	if foundJob.Status == job.StatusCompleted && foundJob.OutputPath != "" {
		data, err := h.service.ReadResult(r.Context(), foundJob)
		if err != nil {
			// Don't fail the request, just log and omit the result
			h.logger.Error("failed to read job result",
				slog.String("job_id", jobID),
				slog.String("path", foundJob.OutputPath),
				slog.String("error", err.Error()),
			)
		} else {
			resp.ResultBase64 = base64.StdEncoding.EncodeToString(data)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /jobs requests. Result content is not included.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteJob handles DELETE /jobs/{id} requests.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.service.DeleteJob(r.Context(), jobID); err != nil {
		h.writeJobLookupError(w, jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), "BODY_TOO_LARGE")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "INVALID_BODY")
		return nil, false
	}
	return data, true
}

func (h *Handlers) writeJobLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	h.logger.Error("job lookup failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to access job", "JOB_FETCH_FAILED")
}

// writeRunError maps an operation failure to a status code.
func (h *Handlers) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error(), "UNKNOWN_OPERATION")
		return
	case errors.Is(err, job.ErrUpscaleUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "UPSCALE_UNAVAILABLE")
		return
	}

	kind := mediaerr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("media operation failed", slog.String("error", err.Error()))
	}

	resp := ErrorResponse{Error: err.Error(), Code: "OPERATION_FAILED"}
	if kind != 0 {
		resp.Kind = kind.String()
	}
	writeJSON(w, status, resp)
}

func statusForKind(k mediaerr.Kind) int {
	switch k {
	case mediaerr.KindDecode:
		return http.StatusUnprocessableEntity
	case mediaerr.KindAPI, mediaerr.KindMalformedResponse, mediaerr.KindBase64:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:         j.ID,
		Operation:  string(j.Operation),
		Status:     string(j.Status),
		Error:      j.Error,
		ErrorKind:  j.ErrorKind,
		InputBytes: j.InputBytes,
		ResultURL:  j.ResultURL,
		CreatedAt:  j.CreatedAt,
	}
	if j.Status == job.StatusCompleted {
		resp.OutputMime = j.OutputMime
		resp.OutputBytes = j.OutputBytes
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

// etag is a strong validator derived from the content hash.
func etag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
