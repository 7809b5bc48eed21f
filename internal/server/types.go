// Package server provides the HTTP server for mediasqueeze.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// Operation is one of lossy, lossless, upscale, transcode, gif.
	Operation string `json:"operation" validate:"required,oneof=lossy lossless upscale transcode gif"`
	// InputBase64 is the base64-encoded input image or video.
	InputBase64 string `json:"input_base64" validate:"required,base64"`
	// PushToS3 indicates whether to upload the result to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	// Error and ErrorKind are set when the job failed.
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	InputBytes  int    `json:"input_bytes"`
	OutputMime  string `json:"output_mime,omitempty"`
	OutputBytes int    `json:"output_bytes,omitempty"`
	// ResultBase64 is the result content (only on GET /jobs/{id} when kept locally).
	ResultBase64 string `json:"result_base64,omitempty"`
	// ResultURL is the S3 URL of the result (if push_to_s3=true and completed).
	ResultURL   string     `json:"result_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// CapabilitiesResponse reports the encoder the service will use.
type CapabilitiesResponse struct {
	// HardwareEncoder is true when the hardware encoder passed its probe.
	HardwareEncoder bool `json:"hardware_encoder"`
	// Codec is the video codec transcode will use.
	Codec string `json:"codec"`
	// Operations lists the supported operations.
	Operations []string `json:"operations"`
	// Upscale is true when an API key for the upscale model is configured.
	Upscale bool `json:"upscale"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Kind is the media error kind, when the failure came from a media operation.
	Kind string `json:"kind,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
