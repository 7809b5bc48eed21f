// Package media drives the external ffmpeg binary to transcode video and
// render animated GIFs. Every call stages its input and output through
// scratch files that are gone again by the time the call returns.
package media

import (
	"context"

	"github.com/maauso/mediasqueeze/internal/capability"
)

// Processor is the transcoding surface. FFmpegProcessor is the only
// implementation; jobs depend on the narrower job.Transcoder.
type Processor interface {
	// Transcode re-encodes input as HEVC video in an MP4 container, on the
	// hardware encoder when one is available.
	Transcode(ctx context.Context, input []byte) ([]byte, error)

	// ConvertToGIF renders input as an animated GIF with a generated palette.
	ConvertToGIF(ctx context.Context, input []byte) ([]byte, error)

	// Capabilities reports which encoder Transcode would pick.
	Capabilities() capability.Checker
}

// ExitPolicy decides what a nonzero ffmpeg exit status means.
type ExitPolicy int

const (
	// ExitTolerant logs a nonzero exit and still reads the output file.
	// A missing or empty output is reported as an I/O error.
	ExitTolerant ExitPolicy = iota
	// ExitStrict reports a nonzero exit as a subprocess error.
	ExitStrict
)

func (p ExitPolicy) String() string {
	if p == ExitStrict {
		return "strict"
	}
	return "tolerant"
}

// EncodeJob is one ffmpeg invocation. InputPath and OutputPath are scratch
// files owned by the job.
type EncodeJob struct {
	InputPath  string
	OutputPath string
	Codec      string
	Args       []string
}
