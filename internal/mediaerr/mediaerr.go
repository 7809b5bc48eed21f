// Package mediaerr defines the single error type returned by the media core:
// image codec, transcode orchestrator and upscale client.
package mediaerr

import (
	"errors"
	"fmt"
)

// Kind classifies a media failure. The set is closed.
type Kind uint8

const (
	// KindDecode means the input bytes do not parse as a supported image.
	KindDecode Kind = iota + 1
	// KindEncode means the encoder rejected the decoded image or its output write failed.
	KindEncode
	// KindSubprocess means the external encoder could not be run.
	KindSubprocess
	// KindIO means a temp-file write or read failed, including an encoder
	// that produced no readable output.
	KindIO
	// KindAPI means the remote API answered with a non-2xx status or could not be reached.
	KindAPI
	// KindMalformedResponse means an expected JSON path is absent from the response.
	KindMalformedResponse
	// KindBase64 means the extracted payload is not valid base64.
	KindBase64
)

var kindNames = map[Kind]string{
	KindDecode:            "decode",
	KindEncode:            "encode",
	KindSubprocess:        "subprocess",
	KindIO:                "io",
	KindAPI:               "api",
	KindMalformedResponse: "malformed response",
	KindBase64:            "base64",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kind sentinels for errors.Is matching, e.g. errors.Is(err, mediaerr.ErrAPI).
var (
	ErrDecode            = &Error{Kind: KindDecode}
	ErrEncode            = &Error{Kind: KindEncode}
	ErrSubprocess        = &Error{Kind: KindSubprocess}
	ErrIO                = &Error{Kind: KindIO}
	ErrAPI               = &Error{Kind: KindAPI}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrBase64            = &Error{Kind: KindBase64}
)

// Error is the failure returned by every public media operation.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the operation that failed, e.g. "transcode" or "upscale".
	Op string
	// Status is the HTTP status for KindAPI. Zero when the request never got a response.
	Status int
	// Body is the raw response body for KindAPI and KindMalformedResponse.
	Body string
	// Segment is the missing JSON path segment for KindMalformedResponse.
	Segment string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}

	switch e.Kind {
	case KindAPI:
		if e.Status != 0 {
			msg += fmt.Sprintf(": status %d", e.Status)
		}
	case KindMalformedResponse:
		msg += fmt.Sprintf(": missing %q", e.Segment)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": body: " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kind sentinel (or any *Error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0 if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Decode builds a KindDecode error.
func Decode(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// Encode builds a KindEncode error.
func Encode(op string, err error) *Error {
	return &Error{Kind: KindEncode, Op: op, Err: err}
}

// Subprocess builds a KindSubprocess error.
func Subprocess(op string, err error) *Error {
	return &Error{Kind: KindSubprocess, Op: op, Err: err}
}

// IO builds a KindIO error.
func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// API builds a KindAPI error carrying the HTTP status and raw body.
func API(op string, status int, body string, err error) *Error {
	return &Error{Kind: KindAPI, Op: op, Status: status, Body: body, Err: err}
}

// Malformed builds a KindMalformedResponse error naming the missing segment.
func Malformed(op, segment, body string) *Error {
	return &Error{Kind: KindMalformedResponse, Op: op, Segment: segment, Body: body}
}

// Base64 builds a KindBase64 error.
func Base64(op string, err error) *Error {
	return &Error{Kind: KindBase64, Op: op, Err: err}
}
