// Package storage owns the scratch files media operations work through and
// the optional S3 bucket finished results can be delivered to.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Storage is the port media operations and jobs use for files.
type Storage interface {
	// SaveTemp writes data to a new uniquely named scratch file and returns
	// its path. ext, if non-empty, is appended to the name (".png", ".mp4").
	SaveTemp(ctx context.Context, name, ext string, data io.Reader) (path string, err error)

	// ReserveTemp creates an empty uniquely named scratch file for a producer
	// that writes by path, such as an external encoder.
	ReserveTemp(ctx context.Context, name, ext string) (path string, err error)

	// LoadTemp opens a scratch file. The caller closes the reader.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes scratch files, carrying on past individual failures.
	CleanupTemp(ctx context.Context, paths []string) error

	// UploadToS3 stores data under key and returns its URL.
	// Returns ErrS3NotConfigured when no bucket is configured.
	UploadToS3(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}

// ContentKey derives an object key from the content itself, so identical
// results land on the same key.
func ContentKey(prefix string, data []byte, ext string) string {
	return fmt.Sprintf("%s/%016x%s", prefix, xxhash.Sum64(data), ext)
}
