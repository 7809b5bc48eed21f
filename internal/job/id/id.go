// Package id generates job identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var fallback atomic.Uint64

// Generate returns a new job ID of the form job-<unix seconds>-<12 hex chars>,
// e.g. job-1701432000-a1b2c3d4e5f6.
func Generate() string {
	timestamp := time.Now().Unix()
	random := make([]byte, 6)
	if _, err := rand.Read(random); err != nil {
		// crypto/rand failing is near impossible; stay unique within the process.
		return fmt.Sprintf("job-%d-%012x", timestamp, fallback.Add(1))
	}
	return fmt.Sprintf("job-%d-%s", timestamp, hex.EncodeToString(random))
}
