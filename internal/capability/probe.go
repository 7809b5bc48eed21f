// Package capability detects whether the hardware video encoder can be used.
//
// Detection runs a one-frame synthetic encode through ffmpeg the first time it
// is asked for and remembers the answer for the lifetime of the Prober. A
// probe that cannot even be launched counts as "unavailable": the probe can
// only downgrade codec choice, never fail a caller.
package capability

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

const (
	// HardwareCodec is the GPU encoder tested by the probe.
	HardwareCodec = "hevc_nvenc"
	// SoftwareCodec is the CPU fallback producing the same HEVC output.
	SoftwareCodec = "libx265"

	defaultProbeTimeout = 10 * time.Second
)

// Checker reports hardware encoder availability.
type Checker interface {
	HardwareEncoderAvailable() bool
}

// Prober runs the capability probe at most once.
type Prober struct {
	ffmpegPath string
	codec      string
	fallback   string
	timeout    time.Duration

	available func() bool
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithCodecs overrides the hardware codec under test and the software codec
// used in its place. Both must produce the same format.
func WithCodecs(hardware, software string) ProberOption {
	return func(p *Prober) {
		if hardware != "" && software != "" {
			p.codec = hardware
			p.fallback = software
		}
	}
}

// WithTimeout bounds how long the probe subprocess may run.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// NewProber creates a Prober. If ffmpegPath is empty it defaults to "ffmpeg".
func NewProber(ffmpegPath string, opts ...ProberOption) *Prober {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &Prober{
		ffmpegPath: ffmpegPath,
		codec:      HardwareCodec,
		fallback:   SoftwareCodec,
		timeout:    defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.available = sync.OnceValue(p.probe)
	return p
}

// HardwareEncoderAvailable reports whether the hardware codec works. The first
// call spawns the probe; concurrent first callers wait for that single probe
// and every later call returns the cached value.
func (p *Prober) HardwareEncoderAvailable() bool {
	return p.available()
}

// Codecs returns the hardware codec the probe tests and its software
// counterpart.
func (p *Prober) Codecs() (hardware, software string) {
	return p.codec, p.fallback
}

// SelectCodec returns the hardware codec when available, else the software
// one. A Checker that names its codec pair (as Prober does) picks from that
// pair; any other Checker picks between HardwareCodec and SoftwareCodec.
func SelectCodec(c Checker) string {
	if c == nil {
		return SoftwareCodec
	}
	hardware, software := HardwareCodec, SoftwareCodec
	if named, ok := c.(interface{ Codecs() (string, string) }); ok {
		hardware, software = named.Codecs()
	}
	if c.HardwareEncoderAvailable() {
		return hardware
	}
	return software
}

func (p *Prober) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, probeArgs(p.codec)...)
	// stdout/stderr left nil: discarded to the null device

	return cmd.Run() == nil
}

// probeArgs encodes one frame of a null 64x64 source with codec and throws
// the result away.
func probeArgs(codec string) []string {
	return []string{
		"-f", "lavfi",
		"-i", "nullsrc=s=64x64:d=1",
		"-c:v", codec,
		"-frames:v", "1",
		"-f", "null",
		"-",
	}
}

var defaultProber = NewProber("")

// Default returns the process-wide Prober using "ffmpeg" from PATH.
func Default() *Prober {
	return defaultProber
}

// HardwareEncoderAvailable reports availability using the process-wide Prober.
func HardwareEncoderAvailable() bool {
	return defaultProber.HardwareEncoderAvailable()
}
