// Package imagecodec re-encodes still images in process.
//
// Inputs are decoded by content (never by file name). Two outputs are
// offered: a high-quality JPEG, and a PNG whose image data is rebuilt by a
// search over scanline filters followed by zopfli. Zopfli is slow by nature
// and its cost grows with the iteration count; set the iteration count to
// zero to skip the pass.
package imagecodec

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"

	"github.com/disintegration/imaging"

	// Extra input formats on top of what imaging registers.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/maauso/mediasqueeze/internal/mediaerr"
)

const (
	// DefaultQuality is the JPEG quality used by ReencodeLossy.
	DefaultQuality = 90
	// DefaultIterations is the zopfli iteration count used by ReencodeLossless.
	DefaultIterations = 15

	// MimeJPEG is the content type of ReencodeLossy output.
	MimeJPEG = "image/jpeg"
	// MimePNG is the content type of ReencodeLossless and EncodeIntermediate output.
	MimePNG = "image/png"
)

// Codec re-encodes images. The zero value is not usable; use New.
type Codec struct {
	quality    int
	iterations int
	logger     *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithQuality sets the JPEG quality (1-100). Out-of-range values keep the default.
func WithQuality(q int) Option {
	return func(c *Codec) {
		if q > 0 && q <= 100 {
			c.quality = q
		}
	}
}

// WithIterations sets the zopfli iteration count. Zero disables the
// recompression pass; negative values keep the default.
func WithIterations(n int) Option {
	return func(c *Codec) {
		if n >= 0 {
			c.iterations = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		quality:    DefaultQuality,
		iterations: DefaultIterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Iterations returns the configured recompression iteration count.
func (c *Codec) Iterations() int {
	return c.iterations
}

// ReencodeLossy decodes data and encodes it as JPEG at the configured quality.
func (c *Codec) ReencodeLossy(data []byte) ([]byte, error) {
	const op = "reencode lossy"

	img, format, err := decode(op, data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return nil, mediaerr.Encode(op, err)
	}

	c.logger.Debug("image re-encoded",
		slog.String("operation", op),
		slog.String("format", format),
		slog.Int("input_bytes", len(data)),
		slog.Int("output_bytes", buf.Len()),
	)
	return buf.Bytes(), nil
}

// EncodeIntermediate decodes data and encodes it as PNG at the best zlib
// level, without the recompression pass.
func (c *Codec) EncodeIntermediate(data []byte) ([]byte, error) {
	const op = "encode intermediate"

	img, _, err := decode(op, data)
	if err != nil {
		return nil, err
	}
	return encodePNG(op, img)
}

// ReencodeLossless decodes data, encodes it as PNG and then recompresses the
// image data with Recompress. Pixels are preserved exactly.
func (c *Codec) ReencodeLossless(data []byte) ([]byte, error) {
	const op = "reencode lossless"

	img, format, err := decode(op, data)
	if err != nil {
		return nil, err
	}

	out, err := encodePNG(op, img)
	if err != nil {
		return nil, err
	}

	if c.iterations > 0 {
		recompressed, err := Recompress(out, c.iterations)
		if err != nil {
			return nil, mediaerr.Encode(op, err)
		}
		out = recompressed
	}

	c.logger.Debug("image re-encoded",
		slog.String("operation", op),
		slog.String("format", format),
		slog.Int("iterations", c.iterations),
		slog.Int("input_bytes", len(data)),
		slog.Int("output_bytes", len(out)),
	)
	return out, nil
}

// Sniff returns the image format name ("jpeg", "png", "gif", "webp", "bmp",
// "tiff") detected from the content of data.
func Sniff(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", mediaerr.Decode("sniff", err)
	}
	return format, nil
}

func decode(op string, data []byte) (image.Image, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", mediaerr.Decode(op, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", mediaerr.Decode(op, err)
	}
	return img, format, nil
}

func encodePNG(op string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, mediaerr.Encode(op, err)
	}
	return buf.Bytes(), nil
}
