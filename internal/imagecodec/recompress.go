package imagecodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/foobaz/go-zopfli/zopfli"
	"github.com/klauspost/compress/zlib"
)

// Static errors for PNG recompression.
var (
	// ErrNotPNG is returned when the input does not start with the PNG signature.
	ErrNotPNG = errors.New("imagecodec: not a PNG stream")
	// ErrTruncatedChunk is returned when a chunk runs past the end of the input.
	ErrTruncatedChunk = errors.New("imagecodec: truncated PNG chunk")
	// ErrNoImageData is returned when the PNG has no IDAT chunk.
	ErrNoImageData = errors.New("imagecodec: PNG has no IDAT chunk")
	// ErrCorruptImageData is returned when the inflated image data does not
	// match the IHDR geometry or uses an unknown scanline filter.
	ErrCorruptImageData = errors.New("imagecodec: corrupt PNG image data")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// PNG scanline filter types.
const (
	filterNone byte = iota
	filterSub
	filterUp
	filterAverage
	filterPaeth
)

type pngChunk struct {
	typ  string
	data []byte
}

type header struct {
	width, height uint32
	bitDepth      uint8
	colorType     uint8
	interlaced    bool
}

// Recompress rebuilds the image data of a PNG by searching for the smallest
// deflate stream. The candidate layouts are the scanlines as encoded and the
// scanlines refiltered with each single filter type (none, sub, up, average,
// paeth). Candidates are ranked with a fast maximum-level deflate and the
// winner is recompressed with zopfli, running iterations optimization passes.
// Cost grows linearly with iterations.
//
// All IDAT chunks are merged into one; every other chunk is copied through
// in order. If nothing beats the existing stream, or iterations is not
// positive, the input is returned unchanged. Decoded pixels are identical
// either way.
func Recompress(data []byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		return data, nil
	}

	chunks, err := readChunks(data)
	if err != nil {
		return nil, err
	}

	var (
		idat  bytes.Buffer
		hdr   header
		first = -1
	)
	for i, c := range chunks {
		switch c.typ {
		case "IHDR":
			if hdr, err = parseHeader(c.data); err != nil {
				return nil, err
			}
		case "IDAT":
			if first < 0 {
				first = i
			}
			idat.Write(c.data)
		}
	}
	if first < 0 {
		return nil, ErrNoImageData
	}

	zr, err := zlib.NewReader(bytes.NewReader(idat.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("open image data: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate image data: %w", err)
	}

	best, err := search(raw, hdr, iterations)
	if err != nil {
		return nil, err
	}
	if len(best) >= idat.Len() {
		return data, nil
	}

	var out bytes.Buffer
	out.Grow(len(data) - idat.Len() + len(best))
	out.Write(pngSignature)
	for i, c := range chunks {
		if c.typ == "IDAT" {
			if i == first {
				writeChunk(&out, "IDAT", best)
			}
			continue
		}
		writeChunk(&out, c.typ, c.data)
	}
	return out.Bytes(), nil
}

// search returns the smallest stream found for raw.
func search(raw []byte, hdr header, iterations int) ([]byte, error) {
	layouts, err := candidates(raw, hdr)
	if err != nil {
		return nil, err
	}

	var quick, winner []byte
	for _, l := range layouts {
		deflated, err := deflate(l)
		if err != nil {
			return nil, err
		}
		if quick == nil || len(deflated) < len(quick) {
			quick, winner = deflated, l
		}
	}

	best, err := zopfliDeflate(winner, iterations)
	if err != nil {
		return nil, err
	}
	if len(best) < len(quick) {
		return best, nil
	}
	return quick, nil
}

// candidates lists the scanline layouts worth trying: raw first, then one
// refiltered copy per filter type.
func candidates(raw []byte, hdr header) ([][]byte, error) {
	layouts := [][]byte{raw}

	// Interlaced images keep their filters: each pass has its own geometry.
	if hdr.interlaced || hdr.width == 0 {
		return layouts, nil
	}
	rows, err := unfilter(raw, hdr)
	if err != nil {
		return nil, err
	}
	for f := filterNone; f <= filterPaeth; f++ {
		layouts = append(layouts, refilter(rows, hdr, f))
	}
	return layouts, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate image data: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate image data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate image data: %w", err)
	}
	return buf.Bytes(), nil
}

func zopfliDeflate(raw []byte, iterations int) ([]byte, error) {
	opts := zopfli.DefaultOptions()
	opts.NumIterations = iterations

	var buf bytes.Buffer
	if err := zopfli.ZlibCompress(&opts, raw, &buf); err != nil {
		return nil, fmt.Errorf("zopfli image data: %w", err)
	}
	return buf.Bytes(), nil
}

func parseHeader(data []byte) (header, error) {
	if len(data) != 13 {
		return header{}, fmt.Errorf("%w: IHDR is %d bytes", ErrCorruptImageData, len(data))
	}
	return header{
		width:      binary.BigEndian.Uint32(data[0:4]),
		height:     binary.BigEndian.Uint32(data[4:8]),
		bitDepth:   data[8],
		colorType:  data[9],
		interlaced: data[12] == 1,
	}, nil
}

// rowBytes is the length of one unfiltered scanline; pixelBytes is the
// filter distance (bytes per complete pixel, at least one).
func (h header) rowBytes() (rowBytes, pixelBytes int) {
	channels := map[uint8]int{0: 1, 2: 3, 3: 1, 4: 2, 6: 4}[h.colorType]
	bits := channels * int(h.bitDepth)
	return (int(h.width)*bits + 7) / 8, max(1, bits/8)
}

// unfilter reverses the per-scanline filters and returns the bare rows.
func unfilter(raw []byte, h header) ([]byte, error) {
	rb, bpp := h.rowBytes()
	height := int(h.height)
	if rb == 0 || len(raw) != height*(rb+1) {
		return nil, fmt.Errorf("%w: %d bytes for %d rows of %d", ErrCorruptImageData, len(raw), height, rb)
	}

	rows := make([]byte, height*rb)
	prev := make([]byte, rb)
	for y := range height {
		line := raw[y*(rb+1) : (y+1)*(rb+1)]
		row := rows[y*rb : (y+1)*rb]
		copy(row, line[1:])

		switch line[0] {
		case filterNone:
		case filterSub:
			for i := bpp; i < rb; i++ {
				row[i] += row[i-bpp]
			}
		case filterUp:
			for i := range row {
				row[i] += prev[i]
			}
		case filterAverage:
			for i := range row {
				var a byte
				if i >= bpp {
					a = row[i-bpp]
				}
				row[i] += byte((int(a) + int(prev[i])) / 2)
			}
		case filterPaeth:
			for i := range row {
				var a, c byte
				if i >= bpp {
					a, c = row[i-bpp], prev[i-bpp]
				}
				row[i] += paeth(a, prev[i], c)
			}
		default:
			return nil, fmt.Errorf("%w: filter type %d", ErrCorruptImageData, line[0])
		}
		prev = row
	}
	return rows, nil
}

// refilter applies filter f to every row.
func refilter(rows []byte, h header, f byte) []byte {
	rb, bpp := h.rowBytes()
	height := len(rows) / rb

	out := make([]byte, height*(rb+1))
	prev := make([]byte, rb)
	for y := range height {
		row := rows[y*rb : (y+1)*rb]
		dst := out[y*(rb+1) : (y+1)*(rb+1)]
		dst[0] = f
		dst = dst[1:]

		for i := range row {
			var a, c byte
			if i >= bpp {
				a, c = row[i-bpp], prev[i-bpp]
			}
			b := prev[i]
			switch f {
			case filterNone:
				dst[i] = row[i]
			case filterSub:
				dst[i] = row[i] - a
			case filterUp:
				dst[i] = row[i] - b
			case filterAverage:
				dst[i] = row[i] - byte((int(a)+int(b))/2)
			case filterPaeth:
				dst[i] = row[i] - paeth(a, b, c)
			}
		}
		prev = row
	}
	return out
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// readChunks splits a PNG stream into its chunks, stopping after IEND.
func readChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, ErrNotPNG
	}

	var chunks []pngChunk
	rest := data[len(pngSignature):]
	for len(rest) > 0 {
		// length(4) + type(4) + data + crc(4)
		if len(rest) < 12 {
			return nil, ErrTruncatedChunk
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(n)+12 > uint64(len(rest)) {
			return nil, ErrTruncatedChunk
		}
		c := pngChunk{
			typ:  string(rest[4:8]),
			data: rest[8 : 8+n],
		}
		chunks = append(chunks, c)
		rest = rest[12+n:]
		if c.typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(data))) // #nosec G115 - chunk sizes come from a decoded PNG
	copy(header[4:], typ)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(data)

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc.Sum32())

	w.Write(header[:])
	w.Write(data)
	w.Write(trailer[:])
}
