package pages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"voxelmesh.ai/internal/encoding"
	"voxelmesh.ai/internal/voxel/grid"
)

// Compression is a bitset; flags combine and are applied in the order RLE, zstd, brotli.
type Compression uint8

const (
	CompressNone   Compression = 0
	CompressRLE    Compression = 1 << 0
	CompressZstd   Compression = 1 << 1
	CompressBrotli Compression = 1 << 2

	compressKnown = CompressRLE | CompressZstd | CompressBrotli
)

func (c Compression) Has(f Compression) bool { return c&f != 0 }

func (c Compression) String() string {
	if c == CompressNone {
		return "none"
	}
	var parts []string
	if c.Has(CompressRLE) {
		parts = append(parts, "rle")
	}
	if c.Has(CompressZstd) {
		parts = append(parts, "zstd")
	}
	if c.Has(CompressBrotli) {
		parts = append(parts, "brotli")
	}
	return strings.Join(parts, "+")
}

// ParseCompression accepts "none" or names joined with '+' or ',' such as "rle+zstd".
func ParseCompression(s string) (Compression, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return CompressNone, nil
	}
	var c Compression
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "rle":
			c |= CompressRLE
		case "zstd":
			c |= CompressZstd
		case "brotli":
			c |= CompressBrotli
		default:
			return 0, fmt.Errorf("unknown compression %q", part)
		}
	}
	return c, nil
}

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeGrid serializes the streams of g named by mask into one slot blob: for every stream of
// mask in ascending order, a uvarint length followed by the compressed bytes. A stream the grid
// does not carry is written with length zero.
func EncodeGrid(g *grid.Grid, mask grid.DataMask, c Compression) ([]byte, error) {
	var out []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, s := range mask.Streams() {
		raw := g.Stream(s)
		var buf []byte
		if len(raw) > 0 {
			var err error
			if buf, err = compress(raw, c); err != nil {
				return nil, fmt.Errorf("stream %s: %w", s, err)
			}
		}
		n := binary.PutUvarint(tmp[:], uint64(len(buf)))
		out = append(out, tmp[:n]...)
		out = append(out, buf...)
	}
	return out, nil
}

// DecodeGrid is the inverse of EncodeGrid. g must already be sized; nothing is written to g
// unless every stream decodes.
func DecodeGrid(blob []byte, g *grid.Grid, mask grid.DataMask, c Compression) error {
	size := g.Size()
	streams := mask.Streams()
	decoded := make([][]byte, len(streams))
	r := bytes.NewReader(blob)
	for i, s := range streams {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("stream %s length: %w", s, ErrTruncated)
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("stream %s: %w", s, ErrTruncated)
		}
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("stream %s: %w", s, ErrTruncated)
		}
		raw, err := decompress(buf, c, size)
		if err != nil {
			return fmt.Errorf("stream %s: %w", s, err)
		}
		decoded[i] = raw
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrCorrupt)
	}
	for i, s := range streams {
		if decoded[i] == nil {
			continue
		}
		if err := g.SetStream(s, decoded[i]); err != nil {
			return err
		}
	}
	return nil
}

func compress(raw []byte, c Compression) ([]byte, error) {
	b := raw
	if c.Has(CompressRLE) {
		b = encoding.EncodeRLE(b)
	}
	if c.Has(CompressZstd) {
		b = zenc.EncodeAll(b, make([]byte, 0, len(b)/2+16))
	}
	if c.Has(CompressBrotli) {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		b = buf.Bytes()
	}
	if !c.Has(CompressRLE | CompressZstd | CompressBrotli) {
		b = append([]byte(nil), raw...)
	}
	return b, nil
}

func decompress(b []byte, c Compression, size int) ([]byte, error) {
	var err error
	if c.Has(CompressBrotli) {
		if b, err = io.ReadAll(brotli.NewReader(bytes.NewReader(b))); err != nil {
			return nil, fmt.Errorf("brotli: %w: %v", ErrCorrupt, err)
		}
	}
	if c.Has(CompressZstd) {
		if b, err = zdec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("zstd: %w: %v", ErrCorrupt, err)
		}
	}
	if c.Has(CompressRLE) {
		if b, err = encoding.DecodeRLE(b, size); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return b, nil
	}
	if len(b) != size {
		return nil, fmt.Errorf("got %d bytes want %d: %w", len(b), size, ErrCorrupt)
	}
	return b, nil
}
