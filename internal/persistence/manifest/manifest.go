package manifest

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	FileName = "store.manifest.zst"
	Version  = 1
)

var ErrMismatch = errors.New("manifest: store geometry mismatch")

type Header struct {
	Version int    `json:"version"`
	StoreID string `json:"store_id"`
}

// ManifestV1 records what a store directory was created with. Pages are only readable
// with the same geometry, mask and compression.
type ManifestV1 struct {
	Header Header `json:"header"`

	ChunkDims   [3]int `json:"chunk_dims"`
	NumChunks   [3]int `json:"num_chunks"`
	PageSize    [3]int `json:"page_size"`
	Padding     int    `json:"padding"`
	Mask        uint32 `json:"mask"`
	Compression uint8  `json:"compression"`

	PaletteDigest string `json:"palette_digest,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
	CreatedUnix   int64  `json:"created_unix"`
}

// Compatible reports the first field where m and o disagree on page layout.
func (m ManifestV1) Compatible(o ManifestV1) error {
	switch {
	case m.ChunkDims != o.ChunkDims:
		return fmt.Errorf("%w: chunk dims %v != %v", ErrMismatch, m.ChunkDims, o.ChunkDims)
	case m.NumChunks != o.NumChunks:
		return fmt.Errorf("%w: chunk counts %v != %v", ErrMismatch, m.NumChunks, o.NumChunks)
	case m.PageSize != o.PageSize:
		return fmt.Errorf("%w: page size %v != %v", ErrMismatch, m.PageSize, o.PageSize)
	case m.Padding != o.Padding:
		return fmt.Errorf("%w: padding %d != %d", ErrMismatch, m.Padding, o.Padding)
	case m.Mask != o.Mask:
		return fmt.Errorf("%w: mask %#x != %#x", ErrMismatch, m.Mask, o.Mask)
	case m.Compression != o.Compression:
		return fmt.Errorf("%w: compression %d != %d", ErrMismatch, m.Compression, o.Compression)
	}
	return nil
}

func Path(dir string) string { return filepath.Join(dir, FileName) }

func Write(path string, m ManifestV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriter(enc)
	defer bw.Flush()

	hb, _ := json.Marshal(m.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&m); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (ManifestV1, error) {
	var m ManifestV1
	f, err := os.Open(path)
	if err != nil {
		return m, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return m, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return m, fmt.Errorf("header line: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return m, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return m, fmt.Errorf("manifest version %d unsupported", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&m); err != nil {
		return m, fmt.Errorf("gob decode: %w", err)
	}
	return m, nil
}
