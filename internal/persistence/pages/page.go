// Package pages reads and writes voxel store pages.
//
// A page file is:
//
//	magic "VXPG" | version u8 | compression u8 | stream mask u32le | slot count u32le
//	slot count x (uvarint length | slot blob)
//
// A zero-length slot blob means the chunk was never written.
package pages

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"voxelmesh.ai/internal/voxel/grid"
)

const (
	Magic   = "VXPG"
	Version = 1

	// maxSlotBytes bounds a single slot read so a corrupt length cannot allocate unbounded memory.
	maxSlotBytes = 1 << 28
	maxSlots     = 1 << 16
)

var (
	ErrBadMagic   = errors.New("pages: bad magic")
	ErrBadVersion = errors.New("pages: unsupported version")
	ErrTruncated  = errors.New("pages: truncated")
	ErrCorrupt    = errors.New("pages: corrupt")
)

type Page struct {
	Compression Compression
	Mask        grid.DataMask
	Slots       [][]byte
}

func New(slots int, mask grid.DataMask, c Compression) *Page {
	return &Page{Compression: c, Mask: mask, Slots: make([][]byte, slots)}
}

// Written reports whether slot i holds data.
func (p *Page) Written(i int) bool { return i >= 0 && i < len(p.Slots) && len(p.Slots[i]) > 0 }

func (p *Page) Occupied() int {
	n := 0
	for i := range p.Slots {
		if p.Written(i) {
			n++
		}
	}
	return n
}

func (p *Page) Bytes() int {
	n := 0
	for _, s := range p.Slots {
		n += len(s)
	}
	return n
}

func (p *Page) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	var hdr [14]byte
	copy(hdr[:4], Magic)
	hdr[4] = Version
	hdr[5] = byte(p.Compression)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(p.Mask))
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(len(p.Slots)))
	written := int64(0)
	n, err := bw.Write(hdr[:])
	written += int64(n)
	if err != nil {
		return written, err
	}
	var tmp [binary.MaxVarintLen64]byte
	for _, s := range p.Slots {
		k := binary.PutUvarint(tmp[:], uint64(len(s)))
		n, err = bw.Write(tmp[:k])
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = bw.Write(s)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// Read parses a whole page. Any error means nothing from the page may be used.
func Read(r io.Reader) (*Page, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var hdr [14]byte
	if _, err := io.ReadFull(br, hdr[:4]); err != nil {
		return nil, fmt.Errorf("magic: %w", ErrTruncated)
	}
	if string(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr[:4])
	}
	if _, err := io.ReadFull(br, hdr[4:]); err != nil {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr[4])
	}
	c := Compression(hdr[5])
	if c&^compressKnown != 0 {
		return nil, fmt.Errorf("compression flags %#x: %w", hdr[5], ErrCorrupt)
	}
	mask := grid.DataMask(binary.LittleEndian.Uint32(hdr[6:10]))
	if mask&^grid.MaskAll != 0 {
		return nil, fmt.Errorf("stream mask %#x: %w", uint32(mask), ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(hdr[10:14])
	if count > maxSlots {
		return nil, fmt.Errorf("slot count %d: %w", count, ErrCorrupt)
	}
	p := New(int(count), mask, c)
	for i := range p.Slots {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("slot %d length: %w", i, ErrTruncated)
		}
		if n > maxSlotBytes {
			return nil, fmt.Errorf("slot %d length %d: %w", i, n, ErrCorrupt)
		}
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, ErrTruncated)
		}
		p.Slots[i] = buf
	}
	return p, nil
}

func ReadFile(path string) (*Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// WriteFile replaces path atomically.
func WriteFile(path string, p *Page) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := p.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
