package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrRunOverflow = errors.New("rle: runs exceed expected length")

// AppendRLE appends src encoded as (run_len uvarint, value byte) pairs.
func AppendRLE(dst, src []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(src) {
		b := src[i]
		run := 1
		for j := i + 1; j < len(src) && src[j] == b; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(run))
		dst = append(dst, tmp[:n]...)
		dst = append(dst, b)

		i += run
	}
	return dst
}

func EncodeRLE(src []byte) []byte {
	return AppendRLE(make([]byte, 0, len(src)/4+8), src)
}

// DecodeRLE expands raw into exactly want bytes. Anything other than an exact fit is an error,
// so a truncated or corrupt buffer is never partially applied.
func DecodeRLE(raw []byte, want int) ([]byte, error) {
	out := make([]byte, want)
	if err := DecodeRLEInto(out, raw); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeRLEInto(out, raw []byte) error {
	pos := 0
	for i := 0; i < len(raw); {
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return fmt.Errorf("rle: bad varint at %d", i)
		}
		i += n
		if i >= len(raw) {
			return fmt.Errorf("rle: missing value byte at %d", i)
		}
		v := raw[i]
		i++
		if run == 0 || run > uint64(len(out)-pos) {
			return ErrRunOverflow
		}
		end := pos + int(run)
		for k := pos; k < end; k++ {
			out[k] = v
		}
		pos = end
	}
	if pos != len(out) {
		return fmt.Errorf("rle: decoded %d bytes want %d", pos, len(out))
	}
	return nil
}
