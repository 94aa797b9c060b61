// Package log keeps a store's event logs under <store>/log/<kind>/<hour>.jsonl.zst.
//
// Each writer session starts with a LOG_HEADER record naming the store and mesher that produced
// the records after it, so a file restarted within the same hour (zstd frames append cleanly)
// still attributes every record.
package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelmesh.ai/internal/protocol"
)

const hourLayout = "2006-01-02-15"

type Kind string

const (
	KindBuilds Kind = "builds"
	KindPages  Kind = "pages"
)

// Source names the store and pipeline writing a log.
type Source struct {
	StoreID       string
	Mesher        string
	PaletteDigest string
}

var ErrClosed = errors.New("log: closed")

// eventLog is one kind of record for one store.
type eventLog struct {
	dir  string
	kind Kind
	src  Source
	now  func() time.Time

	mu      sync.Mutex
	closed  bool
	hour    string
	f       *os.File
	zw      *zstd.Encoder
	bw      *bufio.Writer
	records uint64
}

func (l *eventLog) path(hour string) string {
	return filepath.Join(l.dir, hour+".jsonl.zst")
}

func (l *eventLog) append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	now := l.now().UTC()
	if hour := now.Format(hourLayout); hour != l.hour {
		if err := l.openLocked(hour, now); err != nil {
			return err
		}
	}
	if err := l.lineLocked(b); err != nil {
		return err
	}
	l.records++
	return l.bw.Flush()
}

func (l *eventLog) lineLocked(b []byte) error {
	if _, err := l.bw.Write(b); err != nil {
		return err
	}
	return l.bw.WriteByte('\n')
}

// openLocked switches to the file of hour and writes the session header.
func (l *eventLog) openLocked(hour string, now time.Time) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.zw, l.bw, l.hour = f, zw, bufio.NewWriterSize(zw, 64*1024), hour

	h, err := json.Marshal(protocol.LogHeaderMsg{
		Type:            protocol.TypeLogHeader,
		ProtocolVersion: protocol.Version,
		Kind:            string(l.kind),
		StoreID:         l.src.StoreID,
		Mesher:          l.src.Mesher,
		PaletteDigest:   l.src.PaletteDigest,
		Hour:            hour,
		OpenedUnixMs:    now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return l.lineLocked(h)
}

func (l *eventLog) closeLocked() error {
	var err error
	if l.bw != nil {
		err = l.bw.Flush()
		l.bw = nil
	}
	if l.zw != nil {
		if cerr := l.zw.Close(); err == nil {
			err = cerr
		}
		l.zw = nil
	}
	if l.f != nil {
		if cerr := l.f.Close(); err == nil {
			err = cerr
		}
		l.f = nil
	}
	l.hour = ""
	return err
}

func (l *eventLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.closeLocked()
}

// Logs are the build and page logs of one store.
type Logs struct {
	builds *eventLog
	pages  *eventLog
}

func Open(storeDir string, src Source) *Logs {
	mk := func(k Kind) *eventLog {
		return &eventLog{dir: Dir(storeDir, k), kind: k, src: src, now: time.Now}
	}
	return &Logs{builds: mk(KindBuilds), pages: mk(KindPages)}
}

// Dir is where logs of kind k live inside a store.
func Dir(storeDir string, k Kind) string {
	return filepath.Join(storeDir, "log", string(k))
}

func (l *Logs) WriteBuild(m protocol.BuildMsg) error         { return l.builds.append(m) }
func (l *Logs) WritePageSaved(m protocol.PageSavedMsg) error { return l.pages.append(m) }

// Records counts the records written since Open, headers excluded.
func (l *Logs) Records() (builds, pages uint64) {
	l.builds.mu.Lock()
	builds = l.builds.records
	l.builds.mu.Unlock()
	l.pages.mu.Lock()
	pages = l.pages.records
	l.pages.mu.Unlock()
	return builds, pages
}

func (l *Logs) Close() error {
	return errors.Join(l.builds.close(), l.pages.close())
}

// Files lists the log files of kind k, oldest hour first.
func Files(storeDir string, k Kind) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(Dir(storeDir, k), "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile calls fn for every record of a log file with the header of the session that wrote it.
func ReadFile(path string, fn func(h protocol.LogHeaderMsg, record []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	var h protocol.LogHeaderMsg
	br := bufio.NewReader(zr)
	for line := 1; ; line++ {
		b, err := br.ReadBytes('\n')
		b = bytes.TrimSpace(b)
		if len(b) > 0 {
			base, derr := protocol.DecodeBase(b)
			switch {
			case derr != nil:
				return fmt.Errorf("%s:%d: %w", path, line, derr)
			case base.Type == protocol.TypeLogHeader:
				h = protocol.LogHeaderMsg{}
				if err := json.Unmarshal(b, &h); err != nil {
					return fmt.Errorf("%s:%d: %w", path, line, err)
				}
			case h.Type == "":
				return fmt.Errorf("%s:%d: record before header", path, line)
			default:
				if err := fn(h, b); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
