// Package indexdb keeps a queryable SQLite index of build jobs and page saves. The JSONL logs
// remain the source of truth; the index drops rows when its writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelmesh.ai/internal/protocol"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropBuild atomic.Uint64
	dropPage  atomic.Uint64
}

type reqKind int

const (
	reqBuild reqKind = iota + 1
	reqPage
	reqMeta
)

type req struct {
	kind reqKind

	build protocol.BuildMsg
	page  protocol.PageSavedMsg
	key   string
	value string
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropBuildTotal uint64
	DropPageTotal  uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Streaming bursts submit many builds per second; keep them off the frame goroutine.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS builds (
			job_id TEXT PRIMARY KEY,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			quads INTEGER NOT NULL,
			workloads INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			ok INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			code TEXT,
			message TEXT,
			unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_chunk ON builds(cx, cz, cy, unix_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_time ON builds(unix_ms);`,
		`CREATE TABLE IF NOT EXISTS page_saves (
			px INTEGER NOT NULL,
			py INTEGER NOT NULL,
			pz INTEGER NOT NULL,
			unix_ms INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			occupied INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			PRIMARY KEY (px, py, pz, unix_ms)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropBuildTotal: s.dropBuild.Load(),
		DropPageTotal:  s.dropPage.Load(),
	}
}

func (s *SQLiteIndex) RecordBuild(m protocol.BuildMsg) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqBuild, build: m}:
	default:
		s.dropBuild.Add(1)
	}
}

func (s *SQLiteIndex) RecordPageSaved(m protocol.PageSavedMsg) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPage, page: m}:
	default:
		s.dropPage.Add(1)
	}
}

// SetMeta records store identity (store id, palette digest, tuning) next to the rows. It is
// queued behind earlier records.
func (s *SQLiteIndex) SetMeta(key, value string) {
	if s == nil || s.closed.Load() || key == "" {
		return
	}
	s.ch <- req{kind: reqMeta, key: key, value: value}
}

// RecentBuilds returns up to limit builds, newest first. Rows still queued are not visible.
func (s *SQLiteIndex) RecentBuilds(ctx context.Context, limit int) ([]protocol.BuildMsg, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id,cx,cy,cz,quads,workloads,duration_ms,ok,cancelled,COALESCE(code,''),COALESCE(message,''),unix_ms
		FROM builds ORDER BY unix_ms DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.BuildMsg
	for rows.Next() {
		m := protocol.BuildMsg{Type: protocol.TypeBuild, ProtocolVersion: protocol.Version}
		var ok, cancelled int
		if err := rows.Scan(&m.JobID, &m.Chunk[0], &m.Chunk[1], &m.Chunk[2], &m.Quads, &m.Workloads, &m.DurationMs, &ok, &cancelled, &m.Code, &m.Message, &m.UnixMs); err != nil {
			return nil, err
		}
		m.OK, m.Cancelled = ok != 0, cancelled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// FailureCounts groups failed builds by error code.
func (s *SQLiteIndex) FailureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(code,''), COUNT(*) FROM builds WHERE ok=0 GROUP BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertBuild, _ := s.db.Prepare(`INSERT OR REPLACE INTO builds(job_id,cx,cy,cz,quads,workloads,duration_ms,ok,cancelled,code,message,unix_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertPage, _ := s.db.Prepare(`INSERT OR REPLACE INTO page_saves(px,py,pz,unix_ms,path,bytes,occupied,duration_ms) VALUES(?,?,?,?,?,?,?,?)`)
	upsertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertBuild, insertPage, upsertMeta} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqBuild:
			b := r.build
			exec(insertBuild, b.JobID, b.Chunk[0], b.Chunk[1], b.Chunk[2], b.Quads, b.Workloads, b.DurationMs,
				b2i(b.OK), b2i(b.Cancelled), b.Code, b.Message, b.UnixMs)
		case reqPage:
			p := r.page
			exec(insertPage, p.Page[0], p.Page[1], p.Page[2], p.UnixMs, p.Path, p.Bytes, p.Occupied, p.DurationMs)
		case reqMeta:
			exec(upsertMeta, r.key, r.value)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
