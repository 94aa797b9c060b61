package main

import (
	"log"
	"path/filepath"
	"time"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/persistence/indexdb"
	persistlog "voxelmesh.ai/internal/persistence/log"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/transport/observer"
)

// eventSinks fans build results and page saves out to the JSONL logs, the sqlite index and the
// observer hub. Any of them may be nil.
type eventSinks struct {
	logger *log.Logger

	logs  *persistlog.Logs
	index *indexdb.SQLiteIndex
	obs   *observer.Server

	now func() time.Time
}

func (s *eventSinks) open(storeDir string, src persistlog.Source, disableDB bool) error {
	s.logs = persistlog.Open(storeDir, src)
	if disableDB {
		return nil
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(storeDir, "index", "builds.sqlite"))
	if err != nil {
		return err
	}
	s.index = idx
	return nil
}

func (s *eventSinks) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *eventSinks) Build(r build.Result) {
	m := observer.BuildEvent(r, s.clock())
	if s.logs != nil {
		if err := s.logs.WriteBuild(m); err != nil && s.logger != nil {
			s.logger.Printf("build log: %v", err)
		}
	}
	s.index.RecordBuild(m)
	if s.obs != nil {
		s.obs.PublishBuild(m)
	}
}

func (s *eventSinks) PageSaved(p store.PageSaved) {
	m := observer.PageSavedEvent(p, s.clock())
	if s.logs != nil {
		if err := s.logs.WritePageSaved(m); err != nil && s.logger != nil {
			s.logger.Printf("page log: %v", err)
		}
	}
	s.index.RecordPageSaved(m)
	if s.obs != nil {
		s.obs.PublishPageSaved(m)
	}
}

func (s *eventSinks) IndexStats() *indexdb.Stats {
	if s.index == nil {
		return nil
	}
	st := s.index.Stats()
	return &st
}

func (s *eventSinks) Close() {
	if s.logs != nil {
		if err := s.logs.Close(); err != nil && s.logger != nil {
			s.logger.Printf("close logs: %v", err)
		}
	}
	if s.index != nil {
		_ = s.index.Close()
	}
}
