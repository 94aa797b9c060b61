package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/persistence/indexdb"
	persistlog "voxelmesh.ai/internal/persistence/log"
	"voxelmesh.ai/internal/protocol"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/transport/observer"
	"voxelmesh.ai/internal/voxelset"
)

func TestWriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	st := voxelset.Stats{Chunks: 3, Meshed: 2}
	st.Build.Slots, st.Build.Free, st.Build.Built = 4, 1, 7
	writeMetrics(&buf, "s1", st, 42, observer.Stats{Clients: 1}, &indexdb.Stats{QueueCapacity: 8})

	out := buf.String()
	for _, want := range []string{
		`voxelmesh_frames_total{store="s1"} 42`,
		`voxelmesh_chunks_meshed{store="s1"} 2`,
		`voxelmesh_build_slots{store="s1",state="busy"} 3`,
		`voxelmesh_build_jobs_total{store="s1",outcome="built"} 7`,
		`voxelmesh_observer_clients{store="s1"} 1`,
		`voxelmesh_index_queue_capacity{store="s1"} 8`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	buf.Reset()
	writeMetrics(&buf, "s1", st, 0, observer.Stats{}, nil)
	if strings.Contains(buf.String(), "voxelmesh_index_") {
		t.Fatalf("index metrics without an index")
	}
}

func TestEventSinksFanOut(t *testing.T) {
	dir := t.TempDir()
	obs := observer.NewServer(protocol.StoreParams{}, nil)
	s := &eventSinks{obs: obs, now: func() time.Time { return time.Unix(100, 0) }}
	if err := s.open(dir, persistlog.Source{StoreID: "s1", Mesher: "cube"}, false); err != nil {
		t.Fatalf("open: %v", err)
	}

	s.Build(build.Result{JobID: "j1", Coord: store.ChunkCoord{X: 2}, Quads: 5})
	s.Build(build.Result{JobID: "j2", Err: errors.New("boom")})
	s.PageSaved(store.PageSaved{Key: store.PageKey{X: 1}, Path: "p", Bytes: 10})
	if got := obs.Stats().Cursor; got != 2 {
		t.Fatalf("observer cursor=%d", got)
	}
	if b, p := s.logs.Records(); b != 2 || p != 1 {
		t.Fatalf("log records builds=%d pages=%d", b, p)
	}
	s.Close()

	files, err := persistlog.Files(dir, persistlog.KindBuilds)
	if err != nil || len(files) == 0 {
		t.Fatalf("build logs %v err=%v", files, err)
	}
	logged := 0
	for _, f := range files {
		err := persistlog.ReadFile(f, func(h protocol.LogHeaderMsg, _ []byte) error {
			if h.StoreID != "s1" || h.Mesher != "cube" {
				t.Fatalf("header=%+v", h)
			}
			logged++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if logged != 2 {
		t.Fatalf("logged %d builds want 2", logged)
	}

	idx, err := indexdb.OpenSQLite(dir + "/index/builds.sqlite")
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	defer idx.Close()
	fails, err := idx.FailureCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fails[protocol.ErrBuildFailed] != 1 {
		t.Fatalf("fails=%v", fails)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	if !isLoopbackRemote("127.0.0.1:1") || isLoopbackRemote("192.168.1.1:1") {
		t.Fatal("loopback check")
	}
}
