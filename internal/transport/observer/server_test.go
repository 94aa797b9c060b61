package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/protocol"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/stream"
)

func stubStep() stream.StepStats {
	return stream.StepStats{Cameras: 1, High: 3, Submitted: 2, Took: 1500 * time.Microsecond}
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.WSHandler())
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn, v any) protocol.BaseMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("unmarshal %s: %v", base.Type, err)
		}
	}
	return base
}

func subscribe(t *testing.T, conn *websocket.Conn, frameEvery int) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Builds: true, Frames: true, FrameEvery: frameEvery})
	var w protocol.WelcomeMsg
	if base := read(t, conn, &w); base.Type != protocol.TypeWelcome {
		t.Fatalf("got %s, want WELCOME", base.Type)
	}
	return w
}

func TestSubscribeWelcomeAndBuildStream(t *testing.T) {
	s := NewServer(protocol.StoreParams{StoreID: "store-1", ChunkDims: [3]int{32, 64, 32}, Mesher: "cube"}, nil)
	conn := dial(t, s)

	w := subscribe(t, conn, 2)
	if w.SessionID == "" || w.Store.StoreID != "store-1" || w.Store.ChunkDims != [3]int{32, 64, 32} {
		t.Fatalf("welcome=%+v", w)
	}

	s.PublishBuild(BuildEvent(build.Result{JobID: "j1", Coord: store.ChunkCoord{X: 1, Z: 2}, Quads: 12, Workloads: 4}, time.Unix(0, 0)))
	var b protocol.BuildMsg
	if base := read(t, conn, &b); base.Type != protocol.TypeBuild {
		t.Fatalf("got %s, want BUILD", base.Type)
	}
	if b.JobID != "j1" || !b.OK || b.Chunk != [3]int{1, 0, 2} || b.Quads != 12 {
		t.Fatalf("build=%+v", b)
	}

	// FrameEvery=2 skips odd frames.
	s.PublishFrame(FrameEvent(1, stubStep(), build.Stats{Slots: 4, Free: 4}, nil))
	s.PublishFrame(FrameEvent(2, stubStep(), build.Stats{Slots: 4, Free: 3, InFlight: 1}, []build.State{build.StateBuilding}))
	var f protocol.FrameMsg
	if base := read(t, conn, &f); base.Type != protocol.TypeFrame {
		t.Fatalf("got %s, want FRAME", base.Type)
	}
	if f.Frame != 2 || f.Slots.InFlight != 1 || len(f.Slots.States) != 1 || f.Slots.States[0] != "BUILDING" {
		t.Fatalf("frame=%+v", f)
	}
}

func TestEventBatchReplaysFromCursor(t *testing.T) {
	s := NewServer(protocol.StoreParams{}, nil)
	for i := 0; i < 5; i++ {
		s.PublishBuild(protocol.BuildMsg{Type: protocol.TypeBuild, ProtocolVersion: protocol.Version, JobID: fmt.Sprintf("j%d", i)})
	}
	conn := dial(t, s)
	subscribe(t, conn, 1)

	send(t, conn, protocol.EventBatchReqMsg{Type: protocol.TypeEventBatchReq, ProtocolVersion: protocol.Version, ReqID: "r1", SinceCursor: 2, Limit: 2})
	var m protocol.EventBatchMsg
	if base := read(t, conn, &m); base.Type != protocol.TypeEventBatch {
		t.Fatalf("got %s, want EVENT_BATCH", base.Type)
	}
	if m.ReqID != "r1" || len(m.Events) != 2 || m.Events[0].Cursor != 3 || m.Events[1].Event.JobID != "j3" || m.NextCursor != 4 {
		t.Fatalf("batch=%+v", m)
	}

	send(t, conn, map[string]string{"type": "NOPE", "protocol_version": protocol.Version})
	var a protocol.AckMsg
	if base := read(t, conn, &a); base.Type != protocol.TypeAck || a.Accepted || a.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack=%+v", a)
	}
}

func TestRingKeepsNewestEvents(t *testing.T) {
	s := NewServer(protocol.StoreParams{}, nil)
	total := defaultRing + 10
	for i := 0; i < total; i++ {
		s.PublishBuild(protocol.BuildMsg{})
	}
	events, next := s.batch(0, maxBatchLimit)
	if len(events) != maxBatchLimit {
		t.Fatalf("len=%d", len(events))
	}
	if events[0].Cursor != 11 || next != events[len(events)-1].Cursor {
		t.Fatalf("first=%d next=%d", events[0].Cursor, next)
	}
	if events, next := s.batch(uint64(total), 10); len(events) != 0 || next != uint64(total) {
		t.Fatalf("caught up: len=%d next=%d", len(events), next)
	}
}

func TestHandshakeRequiresSubscribe(t *testing.T) {
	s := NewServer(protocol.StoreParams{}, nil)
	conn := dial(t, s)
	send(t, conn, protocol.EventBatchReqMsg{Type: protocol.TypeEventBatchReq, ProtocolVersion: protocol.Version})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{build.ErrCancelled, protocol.ErrCancelled},
		{fmt.Errorf("w0: %w", mesh.ErrScratchOverflow), protocol.ErrBuildOverflow},
		{fmt.Errorf("%w: %w", build.ErrUpload, errors.New("gpu")), protocol.ErrUploadFailed},
		{build.ErrNoFreeSlot, protocol.ErrNoSlot},
		{errors.New("boom"), protocol.ErrBuildFailed},
	}
	for _, c := range cases {
		got := ErrorCode(c.err)
		if got != c.want {
			t.Fatalf("ErrorCode(%v)=%q want %q", c.err, got, c.want)
		}
		if !protocol.IsKnownCode(got) {
			t.Fatalf("unknown code for %v", c.err)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v", addr, got)
		}
	}
}
