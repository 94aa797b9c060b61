package stream

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/store"
)

type fakeCamera struct {
	pos mgl32.Vec3
	far float32
	fr  engine.Frustum
}

func (c fakeCamera) Frustum() engine.Frustum   { return c.fr }
func (c fakeCamera) FarClip() float32          { return c.far }
func (c fakeCamera) WorldPosition() mgl32.Vec3 { return c.pos }

// seesBelowX keeps only boxes reaching x <= limit.
func seesBelowX(limit float32) engine.Frustum {
	return engine.Frustum{Planes: [6]engine.Plane{{N: mgl32.Vec3{-1, 0, 0}, D: limit}}}
}

type fakeHost struct {
	resident map[store.ChunkCoord]bool
	built    []store.ChunkCoord
	evicted  []store.ChunkCoord
	full     bool
}

func newHost() *fakeHost { return &fakeHost{resident: map[store.ChunkCoord]bool{}} }

func (h *fakeHost) Resident(c store.ChunkCoord) bool { return h.resident[c] }

func (h *fakeHost) Loaded() []store.ChunkCoord {
	out := make([]store.ChunkCoord, 0, len(h.resident))
	for c := range h.resident {
		out = append(out, c)
	}
	return out
}

func (h *fakeHost) Build(c store.ChunkCoord) error {
	if h.full {
		return build.ErrNoFreeSlot
	}
	h.resident[c] = true
	h.built = append(h.built, c)
	return nil
}

func (h *fakeHost) Evict(c store.ChunkCoord) {
	delete(h.resident, c)
	h.evicted = append(h.evicted, c)
}

var quiet = log.New(io.Discard, "", 0)

func layout() Layout {
	return Layout{Spacing: mgl32.Vec3{16, 16, 16}, NumChunks: [3]int{8, 1, 8}}
}

func TestRadius(t *testing.T) {
	l := Layout{Spacing: mgl32.Vec3{16, 64, 8}}
	if r := l.Radius(40); r != 3 {
		t.Fatalf("radius=%d want 3", r)
	}
	if r := l.Radius(32); r != 2 {
		t.Fatalf("radius=%d want 2", r)
	}
	if r := l.Radius(0); r != 0 {
		t.Fatalf("radius=%d want 0", r)
	}
	if c := l.ChunkAt(mgl32.Vec3{-1, 10, 17}); c != (store.ChunkCoord{X: -1, Y: 0, Z: 2}) {
		t.Fatalf("chunk at=%v", c)
	}
}

func TestEvictionOrderVisibilityDominatesDistance(t *testing.T) {
	c := []Candidate{
		{Coord: store.ChunkCoord{X: 1}, Visible: true, Distance: 500},
		{Coord: store.ChunkCoord{X: 2}, Visible: false, Distance: 10},
		{Coord: store.ChunkCoord{X: 3}, Visible: true, Distance: 50},
		{Coord: store.ChunkCoord{X: 4}, Visible: false, Distance: 90},
	}
	EvictionOrder(c)
	want := []int{4, 2, 1, 3}
	for i, w := range want {
		if c[i].Coord.X != w {
			t.Fatalf("position %d got chunk %d want %d (%+v)", i, c[i].Coord.X, w, c)
		}
	}
}

func TestBudgetLeavesRestQueued(t *testing.T) {
	h := newHost()
	s := New(Config{Layout: layout(), MaxBuildsPerFrame: 3, Logger: quiet}, h)
	cam := fakeCamera{pos: mgl32.Vec3{24, 8, 24}, far: 16}

	st := s.Step([]engine.Camera{cam})
	if st.Submitted != 3 || st.Deferred != 6 {
		t.Fatalf("frame 1: %+v", st)
	}
	if h.built[0] != (store.ChunkCoord{X: 1, Z: 1}) {
		t.Fatalf("camera chunk not built first: %v", h.built[0])
	}
	s.Step([]engine.Camera{cam})
	st = s.Step([]engine.Camera{cam})
	if st.Submitted != 3 || st.Deferred != 0 {
		t.Fatalf("frame 3: %+v", st)
	}
	if len(h.built) != 9 || s.LoadedChunks() != 9 {
		t.Fatalf("built %d chunks want 9", len(h.built))
	}
	if st := s.Step([]engine.Camera{cam}); st.Submitted != 0 {
		t.Fatalf("resident chunks resubmitted: %+v", st)
	}
}

func TestNoFreeSlotDefersWholeQueue(t *testing.T) {
	h := newHost()
	h.full = true
	s := New(Config{Layout: layout(), MaxBuildsPerFrame: 100, Logger: quiet}, h)
	cam := fakeCamera{pos: mgl32.Vec3{24, 8, 24}, far: 16}
	if st := s.Step([]engine.Camera{cam}); st.Submitted != 0 || st.Deferred != 9 {
		t.Fatalf("%+v", st)
	}
	if !s.Queued(store.ChunkCoord{X: 1, Z: 1}) {
		t.Fatalf("entry dropped")
	}
	h.full = false
	if st := s.Step([]engine.Camera{cam}); st.Submitted != 9 {
		t.Fatalf("%+v", st)
	}
}

func TestFrameTimeBudget(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}
	h := newHost()
	s := New(Config{Layout: layout(), MaxBuildsPerFrame: 100, MaxFrameTime: 15 * time.Millisecond, Now: clock, Logger: quiet}, h)
	st := s.Step([]engine.Camera{fakeCamera{pos: mgl32.Vec3{24, 8, 24}, far: 16}})
	if st.Submitted != 1 || st.Deferred != 8 {
		t.Fatalf("%+v", st)
	}
}

func TestVisibleChunksFirstAndLowPriorityOptional(t *testing.T) {
	cam := fakeCamera{pos: mgl32.Vec3{40, 8, 8}, far: 16, fr: seesBelowX(16)}

	h := newHost()
	s := New(Config{Layout: layout(), MaxBuildsPerFrame: 100, Logger: quiet}, h)
	if st := s.Step([]engine.Camera{cam}); st.Submitted != 2 || st.Low != 0 {
		t.Fatalf("without low priority: %+v", st)
	}
	for _, c := range h.built {
		if c.X != 1 {
			t.Fatalf("invisible chunk %v built", c)
		}
	}

	h = newHost()
	s = New(Config{Layout: layout(), MaxBuildsPerFrame: 100, LowPriority: true, Logger: quiet}, h)
	st := s.Step([]engine.Camera{cam})
	if st.High != 2 || st.Low != 4 || st.Submitted != 6 {
		t.Fatalf("with low priority: %+v", st)
	}
	if h.built[0].X != 1 || h.built[1].X != 1 {
		t.Fatalf("visible chunks must drain first: %v", h.built)
	}
	if h.built[2].X != 2 {
		t.Fatalf("low queue must be nearest first: %v", h.built)
	}
}

func TestEvictsDownToLowWater(t *testing.T) {
	h := newHost()
	for x := 0; x < 5; x++ {
		for z := 0; z < 2; z++ {
			h.resident[store.ChunkCoord{X: x, Z: z}] = true
		}
	}
	s := New(Config{Layout: layout(), HighWater: 8, LowWater: 5, Logger: quiet}, h)
	// Sees x <= 16 only: chunks with X 0 and 1.
	st := s.Step([]engine.Camera{fakeCamera{pos: mgl32.Vec3{8, 8, 8}, far: 16, fr: seesBelowX(16)}})
	if st.Evicted != 5 || st.Loaded != 5 {
		t.Fatalf("%+v", st)
	}
	for _, c := range h.evicted[:4] {
		if c.X < 3 {
			t.Fatalf("evicted %v before the farthest invisible chunks: %v", c, h.evicted)
		}
	}
	if c := h.evicted[4]; c.X != 2 {
		t.Fatalf("fifth eviction %v want an X=2 chunk", c)
	}
	for c := range h.resident {
		if c.X > 2 {
			t.Fatalf("chunk %v survived", c)
		}
	}
}

func TestDisabledDoesNothing(t *testing.T) {
	h := newHost()
	s := New(Config{Layout: layout(), Logger: quiet}, h)
	s.SetEnabled(false)
	if s.Enabled() {
		t.Fatalf("still enabled")
	}
	if st := s.Step([]engine.Camera{fakeCamera{pos: mgl32.Vec3{8, 8, 8}, far: 64}}); st.Submitted != 0 {
		t.Fatalf("%+v", st)
	}
}
