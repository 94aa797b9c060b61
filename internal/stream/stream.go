// Package stream decides, once per frame, which chunks to build and which to evict.
package stream

import (
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/store"
)

// Layout places chunk (0,0,0) at Origin; chunk c spans Origin+c*Spacing .. Origin+(c+1)*Spacing.
type Layout struct {
	Origin    mgl32.Vec3
	Spacing   mgl32.Vec3
	NumChunks [3]int
}

func (l Layout) InBounds(c store.ChunkCoord) bool {
	return c.X >= 0 && c.Y >= 0 && c.Z >= 0 && c.X < l.NumChunks[0] && c.Y < l.NumChunks[1] && c.Z < l.NumChunks[2]
}

func (l Layout) ChunkBox(c store.ChunkCoord) engine.AABB {
	lo := l.Origin.Add(mgl32.Vec3{float32(c.X) * l.Spacing[0], float32(c.Y) * l.Spacing[1], float32(c.Z) * l.Spacing[2]})
	return engine.AABB{Min: lo, Max: lo.Add(l.Spacing)}
}

// ChunkAt is the (possibly out of bounds) chunk containing p.
func (l Layout) ChunkAt(p mgl32.Vec3) store.ChunkCoord {
	rel := p.Sub(l.Origin)
	axis := func(i int) int {
		if l.Spacing[i] <= 0 {
			return 0
		}
		return int(math.Floor(float64(rel[i] / l.Spacing[i])))
	}
	return store.ChunkCoord{X: axis(0), Y: axis(1), Z: axis(2)}
}

// Radius is the lateral chunk radius a camera with the given far clip can see.
func (l Layout) Radius(farClip float32) int {
	sp := l.Spacing[0]
	if l.Spacing[2] > sp {
		sp = l.Spacing[2]
	}
	if sp <= 0 || farClip <= 0 {
		return 0
	}
	return int(math.Ceil(float64(farClip / sp)))
}

// Host owns the drawables. Every call happens on the goroutine running Step.
type Host interface {
	// Resident reports a chunk that already has a drawable or a job in flight.
	Resident(c store.ChunkCoord) bool
	// Loaded lists the chunks currently holding a mesh.
	Loaded() []store.ChunkCoord
	// Build submits a chunk; build.ErrNoFreeSlot means try again next frame.
	Build(c store.ChunkCoord) error
	// Evict releases the chunk's mesh and voxel memory.
	Evict(c store.ChunkCoord)
}

type Config struct {
	Layout            Layout
	MaxBuildsPerFrame int
	// MaxFrameTime bounds time spent submitting in one Step. Zero means no limit.
	MaxFrameTime time.Duration
	// LowPriority also queues chunks inside the radius that no camera can see.
	LowPriority bool
	// HighWater of zero disables eviction.
	HighWater int
	LowWater  int
	Logger    *log.Logger
	// Now is the frame clock; tests replace it.
	Now func() time.Time
}

// Candidate is a chunk with its priority inputs for the current frame.
type Candidate struct {
	Coord    store.ChunkCoord
	Visible  bool
	Distance float32
}

type StepStats struct {
	Cameras   int
	High      int
	Low       int
	Submitted int
	// Deferred entries stay queued for the next frame.
	Deferred int
	Failed   int
	Evicted  int
	Loaded   int
	Took     time.Duration
}

type Stats struct {
	Frames    uint64
	Submitted uint64
	Evicted   uint64
	Failed    uint64
	Queued    int
	Last      StepStats
}

type Streamer struct {
	cfg    Config
	host   Host
	logger *log.Logger

	mu      sync.Mutex
	enabled bool
	queued  map[store.ChunkCoord]struct{}
	stats   Stats
}

func New(cfg Config, host Host) *Streamer {
	if cfg.MaxBuildsPerFrame <= 0 {
		cfg.MaxBuildsPerFrame = 4
	}
	if cfg.HighWater > 0 && (cfg.LowWater <= 0 || cfg.LowWater > cfg.HighWater) {
		cfg.LowWater = cfg.HighWater * 3 / 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Streamer{cfg: cfg, host: host, logger: cfg.Logger, enabled: true, queued: map[store.ChunkCoord]struct{}{}}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

func (s *Streamer) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

func (s *Streamer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Streamer) LoadedChunks() int { return len(s.host.Loaded()) }

func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = len(s.queued)
	return st
}

// Queued reports whether c is waiting for a build slot.
func (s *Streamer) Queued(c store.ChunkCoord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[c]
	return ok
}

type view struct {
	pos    mgl32.Vec3
	fr     engine.Frustum
	center store.ChunkCoord
	radius int
}

// Step runs one frame of the policy for the active cameras.
func (s *Streamer) Step(cams []engine.Camera) StepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StepStats{Cameras: len(cams)}
	if !s.enabled || len(cams) == 0 {
		return st
	}
	start := s.cfg.Now()
	views := make([]view, 0, len(cams))
	for _, c := range cams {
		pos := c.WorldPosition()
		views = append(views, view{pos: pos, fr: c.Frustum(), center: s.cfg.Layout.ChunkAt(pos), radius: s.cfg.Layout.Radius(c.FarClip())})
	}

	want := s.wanted(views)
	for c := range s.queued {
		if _, ok := want[c]; !ok {
			delete(s.queued, c)
		}
	}
	var high, low []Candidate
	for c := range want {
		if s.host.Resident(c) {
			delete(s.queued, c)
			continue
		}
		cand := s.candidate(c, views)
		if !cand.Visible && !s.cfg.LowPriority {
			delete(s.queued, c)
			continue
		}
		s.queued[c] = struct{}{}
		if cand.Visible {
			high = append(high, cand)
		} else {
			low = append(low, cand)
		}
	}
	BuildOrder(high)
	BuildOrder(low)
	st.High, st.Low = len(high), len(low)

	s.drain(append(high, low...), start, &st)
	st.Deferred = len(s.queued)

	st.Evicted = s.evict(views)
	st.Loaded = len(s.host.Loaded())
	st.Took = s.cfg.Now().Sub(start)

	s.stats.Frames++
	s.stats.Submitted += uint64(st.Submitted)
	s.stats.Evicted += uint64(st.Evicted)
	s.stats.Failed += uint64(st.Failed)
	s.stats.Last = st
	return st
}

// wanted is every in-bounds chunk column within some camera's radius, at every chunk height.
func (s *Streamer) wanted(views []view) map[store.ChunkCoord]struct{} {
	l := s.cfg.Layout
	out := map[store.ChunkCoord]struct{}{}
	for _, v := range views {
		x0, x1 := clamp(v.center.X-v.radius, l.NumChunks[0]), clamp(v.center.X+v.radius+1, l.NumChunks[0])
		z0, z1 := clamp(v.center.Z-v.radius, l.NumChunks[2]), clamp(v.center.Z+v.radius+1, l.NumChunks[2])
		for x := x0; x < x1; x++ {
			for z := z0; z < z1; z++ {
				for y := 0; y < l.NumChunks[1]; y++ {
					out[store.ChunkCoord{X: x, Y: y, Z: z}] = struct{}{}
				}
			}
		}
	}
	return out
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}

func (s *Streamer) candidate(c store.ChunkCoord, views []view) Candidate {
	box := s.cfg.Layout.ChunkBox(c)
	center := box.Center()
	out := Candidate{Coord: c, Distance: float32(math.Inf(1))}
	for _, v := range views {
		if d := center.Sub(v.pos).Len(); d < out.Distance {
			out.Distance = d
		}
		if !out.Visible && v.fr.IntersectsAABB(box) {
			out.Visible = true
		}
	}
	return out
}

func (s *Streamer) drain(order []Candidate, start time.Time, st *StepStats) {
	for _, cand := range order {
		if st.Submitted >= s.cfg.MaxBuildsPerFrame {
			return
		}
		if s.cfg.MaxFrameTime > 0 && s.cfg.Now().Sub(start) >= s.cfg.MaxFrameTime {
			return
		}
		err := s.host.Build(cand.Coord)
		if errors.Is(err, build.ErrNoFreeSlot) {
			return
		}
		delete(s.queued, cand.Coord)
		switch {
		case err == nil:
			st.Submitted++
		case errors.Is(err, mesh.ErrNothingToBuild):
		default:
			st.Failed++
			s.logger.Printf("stream: chunk %s: %v", cand.Coord, err)
		}
	}
}

func (s *Streamer) evict(views []view) int {
	if s.cfg.HighWater <= 0 {
		return 0
	}
	loaded := s.host.Loaded()
	if len(loaded) <= s.cfg.HighWater {
		return 0
	}
	cands := make([]Candidate, 0, len(loaded))
	for _, c := range loaded {
		cands = append(cands, s.candidate(c, views))
	}
	EvictionOrder(cands)
	n := len(loaded) - s.cfg.LowWater
	for _, cand := range cands[:n] {
		s.host.Evict(cand.Coord)
	}
	return n
}

// BuildOrder sorts nearest first.
func BuildOrder(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return less(c[i].Coord, c[j].Coord)
	})
}

// EvictionOrder sorts the first to evict first: chunks no camera sees, then the farthest.
// Visibility always beats distance.
func EvictionOrder(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Visible != c[j].Visible {
			return !c[i].Visible
		}
		if c[i].Distance != c[j].Distance {
			return c[i].Distance > c[j].Distance
		}
		return less(c[i].Coord, c[j].Coord)
	})
}

func less(a, b store.ChunkCoord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	return a.Y < b.Y
}
