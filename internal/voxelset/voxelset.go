// Package voxelset is one meshed voxel world: a store, a builder, a build scheduler and a
// streamer wired together. All methods except Stats must be called from the frame goroutine.
package voxelset

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/stream"
	"voxelmesh.ai/internal/voxel/grid"
	"voxelmesh.ai/internal/worldgen"
)

type Config struct {
	Store     *store.Store
	Builder   mesh.Builder
	Queue     engine.WorkQueue
	Scheduler build.Config
	Stream    stream.Config
	// Origin is the world position of voxel (0,0,0) of chunk (0,0,0).
	Origin mgl32.Vec3
	// Generator fills chunks that were never written, on first build. Optional.
	Generator *worldgen.Generator
	// NewDrawable defaults to engine.MemoryDrawable.
	NewDrawable func(c store.ChunkCoord) engine.Drawable
	Logger      *log.Logger
	// OnResult sees every finished job after the set has updated its own state.
	OnResult func(build.Result)
}

// maxRebuildFailures bounds the retries of a chunk whose rebuild keeps failing. An edit
// that touches the chunk resets the count.
const maxRebuildFailures = 8

type chunk struct {
	drawable engine.Drawable
	meshed   bool
	failures int
}

type Stats struct {
	Chunks    int
	Meshed    int
	Stale     int
	Generated uint64
	Build     build.Stats
	Stream    stream.Stats
	Store     store.Stats
}

type VoxelSet struct {
	cfg      Config
	st       *store.Store
	builder  mesh.Builder
	sched    *build.Scheduler
	streamer *stream.Streamer
	layout   stream.Layout
	logger   *log.Logger

	mu        sync.Mutex
	chunks    map[store.ChunkCoord]*chunk
	stale     map[store.ChunkCoord]bool
	generated uint64
}

func New(cfg Config) (*VoxelSet, error) {
	if cfg.Store == nil || cfg.Builder == nil {
		return nil, errors.New("voxelset: store and builder are required")
	}
	if cfg.Queue == nil {
		cfg.Queue = engine.NewWorkQueue(0)
	}
	if cfg.NewDrawable == nil {
		cfg.NewDrawable = func(store.ChunkCoord) engine.Drawable { return &engine.MemoryDrawable{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	v := &VoxelSet{
		cfg:     cfg,
		st:      cfg.Store,
		builder: cfg.Builder,
		logger:  cfg.Logger,
		chunks:  map[store.ChunkCoord]*chunk{},
		stale:   map[store.ChunkCoord]bool{},
	}
	w, h, d := cfg.Store.ChunkDims()
	nx, ny, nz := cfg.Store.NumChunks()
	v.layout = stream.Layout{Origin: cfg.Origin, Spacing: mgl32.Vec3{float32(w), float32(h), float32(d)}, NumChunks: [3]int{nx, ny, nz}}

	sc := cfg.Scheduler
	if sc.Logger == nil {
		sc.Logger = cfg.Logger
	}
	sc.OnResult = v.onResult
	v.sched = build.New(sc, cfg.Builder, cfg.Queue)

	stc := cfg.Stream
	stc.Layout = v.layout
	if stc.Logger == nil {
		stc.Logger = cfg.Logger
	}
	v.streamer = stream.New(stc, v)
	return v, nil
}

func (v *VoxelSet) Store() *store.Store         { return v.st }
func (v *VoxelSet) Scheduler() *build.Scheduler { return v.sched }
func (v *VoxelSet) Streamer() *stream.Streamer  { return v.streamer }
func (v *VoxelSet) Layout() stream.Layout       { return v.layout }

// Frame uploads finished builds, resubmits chunks whose voxels changed, then runs the streamer.
func (v *VoxelSet) Frame(cams []engine.Camera) stream.StepStats {
	v.sched.CompleteWork()
	v.rebuildStale()
	st := v.streamer.Step(cams)
	return st
}

func (v *VoxelSet) rebuildStale() {
	v.mu.Lock()
	coords := make([]store.ChunkCoord, 0, len(v.stale))
	for c := range v.stale {
		coords = append(coords, c)
	}
	v.mu.Unlock()
	sort.Slice(coords, func(i, j int) bool {
		a, b := coords[i], coords[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.Y < b.Y
	})
	for _, c := range coords {
		if err := v.submit(c); errors.Is(err, build.ErrNoFreeSlot) {
			return
		}
		v.mu.Lock()
		delete(v.stale, c)
		v.mu.Unlock()
	}
}

// Resident implements stream.Host.
func (v *VoxelSet) Resident(c store.ChunkCoord) bool {
	v.mu.Lock()
	_, ok := v.chunks[c]
	v.mu.Unlock()
	return ok || v.sched.InFlight(c)
}

// Loaded implements stream.Host.
func (v *VoxelSet) Loaded() []store.ChunkCoord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.ChunkCoord, 0, len(v.chunks))
	for c, ch := range v.chunks {
		if ch.meshed {
			out = append(out, c)
		}
	}
	return out
}

// Build implements stream.Host. A chunk that was never written is generated first when a
// generator is configured.
func (v *VoxelSet) Build(c store.ChunkCoord) error {
	if !v.st.InRange(c) {
		return store.ErrOutOfRange
	}
	if v.cfg.Generator != nil && !v.st.Exists(c.X, c.Y, c.Z) {
		if err := v.generate(c); err != nil {
			return err
		}
	}
	return v.submit(c)
}

func (v *VoxelSet) generate(c store.ChunkCoord) error {
	g, ok := v.st.GetVoxelMap(c.X, c.Y, c.Z)
	if !ok {
		return store.ErrOutOfRange
	}
	w, h, d := g.Dims()
	v.cfg.Generator.FillChunk(g, c.X*w, c.Y*h, c.Z*d)
	if err := v.st.UpdateVoxelMap(c.X, c.Y, c.Z, g, true); err != nil {
		return err
	}
	v.mu.Lock()
	v.generated++
	v.mu.Unlock()
	v.markNeighborsStale(c)
	return nil
}

func (v *VoxelSet) submit(c store.ChunkCoord) error {
	g, ok := v.st.CloneVoxelMap(c.X, c.Y, c.Z)
	if !ok {
		return store.ErrOutOfRange
	}
	v.mu.Lock()
	ch, existed := v.chunks[c]
	if !existed {
		ch = &chunk{drawable: v.cfg.NewDrawable(c)}
		v.chunks[c] = ch
	}
	v.mu.Unlock()

	req := build.Request{
		Coord:    c,
		Input:    v.input(c, g),
		Drawable: ch.drawable,
	}
	if _, err := v.sched.Submit(req); err != nil {
		if !existed {
			v.mu.Lock()
			delete(v.chunks, c)
			v.mu.Unlock()
		}
		return err
	}
	return nil
}

func (v *VoxelSet) input(c store.ChunkCoord, g *grid.Grid) mesh.Input {
	return mesh.Input{
		Grid:    g,
		Palette: v.st.Palette(),
		Origin:  v.layout.ChunkBox(c).Min,
		MinEdge: [3]bool{c.X == 0, c.Y == 0, c.Z == 0},
	}
}

func (v *VoxelSet) onResult(r build.Result) {
	v.mu.Lock()
	ch, ok := v.chunks[r.Coord]
	switch {
	case !ok || r.Cancelled:
	case r.Err == nil:
		ch.meshed = true
		ch.failures = 0
	case !ch.meshed:
		// Never built: forget it so the streamer retries.
		delete(v.chunks, r.Coord)
	default:
		// The old mesh stays up until a rebuild succeeds.
		ch.failures++
		if ch.failures < maxRebuildFailures {
			v.stale[r.Coord] = true
		} else {
			v.logger.Printf("chunk %s: giving up after %d failed rebuilds: %v", r.Coord, ch.failures, r.Err)
		}
	}
	v.mu.Unlock()
	if v.cfg.OnResult != nil {
		v.cfg.OnResult(r)
	}
}

// Evict implements stream.Host.
func (v *VoxelSet) Evict(c store.ChunkCoord) {
	v.sched.Cancel(c)
	v.mu.Lock()
	ch, ok := v.chunks[c]
	delete(v.chunks, c)
	delete(v.stale, c)
	v.mu.Unlock()
	if ok {
		ch.drawable.Release()
	}
	v.st.Unload(c.X, c.Y, c.Z)
}

// Edit replaces the voxels of c, exchanges padding with its neighbors and queues every affected
// resident chunk for rebuild on the next frame.
func (v *VoxelSet) Edit(c store.ChunkCoord, g *grid.Grid) error {
	if err := v.st.UpdateVoxelMap(c.X, c.Y, c.Z, g, true); err != nil {
		return err
	}
	v.mu.Lock()
	v.markStaleLocked(c)
	v.mu.Unlock()
	v.markNeighborsStale(c)
	return nil
}

// markNeighborsStale covers the diagonal chunks too: they share a padding corner column with c.
func (v *VoxelSet) markNeighborsStale(c store.ChunkCoord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for dx := -1; dx <= 1; dx++ {
		for dz := -1; dz <= 1; dz++ {
			if dx != 0 || dz != 0 {
				v.markStaleLocked(store.ChunkCoord{X: c.X + dx, Y: c.Y, Z: c.Z + dz})
			}
		}
	}
}

func (v *VoxelSet) markStaleLocked(c store.ChunkCoord) {
	if ch, ok := v.chunks[c]; ok {
		ch.failures = 0
		v.stale[c] = true
	}
}

// BuildSync builds one chunk and waits for its upload, bypassing the streamer.
func (v *VoxelSet) BuildSync(ctx context.Context, c store.ChunkCoord) (build.Result, error) {
	g, ok := v.st.CloneVoxelMap(c.X, c.Y, c.Z)
	if !ok {
		return build.Result{}, store.ErrOutOfRange
	}
	v.mu.Lock()
	ch, existed := v.chunks[c]
	if !existed {
		ch = &chunk{drawable: v.cfg.NewDrawable(c)}
		v.chunks[c] = ch
	}
	v.mu.Unlock()
	return v.sched.BuildSync(ctx, build.Request{
		Coord:    c,
		Input:    v.input(c, g),
		Drawable: ch.drawable,
	})
}

// Drawable returns the drawable of c, if the chunk is resident.
func (v *VoxelSet) Drawable(c store.ChunkCoord) (engine.Drawable, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch, ok := v.chunks[c]
	if !ok {
		return nil, false
	}
	return ch.drawable, true
}

// UpdateMaterial pushes the palette derived parameters into m.
func (v *VoxelSet) UpdateMaterial(m engine.Material) {
	v.builder.UpdateMaterialParameters(m, v.st.Palette())
}

// Stats is safe from any goroutine.
func (v *VoxelSet) Stats() Stats {
	v.mu.Lock()
	st := Stats{Chunks: len(v.chunks), Stale: len(v.stale), Generated: v.generated}
	for _, ch := range v.chunks {
		if ch.meshed {
			st.Meshed++
		}
	}
	v.mu.Unlock()
	st.Build = v.sched.Stats()
	st.Stream = v.streamer.Stats()
	st.Store = v.st.Stats()
	return st
}

// Close drains in-flight builds and stops the worker queue.
func (v *VoxelSet) Close() {
	v.sched.Close()
}
