// Package store keeps chunk voxel grids grouped into fixed-size pages.
//
// Grids are decoded lazily from their page slot on first access and encoded back into the slot
// on every UpdateVoxelMap. Pages are the unit of disk I/O.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxelmesh.ai/internal/persistence/manifest"
	"voxelmesh.ai/internal/persistence/pages"
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
)

var (
	ErrOutOfRange = errors.New("store: chunk out of range")
	ErrDims       = errors.New("store: grid dims do not match chunk dims")
)

type ChunkCoord struct{ X, Y, Z int }

func (c ChunkCoord) String() string { return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z) }

type PageKey struct{ X, Y, Z int }

type Config struct {
	// Dir holds the manifest and page files. Empty keeps everything in memory.
	Dir string

	ChunkDims   [3]int // voxels per chunk along X, Y, Z
	NumChunks   [3]int
	PageSize    [3]int // chunks per page along X, Y, Z
	Padding     int
	Mask        grid.DataMask
	Compression pages.Compression

	Palette *blocktype.Map
	Seed    int64
	Logger  *log.Logger

	// OnPageSaved is called after a dirty page reaches disk.
	OnPageSaved func(PageSaved)
}

type PageSaved struct {
	Key      PageKey
	Path     string
	Bytes    int
	Occupied int
	Duration time.Duration
}

type Stats struct {
	CachedGrids  int
	CachedPages  int
	DirtyPages   int
	PageLoads    uint64
	PageSaves    uint64
	CorruptPages uint64
	CorruptSlots uint64
}

type pageEntry struct {
	p     *pages.Page
	dirty bool
	// saving counts Save calls currently writing this page; PrunePages leaves it alone.
	saving int
}

type Store struct {
	cfg     Config
	logger  *log.Logger
	storeID string

	// saveMu serializes Save so two callers never write the same page file at once.
	saveMu sync.Mutex

	mu    sync.Mutex
	pages map[PageKey]*pageEntry
	grids map[ChunkCoord]*grid.Grid
	stats Stats
}

func (c *Config) normalize() {
	for i := range c.PageSize {
		if c.PageSize[i] <= 0 {
			c.PageSize[i] = 8
		}
	}
	if c.Padding < 1 {
		c.Padding = 1
	}
	if c.Mask == 0 {
		c.Mask = grid.MaskBasic
	}
	if c.Palette == nil {
		c.Palette = blocktype.Default()
	}
}

func (c Config) validate() error {
	for i, n := range c.ChunkDims {
		if n <= 0 {
			return fmt.Errorf("chunk dim %d must be > 0", i)
		}
	}
	if c.ChunkDims[0] > 127 || c.ChunkDims[2] > 127 || c.ChunkDims[1] > 255 {
		return fmt.Errorf("chunk dims %v exceed packed vertex range (127,255,127)", c.ChunkDims)
	}
	for i, n := range c.NumChunks {
		if n <= 0 {
			return fmt.Errorf("chunk count %d must be > 0", i)
		}
	}
	if c.PageSize[0]*c.PageSize[1]*c.PageSize[2] > 1<<16 {
		return fmt.Errorf("page size %v too large", c.PageSize)
	}
	return nil
}

func (c Config) manifest(id string) manifest.ManifestV1 {
	return manifest.ManifestV1{
		Header:        manifest.Header{Version: manifest.Version, StoreID: id},
		ChunkDims:     c.ChunkDims,
		NumChunks:     c.NumChunks,
		PageSize:      c.PageSize,
		Padding:       c.Padding,
		Mask:          uint32(c.Mask),
		Compression:   uint8(c.Compression),
		PaletteDigest: c.Palette.Digest,
		Seed:          c.Seed,
		CreatedUnix:   time.Now().Unix(),
	}
}

// Open creates or reopens a store. An existing manifest must agree with cfg on page layout.
func Open(cfg Config) (*Store, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		pages:  map[PageKey]*pageEntry{},
		grids:  map[ChunkCoord]*grid.Grid{},
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if cfg.Dir == "" {
		s.storeID = uuid.NewString()
		return s, nil
	}

	want := cfg.manifest("")
	path := manifest.Path(cfg.Dir)
	have, err := manifest.Read(path)
	switch {
	case err == nil:
		if err := have.Compatible(want); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Dir, err)
		}
		if have.PaletteDigest != "" && have.PaletteDigest != want.PaletteDigest {
			s.logger.Printf("store %s: palette digest changed (%s -> %s)", cfg.Dir, short(have.PaletteDigest), short(want.PaletteDigest))
		}
		s.storeID = have.Header.StoreID
	case errors.Is(err, os.ErrNotExist):
		s.storeID = uuid.NewString()
		if err := manifest.Write(path, cfg.manifest(s.storeID)); err != nil {
			return nil, fmt.Errorf("write manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return s, nil
}

func short(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func (s *Store) ID() string  { return s.storeID }
func (s *Store) Dir() string { return s.cfg.Dir }
func (s *Store) ChunkDims() (w, h, d int) {
	return s.cfg.ChunkDims[0], s.cfg.ChunkDims[1], s.cfg.ChunkDims[2]
}
func (s *Store) NumChunks() (x, y, z int) {
	return s.cfg.NumChunks[0], s.cfg.NumChunks[1], s.cfg.NumChunks[2]
}
func (s *Store) Palette() *blocktype.Map { return s.cfg.Palette }
func (s *Store) Mask() grid.DataMask     { return s.cfg.Mask }

func (s *Store) Compression() pages.Compression { return s.cfg.Compression }

func (s *Store) TotalChunks() int {
	return s.cfg.NumChunks[0] * s.cfg.NumChunks[1] * s.cfg.NumChunks[2]
}

func (s *Store) InRange(c ChunkCoord) bool {
	n := s.cfg.NumChunks
	return c.X >= 0 && c.X < n[0] && c.Y >= 0 && c.Y < n[1] && c.Z >= 0 && c.Z < n[2]
}

// Locate maps a chunk to its page and slot. Slots are X fastest, then Z, then Y.
func (s *Store) Locate(c ChunkCoord) (PageKey, int) {
	ps := s.cfg.PageSize
	k := PageKey{X: c.X / ps[0], Y: c.Y / ps[1], Z: c.Z / ps[2]}
	lx, ly, lz := c.X%ps[0], c.Y%ps[1], c.Z%ps[2]
	return k, lx + lz*ps[0] + ly*ps[0]*ps[2]
}

func (s *Store) slotsPerPage() int {
	ps := s.cfg.PageSize
	return ps[0] * ps[1] * ps[2]
}

func PagePath(dir string, k PageKey) string {
	return filepath.Join(dir, "pages", fmt.Sprintf("%d_%d_%d.page", k.X, k.Y, k.Z))
}

func (s *Store) newGrid() *grid.Grid {
	g := grid.New(s.cfg.Mask, s.cfg.Padding)
	g.SetSize(s.cfg.ChunkDims[0], s.cfg.ChunkDims[1], s.cfg.ChunkDims[2])
	g.SetPalette(s.cfg.Palette)
	return g
}

// GetVoxelMap returns the grid of chunk (x,y,z). A chunk that was never written comes back as a
// fresh zero grid. Out of range coordinates return (nil, false).
func (s *Store) GetVoxelMap(x, y, z int) (*grid.Grid, bool) {
	c := ChunkCoord{x, y, z}
	if !s.InRange(c) {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(c, true), true
}

// CloneVoxelMap is GetVoxelMap returning a private deep copy, safe to hand to a build.
func (s *Store) CloneVoxelMap(x, y, z int) (*grid.Grid, bool) {
	c := ChunkCoord{x, y, z}
	if !s.InRange(c) {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(c, true).Clone(), true
}

// Exists reports whether the chunk has been written or is cached.
func (s *Store) Exists(x, y, z int) bool {
	c := ChunkCoord{x, y, z}
	if !s.InRange(c) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(c)
}

func (s *Store) existsLocked(c ChunkCoord) bool {
	if g, ok := s.grids[c]; ok && g.Loaded() {
		return true
	}
	k, slot := s.Locate(c)
	return s.pageLocked(k).p.Written(slot)
}

// getLocked returns the cached grid or decodes it. With create unset a never written chunk
// yields nil.
func (s *Store) getLocked(c ChunkCoord, create bool) *grid.Grid {
	if g, ok := s.grids[c]; ok && g.Loaded() {
		return g
	}
	k, slot := s.Locate(c)
	pe := s.pageLocked(k)
	if !pe.p.Written(slot) && !create {
		return nil
	}
	g := s.newGrid()
	if pe.p.Written(slot) {
		if err := pages.DecodeGrid(pe.p.Slots[slot], g, pe.p.Mask, pe.p.Compression); err != nil {
			s.stats.CorruptSlots++
			s.logger.Printf("store: chunk %s slot %d: %v (using empty grid)", c, slot, err)
			g = s.newGrid()
		}
	}
	s.grids[c] = g
	return g
}

func (s *Store) pageLocked(k PageKey) *pageEntry {
	if pe, ok := s.pages[k]; ok {
		return pe
	}
	pe := &pageEntry{p: pages.New(s.slotsPerPage(), s.cfg.Mask, s.cfg.Compression)}
	if s.cfg.Dir != "" {
		p, err := pages.ReadFile(PagePath(s.cfg.Dir, k))
		switch {
		case err == nil && len(p.Slots) == s.slotsPerPage() && p.Mask == s.cfg.Mask && p.Compression == s.cfg.Compression:
			pe.p = p
			s.stats.PageLoads++
		case err == nil:
			s.stats.CorruptPages++
			s.logger.Printf("store: page %v layout does not match store (ignored)", k)
		case errors.Is(err, os.ErrNotExist):
		default:
			s.stats.CorruptPages++
			s.logger.Printf("store: page %v: %v (treated as absent)", k, err)
		}
	}
	s.pages[k] = pe
	return pe
}

// UpdateVoxelMap stores g as chunk (x,y,z) and encodes it into its page. With updateNeighbors the
// four lateral neighbors exchange boundary voxels with g and are re-encoded themselves, and the
// four diagonal neighbors exchange their shared corner columns. Chunks that do not exist yet are
// skipped.
func (s *Store) UpdateVoxelMap(x, y, z int, g *grid.Grid, updateNeighbors bool) error {
	c := ChunkCoord{x, y, z}
	if !s.InRange(c) {
		return fmt.Errorf("%w: %s", ErrOutOfRange, c)
	}
	if g == nil {
		return fmt.Errorf("chunk %s: nil grid", c)
	}
	if w, h, d := g.Dims(); w != s.cfg.ChunkDims[0] || h != s.cfg.ChunkDims[1] || d != s.cfg.ChunkDims[2] || g.Padding() != s.cfg.Padding {
		return fmt.Errorf("%w: chunk %s got %dx%dx%d pad %d", ErrDims, c, w, h, d, g.Padding())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(c, g, updateNeighbors)
}

func (s *Store) updateLocked(c ChunkCoord, g *grid.Grid, updateNeighbors bool) error {
	g.SetPalette(s.cfg.Palette)
	s.grids[c] = g

	if updateNeighbors {
		east := s.neighborLocked(ChunkCoord{c.X + 1, c.Y, c.Z})
		west := s.neighborLocked(ChunkCoord{c.X - 1, c.Y, c.Z})
		north := s.neighborLocked(ChunkCoord{c.X, c.Y, c.Z + 1})
		south := s.neighborLocked(ChunkCoord{c.X, c.Y, c.Z - 1})
		ne := s.neighborLocked(ChunkCoord{c.X + 1, c.Y, c.Z + 1})
		nw := s.neighborLocked(ChunkCoord{c.X - 1, c.Y, c.Z + 1})
		se := s.neighborLocked(ChunkCoord{c.X + 1, c.Y, c.Z - 1})
		sw := s.neighborLocked(ChunkCoord{c.X - 1, c.Y, c.Z - 1})
		g.TransferAdjacentData(grid.Neighbors{
			East: east, West: west, North: north, South: south,
			NorthEast: ne, NorthWest: nw, SouthEast: se, SouthWest: sw,
		})

		push := []struct {
			at ChunkCoord
			g  *grid.Grid
			n  grid.Neighbors
		}{
			{ChunkCoord{c.X + 1, c.Y, c.Z}, east, grid.Neighbors{West: g}},
			{ChunkCoord{c.X - 1, c.Y, c.Z}, west, grid.Neighbors{East: g}},
			{ChunkCoord{c.X, c.Y, c.Z + 1}, north, grid.Neighbors{South: g}},
			{ChunkCoord{c.X, c.Y, c.Z - 1}, south, grid.Neighbors{North: g}},
			{ChunkCoord{c.X + 1, c.Y, c.Z + 1}, ne, grid.Neighbors{SouthWest: g}},
			{ChunkCoord{c.X - 1, c.Y, c.Z + 1}, nw, grid.Neighbors{SouthEast: g}},
			{ChunkCoord{c.X + 1, c.Y, c.Z - 1}, se, grid.Neighbors{NorthWest: g}},
			{ChunkCoord{c.X - 1, c.Y, c.Z - 1}, sw, grid.Neighbors{NorthEast: g}},
		}
		for _, p := range push {
			if p.g == nil {
				continue
			}
			p.g.TransferAdjacentData(p.n)
			if err := s.updateLocked(p.at, p.g, false); err != nil {
				return err
			}
		}
	}

	k, slot := s.Locate(c)
	pe := s.pageLocked(k)
	blob, err := pages.EncodeGrid(g, pe.p.Mask, pe.p.Compression)
	if err != nil {
		return fmt.Errorf("encode chunk %s: %w", c, err)
	}
	pe.p.Slots[slot] = blob
	pe.dirty = true
	return nil
}

func (s *Store) neighborLocked(c ChunkCoord) *grid.Grid {
	if !s.InRange(c) {
		return nil
	}
	return s.getLocked(c, false)
}

// Unload releases the cached grid of a chunk. Its page slot keeps the last written state.
func (s *Store) Unload(x, y, z int) {
	c := ChunkCoord{x, y, z}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.grids[c]; ok {
		g.Unload()
		delete(s.grids, c)
	}
}

// PrunePages drops clean pages that no cached grid refers to and returns how many went.
// In memory stores never prune since the page is the only copy.
func (s *Store) PrunePages() int {
	if s.cfg.Dir == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inUse := map[PageKey]bool{}
	for c := range s.grids {
		k, _ := s.Locate(c)
		inUse[k] = true
	}
	n := 0
	for k, pe := range s.pages {
		if pe.dirty || pe.saving > 0 || inUse[k] {
			continue
		}
		delete(s.pages, k)
		n++
	}
	return n
}

// Save writes every dirty page. In memory stores only clear the dirty flags.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	type job struct {
		k PageKey
		p *pages.Page
	}
	var dirty []job
	for k, pe := range s.pages {
		if pe.dirty {
			dirty = append(dirty, job{k, clonePage(pe.p)})
			pe.dirty = false
			if s.cfg.Dir != "" {
				pe.saving++
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(dirty, func(i, j int) bool {
		a, b := dirty[i].k, dirty[j].k
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})
	if s.cfg.Dir == "" {
		return nil
	}
	var firstErr error
	for _, j := range dirty {
		start := time.Now()
		path := PagePath(s.cfg.Dir, j.k)
		err := pages.WriteFile(path, j.p)
		s.finishSave(j.k, err == nil)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("save page %v: %w", j.k, err)
			}
			continue
		}
		if s.cfg.OnPageSaved != nil {
			s.cfg.OnPageSaved(PageSaved{Key: j.k, Path: path, Bytes: j.p.Bytes(), Occupied: j.p.Occupied(), Duration: time.Since(start)})
		}
	}
	return firstErr
}

// finishSave releases the page for pruning. A failed write leaves it dirty for the next Save.
func (s *Store) finishSave(k PageKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.stats.PageSaves++
	}
	pe := s.pages[k]
	pe.saving--
	if !ok {
		pe.dirty = true
	}
}

// Slot blobs are replaced, never mutated, so a shallow slot copy is a stable snapshot.
func clonePage(p *pages.Page) *pages.Page {
	c := *p
	c.Slots = append([][]byte(nil), p.Slots...)
	return &c
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.CachedGrids = len(s.grids)
	st.CachedPages = len(s.pages)
	for _, pe := range s.pages {
		if pe.dirty {
			st.DirtyPages++
		}
	}
	return st
}
