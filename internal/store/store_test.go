package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"voxelmesh.ai/internal/persistence/manifest"
	"voxelmesh.ai/internal/persistence/pages"
	"voxelmesh.ai/internal/voxel/grid"
)

func testConfig(dir string) Config {
	return Config{
		Dir:         dir,
		ChunkDims:   [3]int{4, 4, 4},
		NumChunks:   [3]int{3, 1, 3},
		PageSize:    [3]int{2, 1, 2},
		Padding:     1,
		Mask:        grid.MaskBasic,
		Compression: pages.CompressRLE | pages.CompressZstd,
	}
}

func mustOpen(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func solid(s *Store, v byte) *grid.Grid {
	g := s.newGrid()
	g.Fill(grid.StreamBlocktype, v)
	return g
}

func TestLocateIsUniquePerChunk(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	type loc struct {
		k    PageKey
		slot int
	}
	seen := map[loc]ChunkCoord{}
	for x := 0; x < 3; x++ {
		for z := 0; z < 3; z++ {
			c := ChunkCoord{x, 0, z}
			k, slot := s.Locate(c)
			if slot < 0 || slot >= s.slotsPerPage() {
				t.Fatalf("%s: slot %d out of page", c, slot)
			}
			if prev, ok := seen[loc{k, slot}]; ok {
				t.Fatalf("%s and %s share page %v slot %d", prev, c, k, slot)
			}
			seen[loc{k, slot}] = c
		}
	}
}

func TestGetVoxelMapRangeAndFreshGrid(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	if g, ok := s.GetVoxelMap(3, 0, 0); ok || g != nil {
		t.Fatalf("out of range chunk returned a grid")
	}
	g, ok := s.GetVoxelMap(1, 0, 1)
	if !ok || g == nil {
		t.Fatalf("in range chunk missing")
	}
	if w, h, d := g.Dims(); w != 4 || h != 4 || d != 4 {
		t.Fatalf("dims %d,%d,%d", w, h, d)
	}
	if g.Blocktype(0, 0, 0) != 0 || g.Palette() == nil {
		t.Fatalf("fresh grid must be zero with palette attached")
	}
	if s.Exists(1, 0, 1) != true {
		t.Fatalf("cached grid should count as existing")
	}
	if s.Exists(0, 0, 0) {
		t.Fatalf("untouched chunk reported as existing")
	}
}

func TestUpdateVoxelMapPropagatesBothWays(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	if err := s.UpdateVoxelMap(0, 0, 0, solid(s, 1), false); err != nil {
		t.Fatal(err)
	}
	b := solid(s, 2)
	if err := s.UpdateVoxelMap(1, 0, 0, b, true); err != nil {
		t.Fatal(err)
	}
	// b pulled the west neighbor into its near padding.
	if got := b.Blocktype(-1, 2, 2); got != 1 {
		t.Fatalf("pulled padding got %d want 1", got)
	}
	a, _ := s.GetVoxelMap(0, 0, 0)
	// a received b's near face in its far padding.
	if got := a.Blocktype(4, 2, 2); got != 2 {
		t.Fatalf("pushed padding got %d want 2", got)
	}
	// North neighbor was never written and stays absent.
	if s.Exists(1, 0, 1) {
		t.Fatalf("missing neighbor was created")
	}
}

func TestUpdateVoxelMapRejectsBadInput(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	if err := s.UpdateVoxelMap(9, 0, 0, solid(s, 1), true); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("out of range: %v", err)
	}
	g := grid.New(grid.MaskBasic, 1)
	g.SetSize(2, 2, 2)
	if err := s.UpdateVoxelMap(0, 0, 0, g, true); !errors.Is(err, ErrDims) {
		t.Fatalf("dims: %v", err)
	}
}

func TestSaveAndReopen(t *testing.T) {
	dir := t.TempDir()
	var saved []PageSaved
	cfg := testConfig(dir)
	cfg.OnPageSaved = func(p PageSaved) { saved = append(saved, p) }
	s := mustOpen(t, cfg)
	g := solid(s, 3)
	g.SetLighting(1, 1, 1, 200)
	if err := s.UpdateVoxelMap(2, 0, 2, g, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(saved) != 1 || saved[0].Occupied != 1 {
		t.Fatalf("page save hook: %+v", saved)
	}
	if st := s.Stats(); st.DirtyPages != 0 || st.PageSaves != 1 {
		t.Fatalf("stats after save: %+v", st)
	}

	s2 := mustOpen(t, testConfig(dir))
	if s2.ID() != s.ID() {
		t.Fatalf("store id changed across reopen")
	}
	got, _ := s2.GetVoxelMap(2, 0, 2)
	if got.Blocktype(3, 3, 3) != 3 || got.Lighting(1, 1, 1) != 200 {
		t.Fatalf("reloaded grid lost data")
	}
}

func TestReopenWithOtherLayoutFails(t *testing.T) {
	dir := t.TempDir()
	mustOpen(t, testConfig(dir))
	cfg := testConfig(dir)
	cfg.ChunkDims = [3]int{8, 8, 8}
	if _, err := Open(cfg); !errors.Is(err, manifest.ErrMismatch) {
		t.Fatalf("expected manifest mismatch, got %v", err)
	}
}

func TestCorruptPageIsTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, testConfig(dir))
	path := PagePath(dir, PageKey{})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("JUNKJUNKJUNK"), 0o644); err != nil {
		t.Fatal(err)
	}
	g, ok := s.GetVoxelMap(0, 0, 0)
	if !ok || g.Blocktype(0, 0, 0) != 0 {
		t.Fatalf("corrupt page should yield an empty grid")
	}
	if s.Stats().CorruptPages != 1 {
		t.Fatalf("corrupt page not counted")
	}
}

func TestUnloadAndPrune(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	if err := s.UpdateVoxelMap(0, 0, 0, solid(s, 5), false); err != nil {
		t.Fatal(err)
	}
	g, _ := s.GetVoxelMap(0, 0, 0)
	s.Unload(0, 0, 0)
	if g.Loaded() {
		t.Fatalf("grid memory not released")
	}
	again, _ := s.GetVoxelMap(0, 0, 0)
	if again.Blocktype(1, 1, 1) != 5 {
		t.Fatalf("unloaded chunk not restored from its page")
	}
	s.Unload(0, 0, 0)
	// The page is still dirty so it must survive pruning.
	if n := s.PrunePages(); n != 0 {
		t.Fatalf("pruned %d dirty pages", n)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if n := s.PrunePages(); n != 1 {
		t.Fatalf("pruned %d clean pages want 1", n)
	}
}

func TestCloneVoxelMapIsPrivate(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	if err := s.UpdateVoxelMap(0, 0, 0, solid(s, 3), false); err != nil {
		t.Fatal(err)
	}
	c, ok := s.CloneVoxelMap(0, 0, 0)
	if !ok || c.Blocktype(1, 1, 1) != 3 {
		t.Fatalf("clone missing data")
	}
	c.SetBlocktype(1, 1, 1, 9)
	if g, _ := s.GetVoxelMap(0, 0, 0); g.Blocktype(1, 1, 1) != 3 {
		t.Fatalf("clone shares memory with the cached grid")
	}
	if _, ok := s.CloneVoxelMap(-1, 0, 0); ok {
		t.Fatalf("out of range clone")
	}
}

func TestUpdateVoxelMapFillsDiagonalCorners(t *testing.T) {
	s := mustOpen(t, testConfig(""))
	ne := solid(s, 7)
	if err := s.UpdateVoxelMap(1, 0, 1, ne, false); err != nil {
		t.Fatal(err)
	}
	a := solid(s, 1)
	if err := s.UpdateVoxelMap(0, 0, 0, a, true); err != nil {
		t.Fatal(err)
	}
	// a pulled the near corner column of its north east neighbor.
	for y := 0; y < 4; y++ {
		if got := a.Blocktype(4, y, 4); got != 7 {
			t.Fatalf("corner padding y=%d got %d want 7", y, got)
		}
	}
	// and pushed its own far corner column back.
	if got := ne.Blocktype(-1, 2, -1); got != 1 {
		t.Fatalf("diagonal neighbor corner got %d want 1", got)
	}
	// The corner column across the west edge has no chunk behind it.
	if got := a.Blocktype(-1, 2, -1); got != 0 {
		t.Fatalf("outside corner got %d", got)
	}
}

func TestPruneSkipsPagesBeingSaved(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	if err := s.UpdateVoxelMap(0, 0, 0, solid(s, 4), false); err != nil {
		t.Fatal(err)
	}
	s.Unload(0, 0, 0)
	k, _ := s.Locate(ChunkCoord{})

	// A Save has taken the dirty flag and is still writing.
	s.mu.Lock()
	s.pages[k].dirty = false
	s.pages[k].saving++
	s.mu.Unlock()
	if n := s.PrunePages(); n != 0 {
		t.Fatalf("pruned %d pages during a save", n)
	}

	// The write fails: the page is dirty again and still cached.
	s.finishSave(k, false)
	if n := s.PrunePages(); n != 0 {
		t.Fatalf("pruned %d pages after a failed save", n)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if n := s.PrunePages(); n != 1 {
		t.Fatalf("pruned %d pages want 1", n)
	}
	g, _ := s.GetVoxelMap(0, 0, 0)
	if g.Blocktype(2, 2, 2) != 4 {
		t.Fatalf("page lost after prune")
	}
}

func TestFailedSaveKeepsPageDirty(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, testConfig(dir))
	if err := s.UpdateVoxelMap(0, 0, 0, solid(s, 6), false); err != nil {
		t.Fatal(err)
	}
	s.Unload(0, 0, 0)
	blocker := filepath.Join(dir, "pages")
	if err := os.RemoveAll(blocker); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err == nil {
		t.Fatalf("save into a blocked directory succeeded")
	}
	if n := s.PrunePages(); n != 0 {
		t.Fatalf("pruned %d unsaved pages", n)
	}
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if s.Stats().PageSaves != 1 {
		t.Fatalf("page saves %d want 1", s.Stats().PageSaves)
	}
}

// Saves from another goroutine interleave with edits, unloads and prunes on the frame goroutine.
func TestConcurrentSaveAndPruneKeepEdits(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, testConfig(dir))
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := s.Save(); err != nil {
				t.Errorf("Save: %v", err)
				return
			}
		}
	}()
	for i := 1; i <= 50; i++ {
		for _, c := range []ChunkCoord{{X: 0}, {X: 2, Z: 2}} {
			if err := s.UpdateVoxelMap(c.X, c.Y, c.Z, solid(s, byte(i)), true); err != nil {
				t.Fatal(err)
			}
			s.Unload(c.X, c.Y, c.Z)
		}
		s.PrunePages()
	}
	close(done)
	wg.Wait()
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2 := mustOpen(t, testConfig(dir))
	for _, c := range []ChunkCoord{{X: 0}, {X: 2, Z: 2}} {
		g, _ := s2.GetVoxelMap(c.X, c.Y, c.Z)
		if got := g.Blocktype(1, 1, 1); got != 50 {
			t.Fatalf("chunk %s reloaded %d want 50", c, got)
		}
	}
}
