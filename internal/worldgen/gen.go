// Package worldgen fills voxel grids with deterministic terrain.
//
// Every voxel is a pure function of (seed, world position), so chunks can be generated in any
// order and on any goroutine.
package worldgen

import (
	"fmt"
	"log"
	"time"

	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
	"voxelmesh.ai/internal/voxel/vheight"
)

type Params struct {
	Seed int64

	BaseHeight      int // terrain floor in voxels
	Amplitude       int // max rise above BaseHeight
	NoiseCell       int // lattice spacing of the height noise
	BiomeRegionSize int

	OreClusterPermille int
	TreePermille       int
	// Slopes puts ramp voxels with vheight corners against taller neighbor columns.
	Slopes bool
}

func DefaultParams() Params {
	return Params{
		Seed:               1337,
		BaseHeight:         8,
		Amplitude:          12,
		NoiseCell:          16,
		BiomeRegionSize:    64,
		OreClusterPermille: 300,
		TreePermille:       12,
		Slopes:             true,
	}
}

// Blocks are the palette ids the generator places.
type Blocks struct {
	Air, Stone, Dirt, Grass, Sand, Log, Leaves, Ramp, Ore byte
}

// ResolveBlocks looks the generator's materials up by name.
func ResolveBlocks(pal *blocktype.Map) (Blocks, error) {
	var b Blocks
	for _, e := range []struct {
		name string
		dst  *byte
	}{
		{"stone", &b.Stone}, {"dirt", &b.Dirt}, {"grass", &b.Grass}, {"sand", &b.Sand},
		{"log", &b.Log}, {"leaves", &b.Leaves}, {"ramp", &b.Ramp}, {"ore", &b.Ore},
	} {
		id, ok := pal.Lookup(e.name)
		if !ok {
			return b, fmt.Errorf("palette has no %q blocktype", e.name)
		}
		*e.dst = id
	}
	return b, nil
}

type Generator struct {
	p Params
	b Blocks
}

func New(p Params, pal *blocktype.Map) (*Generator, error) {
	if p.NoiseCell <= 0 {
		p.NoiseCell = 16
	}
	if p.Amplitude < 0 {
		p.Amplitude = 0
	}
	b, err := ResolveBlocks(pal)
	if err != nil {
		return nil, err
	}
	return &Generator{p: p, b: b}, nil
}

// Height is the number of solid voxels in column (wx,wz).
func (g *Generator) Height(wx, wz int) int {
	c := g.p.NoiseCell
	gx, gz := FloorDiv(wx, c), FloorDiv(wz, c)
	fx := float64(Mod(wx, c)) / float64(c)
	fz := float64(Mod(wz, c)) / float64(c)
	fx = fx * fx * (3 - 2*fx)
	fz = fz * fz * (3 - 2*fz)

	v := func(x, z int) float64 { return float64(Hash2(g.p.Seed, x, z)%1000) / 1000 }
	top := v(gx, gz)*(1-fx) + v(gx+1, gz)*fx
	bot := v(gx, gz+1)*(1-fx) + v(gx+1, gz+1)*fx
	n := top*(1-fz) + bot*fz
	return g.p.BaseHeight + int(n*float64(g.p.Amplitude))
}

func (g *Generator) treeAt(wx, wz int) bool {
	if BiomeAt(g.p.Seed, wx, wz, g.p.BiomeRegionSize) != Forest {
		return false
	}
	return Hash2(g.p.Seed+77, wx, wz)%1000 < uint64(ClampPermille(g.p.TreePermille))
}

const trunkHeight = 4

// Voxel returns the blocktype and vheight byte at a world position.
func (g *Generator) Voxel(wx, wy, wz int) (byte, byte) {
	h := g.Height(wx, wz)
	biome := BiomeAt(g.p.Seed, wx, wz, g.p.BiomeRegionSize)
	switch {
	case wy < 0:
		return g.b.Stone, 0
	case wy < h-3:
		if InCluster(g.p.Seed+101, wx, wz, 24, 3, uint64(ClampPermille(g.p.OreClusterPermille))) && Hash3(g.p.Seed+102, wx, wy, wz)%3 == 0 {
			return g.b.Ore, 0
		}
		return g.b.Stone, 0
	case wy < h-1:
		if biome == Desert {
			return g.b.Sand, 0
		}
		return g.b.Dirt, 0
	case wy == h-1:
		if biome == Desert {
			return g.b.Sand, 0
		}
		return g.b.Grass, 0
	}

	if bt := g.foliage(wx, wy, wz, h); bt != g.b.Air {
		return bt, 0
	}
	if g.p.Slopes && wy == h {
		if vh, ok := g.ramp(wx, wz, h); ok {
			return g.b.Ramp, vh
		}
	}
	return g.b.Air, 0
}

func (g *Generator) foliage(wx, wy, wz, h int) byte {
	if g.treeAt(wx, wz) && wy < h+trunkHeight {
		return g.b.Log
	}
	// Leaves form a plus shaped crown around the trunk top.
	for _, d := range [5][2]int{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		tx, tz := wx-d[0], wz-d[1]
		if !g.treeAt(tx, tz) {
			continue
		}
		top := g.Height(tx, tz) + trunkHeight
		if wy == top || (wy == top-1 && d != [2]int{0, 0}) {
			return g.b.Leaves
		}
	}
	return g.b.Air
}

// ramp raises the corners of (wx,wz) that touch a taller column.
func (g *Generator) ramp(wx, wz, h int) (byte, bool) {
	taller := func(dx, dz int) bool { return g.Height(wx+dx, wz+dz) > h }
	corner := func(dx, dz int) vheight.Height {
		if taller(dx, 0) || taller(0, dz) || taller(dx, dz) {
			return vheight.HOne
		}
		return vheight.H0
	}
	sw, se, nw, ne := corner(-1, -1), corner(1, -1), corner(-1, 1), corner(1, 1)
	if sw == vheight.H0 && se == vheight.H0 && nw == vheight.H0 && ne == vheight.H0 {
		return 0, false
	}
	return vheight.Encode(sw, se, nw, ne), true
}

// FillChunk writes the interior of a chunk whose voxel (0,0,0) sits at world (ox,oy,oz).
// Padding is left for neighbor transfer.
func (g *Generator) FillChunk(gr *grid.Grid, ox, oy, oz int) {
	w, h, d := gr.Dims()
	hasVH := gr.Mask().Has(grid.StreamVHeight)
	for x := 0; x < w; x++ {
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				bt, vh := g.Voxel(ox+x, oy+y, oz+z)
				gr.SetBlocktype(x, y, z, bt)
				if hasVH && vh != 0 {
					gr.SetVHeight(x, y, z, vh)
				}
			}
		}
	}
}

// Populate generates every chunk of s that has never been written. Each chunk is stored with
// neighbor exchange so the padding of already generated chunks stays consistent.
func Populate(s *store.Store, g *Generator, logger *log.Logger) (int, error) {
	if logger == nil {
		logger = log.Default()
	}
	start := time.Now()
	cw, ch, cd := s.ChunkDims()
	nx, ny, nz := s.NumChunks()
	n := 0
	for y := 0; y < ny; y++ {
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				if s.Exists(x, y, z) {
					continue
				}
				gr, ok := s.GetVoxelMap(x, y, z)
				if !ok {
					continue
				}
				g.FillChunk(gr, x*cw, y*ch, z*cd)
				if err := s.UpdateVoxelMap(x, y, z, gr, true); err != nil {
					return n, fmt.Errorf("chunk %d,%d,%d: %w", x, y, z, err)
				}
				n++
			}
		}
	}
	logger.Printf("worldgen: generated %d chunks in %s", n, time.Since(start).Round(time.Millisecond))
	return n, nil
}
