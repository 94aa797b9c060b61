package grid

import (
	"fmt"

	"voxelmesh.ai/internal/voxel/blocktype"
)

// Grid holds the attribute streams of one chunk in flat padded arrays.
//
// Layout is Y-major inside Z inside X:
//
//	idx(x,y,z) = (y+pad) + (z+pad)*strideZ + (x+pad)*strideX
//
// so a vertical column is contiguous. Coordinates are valid in [-pad, dim+pad).
type Grid struct {
	w, h, d int
	pad     int

	strideZ int
	strideX int
	size    int

	mask    DataMask
	streams [NumStreams][]byte
	loaded  bool

	palette *blocktype.Map
}

func New(mask DataMask, pad int) *Grid {
	if pad < 1 {
		pad = 1
	}
	return &Grid{mask: mask, pad: pad}
}

// SetSize (re)allocates every stream in the mask, zero filled.
func (g *Grid) SetSize(w, h, d int) {
	if w < 0 || h < 0 || d < 0 {
		w, h, d = 0, 0, 0
	}
	g.w, g.h, g.d = w, h, d
	g.strideZ = h + 2*g.pad
	g.strideX = g.strideZ * (d + 2*g.pad)
	g.size = g.strideX * (w + 2*g.pad)
	if w == 0 || h == 0 || d == 0 {
		g.size = 0
	}
	g.alloc()
}

func (g *Grid) alloc() {
	for s := Stream(0); s < NumStreams; s++ {
		if !g.mask.Has(s) || g.size == 0 {
			g.streams[s] = nil
			continue
		}
		if cap(g.streams[s]) >= g.size {
			buf := g.streams[s][:g.size]
			clear(buf)
			g.streams[s] = buf
			continue
		}
		g.streams[s] = make([]byte, g.size)
	}
	g.loaded = true
}

func (g *Grid) Dims() (w, h, d int) { return g.w, g.h, g.d }
func (g *Grid) Padding() int        { return g.pad }
func (g *Grid) Size() int           { return g.size }
func (g *Grid) Mask() DataMask      { return g.mask }
func (g *Grid) Loaded() bool        { return g != nil && g.loaded }

// Empty reports a grid that has nothing to mesh.
func (g *Grid) Empty() bool { return g == nil || g.w == 0 || g.h == 0 || g.d == 0 }

func (g *Grid) Palette() *blocktype.Map     { return g.palette }
func (g *Grid) SetPalette(p *blocktype.Map) { g.palette = p }

// Index is the flat offset of (x,y,z). The caller guarantees the range.
func (g *Grid) Index(x, y, z int) int {
	return (y + g.pad) + (z+g.pad)*g.strideZ + (x+g.pad)*g.strideX
}

// InRange reports whether (x,y,z) lies inside the padded volume.
func (g *Grid) InRange(x, y, z int) bool {
	p := g.pad
	return x >= -p && x < g.w+p && y >= -p && y < g.h+p && z >= -p && z < g.d+p
}

// Stream returns the raw array for s, or nil when absent or unloaded.
func (g *Grid) Stream(s Stream) []byte {
	if s >= NumStreams {
		return nil
	}
	return g.streams[s]
}

// SetStream replaces one stream wholesale; data must have exactly Size bytes.
func (g *Grid) SetStream(s Stream, data []byte) error {
	if s >= NumStreams {
		return fmt.Errorf("stream %d out of range", s)
	}
	if len(data) != g.size {
		return fmt.Errorf("stream %s: got %d bytes want %d", s, len(data), g.size)
	}
	g.mask = g.mask.With(s)
	g.streams[s] = data
	g.loaded = true
	return nil
}

// EnableStream adds s to the mask, allocating it if the grid is sized.
func (g *Grid) EnableStream(s Stream) {
	if g.mask.Has(s) && (g.streams[s] != nil || g.size == 0) {
		return
	}
	g.mask = g.mask.With(s)
	if g.size > 0 {
		g.streams[s] = make([]byte, g.size)
	}
}

func (g *Grid) Get(s Stream, x, y, z int) byte {
	buf := g.streams[s]
	if buf == nil {
		return 0
	}
	return buf[g.Index(x, y, z)]
}

func (g *Grid) Set(s Stream, x, y, z int, v byte) {
	buf := g.streams[s]
	if buf == nil {
		return
	}
	buf[g.Index(x, y, z)] = v
}

// Unload releases stream memory. Dimensions and mask survive so the store can refill it.
func (g *Grid) Unload() {
	for s := range g.streams {
		g.streams[s] = nil
	}
	g.loaded = false
}

// Clone deep-copies every present stream.
func (g *Grid) Clone() *Grid {
	c := *g
	for s := range g.streams {
		if g.streams[s] == nil {
			continue
		}
		c.streams[s] = append([]byte(nil), g.streams[s]...)
	}
	return &c
}

func (g *Grid) Blocktype(x, y, z int) byte       { return g.Get(StreamBlocktype, x, y, z) }
func (g *Grid) SetBlocktype(x, y, z int, b byte) { g.Set(StreamBlocktype, x, y, z, b) }
func (g *Grid) Lighting(x, y, z int) byte        { return g.Get(StreamLighting, x, y, z) }
func (g *Grid) SetLighting(x, y, z int, v byte)  { g.Set(StreamLighting, x, y, z, v) }
func (g *Grid) VHeight(x, y, z int) byte         { return g.Get(StreamVHeight, x, y, z) }
func (g *Grid) SetVHeight(x, y, z int, v byte)   { g.Set(StreamVHeight, x, y, z, v) }
func (g *Grid) Rotation(x, y, z int) byte        { return g.Get(StreamRotation, x, y, z) }
func (g *Grid) SetRotation(x, y, z int, v byte)  { g.Set(StreamRotation, x, y, z, v) }
func (g *Grid) SetGeometry(x, y, z int, v byte)  { g.Set(StreamGeometry, x, y, z, v) }
func (g *Grid) SetColor(x, y, z int, v byte)     { g.Set(StreamColor, x, y, z, v) }
func (g *Grid) Tex2(x, y, z int) byte            { return g.Get(StreamTex2, x, y, z) }
func (g *Grid) Overlay(x, y, z int) byte         { return g.Get(StreamOverlay, x, y, z) }
func (g *Grid) SetOverlay(x, y, z int, v byte)   { g.Set(StreamOverlay, x, y, z, v) }

// Geometry resolves the shape at (x,y,z): a non-zero Geometry stream value wins, otherwise the
// palette entry of the blocktype. Without a palette any non-zero blocktype is a cube.
func (g *Grid) Geometry(x, y, z int) blocktype.Geometry {
	i := g.Index(x, y, z)
	if buf := g.streams[StreamGeometry]; buf != nil && buf[i] != 0 {
		return blocktype.Geometry(buf[i])
	}
	bt := byte(0)
	if buf := g.streams[StreamBlocktype]; buf != nil {
		bt = buf[i]
	}
	if g.palette == nil {
		if bt == 0 {
			return blocktype.GeomEmpty
		}
		return blocktype.GeomCube
	}
	return g.palette.Geometry[bt]
}

// Color resolves the color index: the Color stream when present and non-zero, else the palette.
func (g *Grid) Color(x, y, z int) byte {
	i := g.Index(x, y, z)
	if buf := g.streams[StreamColor]; buf != nil && buf[i] != 0 {
		return buf[i]
	}
	if g.palette == nil {
		return 0
	}
	bt := byte(0)
	if buf := g.streams[StreamBlocktype]; buf != nil {
		bt = buf[i]
	}
	return g.palette.Color[bt]
}

// Fill sets every interior voxel of s to v.
func (g *Grid) Fill(s Stream, v byte) {
	for x := 0; x < g.w; x++ {
		for z := 0; z < g.d; z++ {
			for y := 0; y < g.h; y++ {
				g.Set(s, x, y, z, v)
			}
		}
	}
}
