package mesh

import (
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
	"voxelmesh.ai/internal/voxel/vheight"
)

// faceDirs is indexed by normal code. Corners are unit cube offsets in counter clockwise order
// seen from outside, so (v1-v0)x(v2-v0) points along the normal.
var faceDirs = [6]struct {
	d       [3]int
	corners [4][3]int
}{
	NormalEast:  {[3]int{1, 0, 0}, [4][3]int{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	NormalWest:  {[3]int{-1, 0, 0}, [4][3]int{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}}},
	NormalUp:    {[3]int{0, 1, 0}, [4][3]int{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	NormalDown:  {[3]int{0, -1, 0}, [4][3]int{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	NormalNorth: {[3]int{0, 0, 1}, [4][3]int{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
	NormalSouth: {[3]int{0, 0, -1}, [4][3]int{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// CubeBuilder emits one quad per visible voxel face.
type CubeBuilder struct {
	base
}

func (b *CubeBuilder) BuildMesh(in Input, w Workload, out *QuadBuffer) error {
	if err := in.Validate(); err != nil {
		return err
	}
	g := in.Grid
	gw, gh, gd := g.Dims()
	y0, y1 := clampY(w, gh)
	return slices(Workload{Y0: y0, Y1: y1}, b.opts.SliceHeight, func(s0, s1 int) error {
		for x := 0; x < gw; x++ {
			for z := 0; z < gd; z++ {
				for y := s0; y < s1; y++ {
					var ok bool
					switch g.Geometry(x, y, z) {
					case blocktype.GeomEmpty:
						continue
					case blocktype.GeomSlope:
						ok = b.emitVoxel(in, x, y, z, true, out)
					default:
						ok = b.emitVoxel(in, x, y, z, false, out)
					}
					if !ok {
						return ErrScratchOverflow
					}
				}
			}
		}
		return nil
	})
}

func clampY(w Workload, h int) (int, int) {
	y0, y1 := w.Y0, w.Y1
	if y0 < 0 {
		y0 = 0
	}
	if y1 > h {
		y1 = h
	}
	if y1 < y0 {
		y1 = y0
	}
	return y0, y1
}

// cornerHeights returns the top heights in half units at sw, se, nw, ne.
func cornerHeights(in Input, x, y, z int, bt byte, slope bool) [4]int {
	if !slope {
		return [4]int{2, 2, 2, 2}
	}
	vh := in.Grid.VHeight(x, y, z)
	if vh == vheight.Unset {
		vh = in.Palette.VHeight[bt]
	}
	if vh == vheight.Unset {
		vh = vheight.Flat
	}
	sw, se, nw, ne := vheight.Decode(vh)
	return [4]int{sw.HalfUnits(), se.HalfUnits(), nw.HalfUnits(), ne.HalfUnits()}
}

// topAt picks the corner height for unit offsets (cx,cz).
func topAt(h [4]int, cx, cz int) int {
	return h[cx+2*cz]
}

func hides(g *grid.Grid, self blocktype.Geometry, bt byte, x, y, z int) bool {
	ng := g.Geometry(x, y, z)
	if ng.Occludes() {
		return true
	}
	// Touching knockout voxels of the same type share no inner faces.
	return self == blocktype.GeomKnockout && ng == blocktype.GeomKnockout && g.Blocktype(x, y, z) == bt
}

func (b *CubeBuilder) emitVoxel(in Input, x, y, z int, slope bool, out *QuadBuffer) bool {
	g := in.Grid
	bt := g.Blocktype(x, y, z)
	geom := g.Geometry(x, y, z)
	heights := cornerHeights(in, x, y, z, bt, slope)
	hasLight := g.Stream(grid.StreamLighting) != nil

	for n := range faceDirs {
		fd := &faceDirs[n]
		nx, ny, nz := x+fd.d[0], y+fd.d[1], z+fd.d[2]
		visible := !hides(g, geom, bt, nx, ny, nz)
		if n == NormalUp && slope && heights != [4]int{2, 2, 2, 2} {
			// A slope top below full height is never covered by the voxel above.
			visible = true
		}
		if !visible {
			continue
		}
		light := byte(255)
		if hasLight {
			light = g.Lighting(nx, ny, nz)
		}
		var q Quad
		rising := 0
		for k, c := range fd.corners {
			hy := 2 * y
			if c[1] == 1 {
				top := topAt(heights, c[0], c[2])
				hy += top
				rising += top
			}
			q.V[k] = PackVertex(2*(x+c[0]), hy, 2*(z+c[2]), light)
		}
		if n != NormalDown && rising == 0 {
			// Side or top of a slope with no height on this edge.
			continue
		}
		q.Face = b.face(in, x, y, z, bt, geom, n, slope)
		if !out.Append(q) {
			return false
		}
	}
	return true
}

func (b *CubeBuilder) face(in Input, x, y, z int, bt byte, geom blocktype.Geometry, n int, slope bool) Face {
	g := in.Grid
	pal := in.Palette
	tex1 := pal.FaceTexture(bt, n)
	tex2 := pal.Tex2[bt]
	if t := g.Tex2(x, y, z); t != 0 {
		mask := g.Get(grid.StreamTex2Facemask, x, y, z)
		if g.Stream(grid.StreamTex2Facemask) == nil || mask&(1<<n) != 0 {
			tex2 = t
		}
		if g.Get(grid.StreamTex2Replace, x, y, z)&(1<<n) != 0 {
			tex1, tex2 = t, 0
		}
	}
	flags := 0
	if slope {
		flags |= FlagSlope
	}
	if geom == blocktype.GeomKnockout {
		flags |= FlagKnockout
	}
	if g.Overlay(x, y, z) != 0 {
		flags |= FlagOverlay
	}
	return PackFace(tex1, tex2, g.Color(x, y, z), n, int(g.Rotation(x, y, z)&3), flags)
}

func (b *CubeBuilder) ProcessMesh(quads []Quad) []Quad {
	if !b.opts.Greedy {
		return quads
	}
	return GreedyMerge(quads)
}
