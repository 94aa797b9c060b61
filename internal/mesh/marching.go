package mesh

import (
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
)

// Cell corners are numbered bit0 = +X, bit1 = +Y, bit2 = +Z, so corner 0 is the cell origin
// and corner 7 the opposite one.
func cornerOffset(c uint8) [3]int {
	return [3]int{int(c & 1), int(c >> 1 & 1), int(c >> 2 & 1)}
}

// cellTetras splits the cell into six tetrahedra around the 0-7 diagonal, one per axis order.
// Every cell uses the same split, so shared faces get the same diagonal and the surface is closed
// across cells and chunks.
var cellTetras = func() [6][4]uint8 {
	var out [6][4]uint8
	perms := [6][3]uint8{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for i, p := range perms {
		a := uint8(1) << p[0]
		b := a | uint8(1)<<p[1]
		out[i] = [4]uint8{0, a, b, 7}
	}
	return out
}()

// edge is a lattice edge from a solid corner to an empty one; its vertex sits at the midpoint.
type edge [2]uint8

type triangle [3]edge

// caseTable lists the triangles of each 8-bit corner case. Cases 0 and 255 are empty.
var caseTable [256][]triangle

func init() {
	for c := 1; c < 255; c++ {
		caseTable[c] = buildCase(uint8(c))
	}
}

// midpoint in half units relative to the cell origin corner (corners at 0 or 2).
func midpoint(e edge) [3]int {
	a, b := cornerOffset(e[0]), cornerOffset(e[1])
	return [3]int{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func buildCase(code uint8) []triangle {
	var out []triangle
	for _, t := range cellTetras {
		var in, ex []uint8
		for _, v := range t {
			if code&(1<<v) != 0 {
				in = append(in, v)
			} else {
				ex = append(ex, v)
			}
		}
		var tris []triangle
		switch len(in) {
		case 1:
			tris = []triangle{{{in[0], ex[0]}, {in[0], ex[1]}, {in[0], ex[2]}}}
		case 2:
			a, b, c, d := edge{in[0], ex[0]}, edge{in[0], ex[1]}, edge{in[1], ex[1]}, edge{in[1], ex[0]}
			tris = []triangle{{a, b, c}, {a, c, d}}
		case 3:
			tris = []triangle{{{in[0], ex[0]}, {in[1], ex[0]}, {in[2], ex[0]}}}
		}
		for _, tr := range tris {
			out = append(out, orient(tr, in))
		}
	}
	return out
}

// orient flips tr so its normal points away from the solid corners.
func orient(tr triangle, solid []uint8) triangle {
	p0, p1, p2 := midpoint(tr[0]), midpoint(tr[1]), midpoint(tr[2])
	u := [3]int{p1[0] - p0[0], p1[1] - p0[1], p1[2] - p0[2]}
	v := [3]int{p2[0] - p0[0], p2[1] - p0[1], p2[2] - p0[2]}
	n := [3]int{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}

	// Compare centroids scaled by 3*len(solid) to stay in integers.
	var sc [3]int
	for _, s := range solid {
		o := cornerOffset(s)
		for a := 0; a < 3; a++ {
			sc[a] += 2 * o[a]
		}
	}
	dot := 0
	for a := 0; a < 3; a++ {
		tc := (p0[a] + p1[a] + p2[a]) * len(solid)
		dot += n[a] * (tc - 3*sc[a])
	}
	if dot < 0 {
		tr[1], tr[2] = tr[2], tr[1]
	}
	return tr
}

// CaseTriangles is the number of triangles emitted for a corner case.
func CaseTriangles(code uint8) int { return len(caseTable[code]) }

// MarchingBuilder meshes the lattice of voxel centers. Cell (i,j,k) spans the centers of voxels
// (i..i+1, j..j+1, k..k+1), so cells on the far boundary read the padding and each boundary
// cell belongs to exactly one chunk. On a MinEdge axis the chunk also owns cell -1, which
// closes the surface against the empty space outside the world.
type MarchingBuilder struct {
	base
}

func (b *MarchingBuilder) BuildMesh(in Input, w Workload, out *QuadBuffer) error {
	if err := in.Validate(); err != nil {
		return err
	}
	g := in.Grid
	gw, gh, gd := g.Dims()
	y0, y1 := clampY(w, gh)
	hasLight := g.Stream(grid.StreamLighting) != nil

	i0, k0 := lowCell(in.MinEdge[0]), lowCell(in.MinEdge[2])

	return slices(Workload{Y0: y0, Y1: y1}, b.opts.SliceHeight, func(s0, s1 int) error {
		j0 := s0
		if s0 == 0 {
			j0 = lowCell(in.MinEdge[1])
		}
		for i := i0; i < gw; i++ {
			for k := k0; k < gd; k++ {
				for j := j0; j < s1; j++ {
					var code uint8
					first := -1
					for c := uint8(0); c < 8; c++ {
						o := cornerOffset(c)
						if g.Geometry(i+o[0], j+o[1], k+o[2]).Solid() {
							code |= 1 << c
							if first < 0 {
								first = int(c)
							}
						}
					}
					if code == 0 || code == 255 {
						continue
					}
					fo := cornerOffset(uint8(first))
					face := b.face(in, i+fo[0], j+fo[1], k+fo[2])
					for _, tr := range caseTable[code] {
						var q Quad
						for vi, e := range tr {
							m := midpoint(e)
							light := byte(255)
							if hasLight {
								eo := cornerOffset(e[1])
								light = g.Lighting(i+eo[0], j+eo[1], k+eo[2])
							}
							q.V[vi] = PackVertex(2*i+1+m[0], 2*j+1+m[1], 2*k+1+m[2], light)
						}
						q.V[3] = q.V[2]
						q.Face = face
						if !out.Append(q) {
							return ErrScratchOverflow
						}
					}
				}
			}
		}
		return nil
	})
}

func lowCell(edge bool) int {
	if edge {
		return -1
	}
	return 0
}

func (b *MarchingBuilder) face(in Input, x, y, z int) Face {
	g := in.Grid
	bt := g.Blocktype(x, y, z)
	flags := 0
	if g.Geometry(x, y, z) == blocktype.GeomKnockout {
		flags |= FlagKnockout
	}
	if g.Overlay(x, y, z) != 0 {
		flags |= FlagOverlay
	}
	return PackFace(in.Palette.Tex1[bt], in.Palette.Tex2[bt], g.Color(x, y, z), NormalTriangle, 0, flags)
}

// ProcessMesh is the identity: triangles are never merged.
func (b *MarchingBuilder) ProcessMesh(quads []Quad) []Quad { return quads }
