package mesh

import (
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
)

// AmbientOcclusion derives the Lighting stream from occupancy.
//
// For every cell of the padded volume, v is the number of non-occluding cells in the 3x3 ring at
// the same Y (the cell itself plus its 8 lateral and diagonal neighbors) scaled to 0..255 by /9.
// The stored light is (v[y-1] + 2*v[y] + v[y+1]) / 4, the vertical blend of each cell's value into
// itself and its two vertical neighbors. Cells outside the padded volume count as open. Blocktype
// is never written, and running the pass twice gives the same bytes.
func AmbientOcclusion(g *grid.Grid, _ *blocktype.Map) error {
	if g == nil || g.Empty() {
		return ErrNothingToBuild
	}
	g.EnableStream(grid.StreamLighting)
	w, h, d := g.Dims()
	p := g.Padding()

	open := func(x, y, z int) bool {
		if !g.InRange(x, y, z) {
			return true
		}
		return !g.Geometry(x, y, z).Occludes()
	}

	ring := make([]byte, g.Size())
	for x := -p; x < w+p; x++ {
		for z := -p; z < d+p; z++ {
			for y := -p; y < h+p; y++ {
				n := 0
				for dx := -1; dx <= 1; dx++ {
					for dz := -1; dz <= 1; dz++ {
						if open(x+dx, y, z+dz) {
							n++
						}
					}
				}
				ring[g.Index(x, y, z)] = byte(n * 255 / 9)
			}
		}
	}

	light := g.Stream(grid.StreamLighting)
	for x := -p; x < w+p; x++ {
		for z := -p; z < d+p; z++ {
			for y := -p; y < h+p; y++ {
				i := g.Index(x, y, z)
				mid := int(ring[i])
				below, above := mid, mid
				if y > -p {
					below = int(ring[i-1])
				}
				if y < h+p-1 {
					above = int(ring[i+1])
				}
				light[i] = byte((below + 2*mid + above) / 4)
			}
		}
	}
	return nil
}
