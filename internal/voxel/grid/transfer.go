package grid

// Neighbors are the adjacent chunks of a grid. A nil entry is a missing neighbor.
// East is +X, West is -X, North is +Z, South is -Z, Up is +Y, Down is -Y. The four diagonal
// entries share only a corner column of padding with the grid.
type Neighbors struct {
	North, South, East, West, Up, Down *Grid

	NorthEast, NorthWest, SouthEast, SouthWest *Grid
}

// TransferAdjacentData copies pad layers from each neighbor's near face into this grid's padding.
// The far side lands at dim+p, the near side at -1-p. Only streams present in both grids move, and
// only the interior range of the two other axes is traversed. The diagonal neighbors fill the
// XZ corner columns that the faces leave out. Running it twice with unchanged neighbors leaves
// the padding unchanged.
func (g *Grid) TransferAdjacentData(n Neighbors) int {
	if g.Empty() || !g.loaded {
		return 0
	}
	moved := 0
	if g.transferX(n.East, true) {
		moved++
	}
	if g.transferX(n.West, false) {
		moved++
	}
	if g.transferZ(n.North, true) {
		moved++
	}
	if g.transferZ(n.South, false) {
		moved++
	}
	if g.transferY(n.Up, true) {
		moved++
	}
	if g.transferY(n.Down, false) {
		moved++
	}
	for _, c := range []struct {
		src         *Grid
		east, north bool
	}{
		{n.NorthEast, true, true},
		{n.NorthWest, false, true},
		{n.SouthEast, true, false},
		{n.SouthWest, false, false},
	} {
		if g.transferCorner(c.src, c.east, c.north) {
			moved++
		}
	}
	return moved
}

func (g *Grid) shared(src *Grid) []Stream {
	if src == nil || src == g || !src.loaded {
		return nil
	}
	var out []Stream
	for _, s := range (g.mask & src.mask).Streams() {
		if g.streams[s] != nil && src.streams[s] != nil {
			out = append(out, s)
		}
	}
	return out
}

func (g *Grid) transferX(src *Grid, far bool) bool {
	streams := g.shared(src)
	if len(streams) == 0 || src.h != g.h || src.d != g.d {
		return false
	}
	layers := min(g.pad, src.w)
	for _, s := range streams {
		dst, from := g.streams[s], src.streams[s]
		for p := 0; p < layers; p++ {
			dx, sx := -1-p, src.w-1-p
			if far {
				dx, sx = g.w+p, p
			}
			for z := 0; z < g.d; z++ {
				di := g.Index(dx, 0, z)
				si := src.Index(sx, 0, z)
				copy(dst[di:di+g.h], from[si:si+g.h])
			}
		}
	}
	return true
}

func (g *Grid) transferZ(src *Grid, far bool) bool {
	streams := g.shared(src)
	if len(streams) == 0 || src.h != g.h || src.w != g.w {
		return false
	}
	layers := min(g.pad, src.d)
	for _, s := range streams {
		dst, from := g.streams[s], src.streams[s]
		for p := 0; p < layers; p++ {
			dz, sz := -1-p, src.d-1-p
			if far {
				dz, sz = g.d+p, p
			}
			for x := 0; x < g.w; x++ {
				di := g.Index(x, 0, dz)
				si := src.Index(x, 0, sz)
				copy(dst[di:di+g.h], from[si:si+g.h])
			}
		}
	}
	return true
}

func (g *Grid) transferY(src *Grid, far bool) bool {
	streams := g.shared(src)
	if len(streams) == 0 || src.w != g.w || src.d != g.d {
		return false
	}
	layers := min(g.pad, src.h)
	for _, s := range streams {
		dst, from := g.streams[s], src.streams[s]
		for p := 0; p < layers; p++ {
			dy, sy := -1-p, src.h-1-p
			if far {
				dy, sy = g.h+p, p
			}
			for x := 0; x < g.w; x++ {
				for z := 0; z < g.d; z++ {
					dst[g.Index(x, dy, z)] = from[src.Index(x, sy, z)]
				}
			}
		}
	}
	return true
}

func (g *Grid) transferCorner(src *Grid, east, north bool) bool {
	streams := g.shared(src)
	if len(streams) == 0 || src.h != g.h {
		return false
	}
	lx, lz := min(g.pad, src.w), min(g.pad, src.d)
	for _, s := range streams {
		dst, from := g.streams[s], src.streams[s]
		for px := 0; px < lx; px++ {
			dx, sx := -1-px, src.w-1-px
			if east {
				dx, sx = g.w+px, px
			}
			for pz := 0; pz < lz; pz++ {
				dz, sz := -1-pz, src.d-1-pz
				if north {
					dz, sz = g.d+pz, pz
				}
				di := g.Index(dx, 0, dz)
				si := src.Index(sx, 0, sz)
				copy(dst[di:di+g.h], from[si:si+g.h])
			}
		}
	}
	return true
}

// ClearPadding zeroes every padding cell of every stream.
func (g *Grid) ClearPadding() {
	if g.Empty() {
		return
	}
	p := g.pad
	for _, s := range g.mask.Streams() {
		buf := g.streams[s]
		if buf == nil {
			continue
		}
		for x := -p; x < g.w+p; x++ {
			for z := -p; z < g.d+p; z++ {
				for y := -p; y < g.h+p; y++ {
					if x >= 0 && x < g.w && y >= 0 && y < g.h && z >= 0 && z < g.d {
						continue
					}
					buf[g.Index(x, y, z)] = 0
				}
			}
		}
	}
}
