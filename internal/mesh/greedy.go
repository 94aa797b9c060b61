package mesh

import "math"

// normalAxis is the axis each cube normal is perpendicular to.
var normalAxis = [6]int{NormalEast: 0, NormalWest: 0, NormalUp: 1, NormalDown: 1, NormalNorth: 2, NormalSouth: 2}

type mergeKey struct {
	face  Face
	light byte
	plane int
}

type rect struct {
	src    int
	lo, hi [3]int
	active bool
}

// mergeable reports whether q is a flat axis aligned cube face with uniform light.
func mergeable(q Quad) (byte, bool) {
	n := q.Face.Normal()
	if n >= NormalTriangle || q.Face.Has(FlagSlope) {
		return 0, false
	}
	_, _, _, light := UnpackVertex(q.V[0])
	for _, v := range q.V[1:] {
		if _, _, _, l := UnpackVertex(v); l != light {
			return 0, false
		}
	}
	lo, hi := q.Bounds()
	if lo[normalAxis[n]] != hi[normalAxis[n]] {
		return 0, false
	}
	return light, true
}

// join fuses two rectangles on the same plane when they share a full edge.
func join(a, b rect, axis int) (rect, bool) {
	u, v := (axis+1)%3, (axis+2)%3
	for _, ax := range [2][2]int{{u, v}, {v, u}} {
		along, across := ax[0], ax[1]
		if a.lo[across] != b.lo[across] || a.hi[across] != b.hi[across] {
			continue
		}
		if a.hi[along] == b.lo[along] || b.hi[along] == a.lo[along] {
			r := a
			if b.lo[along] < r.lo[along] {
				r.lo[along] = b.lo[along]
			}
			if b.hi[along] > r.hi[along] {
				r.hi[along] = b.hi[along]
			}
			return r, true
		}
	}
	return a, false
}

// GreedyMerge fuses coplanar quads with identical face words and light that share a full edge,
// until a whole pass merges nothing. Covered area is unchanged and a second call is a no-op.
// Output keeps input order; a merged quad takes the position of its first member.
func GreedyMerge(quads []Quad) []Quad {
	buckets := map[mergeKey][]int{}
	var order []mergeKey
	rects := make([]rect, len(quads))
	lights := make([]byte, len(quads))
	eligible := make([]bool, len(quads))

	for i, q := range quads {
		light, ok := mergeable(q)
		if !ok {
			continue
		}
		lo, hi := q.Bounds()
		n := q.Face.Normal()
		k := mergeKey{face: q.Face, light: light, plane: lo[normalAxis[n]]}
		if _, seen := buckets[k]; !seen {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], i)
		rects[i] = rect{src: i, lo: lo, hi: hi, active: true}
		lights[i] = light
		eligible[i] = true
	}

	for _, k := range order {
		idx := buckets[k]
		axis := normalAxis[k.face.Normal()]
		for merged := true; merged; {
			merged = false
			for a := 0; a < len(idx); a++ {
				ra := &rects[idx[a]]
				if !ra.active {
					continue
				}
				for b := a + 1; b < len(idx); b++ {
					rb := &rects[idx[b]]
					if !rb.active {
						continue
					}
					if r, ok := join(*ra, *rb, axis); ok {
						*ra = r
						rb.active = false
						merged = true
					}
				}
			}
		}
	}

	out := make([]Quad, 0, len(quads))
	for i, q := range quads {
		if !eligible[i] {
			out = append(out, q)
			continue
		}
		if !rects[i].active {
			continue
		}
		out = append(out, rebuild(q.Face, rects[i], lights[i]))
	}
	return out
}

func rebuild(f Face, r rect, light byte) Quad {
	n := f.Normal()
	axis := normalAxis[n]
	q := Quad{Face: f}
	for k, c := range faceDirs[n].corners {
		var p [3]int
		for a := 0; a < 3; a++ {
			switch {
			case a == axis:
				p[a] = r.lo[a]
			case c[a] == 0:
				p[a] = r.lo[a]
			default:
				p[a] = r.hi[a]
			}
		}
		q.V[k] = PackVertex(p[0], p[1], p[2], light<<1)
	}
	return q
}

// Area returns the summed area of quads in square voxel units. A degenerate quad counts as its
// one triangle.
func Area(quads []Quad) float64 {
	total := 0.0
	for _, q := range quads {
		total += quadArea(q)
	}
	return total
}

func quadArea(q Quad) float64 {
	var p [4][3]float64
	for i, v := range q.V {
		x, y, z, _ := UnpackVertex(v)
		p[i] = [3]float64{float64(x) / 2, float64(y) / 2, float64(z) / 2}
	}
	tri := func(a, b, c [3]float64) float64 {
		u := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
		v := [3]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
		cx := u[1]*v[2] - u[2]*v[1]
		cy := u[2]*v[0] - u[0]*v[2]
		cz := u[0]*v[1] - u[1]*v[0]
		return 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
	}
	return tri(p[0], p[1], p[2]) + tri(p[0], p[2], p[3])
}
