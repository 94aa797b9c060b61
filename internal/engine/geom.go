package engine

import "github.com/go-gl/mathgl/mgl32"

type AABB struct {
	Min, Max mgl32.Vec3
}

func (b AABB) Center() mgl32.Vec3 { return b.Min.Add(b.Max).Mul(0.5) }
func (b AABB) Empty() bool        { return b.Max[0] < b.Min[0] || b.Max[1] < b.Min[1] || b.Max[2] < b.Min[2] }

// Plane keeps points p with N.p + D >= 0 on its inside.
type Plane struct {
	N mgl32.Vec3
	D float32
}

func (p Plane) Distance(v mgl32.Vec3) float32 { return p.N.Dot(v) + p.D }

type Frustum struct {
	Planes [6]Plane
}

// FrustumFromMatrix extracts the clip planes of a projection*view matrix.
func FrustumFromMatrix(m mgl32.Mat4) Frustum {
	r0, r1, r2, r3 := m.Row(0), m.Row(1), m.Row(2), m.Row(3)
	raw := [6]mgl32.Vec4{
		r3.Add(r0), // left
		r3.Sub(r0), // right
		r3.Add(r1), // bottom
		r3.Sub(r1), // top
		r3.Add(r2), // near
		r3.Sub(r2), // far
	}
	var f Frustum
	for i, v := range raw {
		n := v.Vec3()
		l := n.Len()
		if l == 0 {
			continue
		}
		f.Planes[i] = Plane{N: n.Mul(1 / l), D: v[3] / l}
	}
	return f
}

// IntersectsAABB is conservative: a box straddling a frustum corner may be reported visible.
func (f Frustum) IntersectsAABB(b AABB) bool {
	for _, p := range f.Planes {
		// Corner of the box furthest along the plane normal.
		var v mgl32.Vec3
		for i := 0; i < 3; i++ {
			if p.N[i] >= 0 {
				v[i] = b.Max[i]
			} else {
				v[i] = b.Min[i]
			}
		}
		if p.Distance(v) < 0 {
			return false
		}
	}
	return true
}
