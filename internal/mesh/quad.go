package mesh

import "encoding/binary"

// Vertex layout (uint32, LSB first):
//
//	bits  0-7   x in half units (integer part 7 bits, half bit on top)
//	bits  8-15  z in half units
//	bits 16-24  y in half units
//	bits 25-31  light (7 bits)
//
// so chunk local positions reach 127.5 on X/Z and 255.5 on Y.
const (
	MaxHalfXZ = 255
	MaxHalfY  = 511
)

func PackVertex(hx, hy, hz int, light byte) uint32 {
	return uint32(clamp(hx, MaxHalfXZ)) |
		uint32(clamp(hz, MaxHalfXZ))<<8 |
		uint32(clamp(hy, MaxHalfY))<<16 |
		uint32(light>>1)<<25
}

// UnpackVertex returns half unit coordinates and the 7-bit light.
func UnpackVertex(v uint32) (hx, hy, hz int, light byte) {
	return int(v & 0xFF), int(v >> 16 & 0x1FF), int(v >> 8 & 0xFF), byte(v >> 25)
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

// Normal codes. Triangle marks a degenerate quad carrying one triangle (v[2] == v[3]).
const (
	NormalEast = iota
	NormalWest
	NormalUp
	NormalDown
	NormalNorth
	NormalSouth
	NormalTriangle
)

const (
	FlagSlope    = 1 << 0
	FlagKnockout = 1 << 1
	FlagOverlay  = 1 << 2
)

// Face word layout: tex1 8 | tex2 8 | color 8 | normal 3 | rotation 2 | flags 3.
type Face uint32

func PackFace(tex1, tex2, color byte, normal, rotation, flags int) Face {
	return Face(uint32(tex1) | uint32(tex2)<<8 | uint32(color)<<16 |
		uint32(normal&7)<<24 | uint32(rotation&3)<<27 | uint32(flags&7)<<29)
}

func (f Face) Tex1() byte        { return byte(f) }
func (f Face) Tex2() byte        { return byte(f >> 8) }
func (f Face) Color() byte       { return byte(f >> 16) }
func (f Face) Normal() int       { return int(f >> 24 & 7) }
func (f Face) Rotation() int     { return int(f >> 27 & 3) }
func (f Face) Flags() int        { return int(f >> 29 & 7) }
func (f Face) Has(flag int) bool { return f.Flags()&flag != 0 }

type Quad struct {
	V    [4]uint32
	Face Face
}

func (q Quad) Triangle() bool { return q.Face.Normal() == NormalTriangle }

// Bounds returns the half unit bounding box of the quad's vertices.
func (q Quad) Bounds() (lo, hi [3]int) {
	for i, v := range q.V {
		x, y, z, _ := UnpackVertex(v)
		p := [3]int{x, y, z}
		for a := 0; a < 3; a++ {
			if i == 0 || p[a] < lo[a] {
				lo[a] = p[a]
			}
			if i == 0 || p[a] > hi[a] {
				hi[a] = p[a]
			}
		}
	}
	return lo, hi
}

const (
	VertexBytesPerQuad = 16
	FaceBytesPerQuad   = 4
)

// AppendBytes serializes quads the way the GPU buffers expect them, little endian.
func AppendBytes(vertices, faces []byte, quads []Quad) ([]byte, []byte) {
	for _, q := range quads {
		for _, v := range q.V {
			vertices = binary.LittleEndian.AppendUint32(vertices, v)
		}
		faces = binary.LittleEndian.AppendUint32(faces, uint32(q.Face))
	}
	return vertices, faces
}
