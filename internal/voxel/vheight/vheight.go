// Package vheight packs four quantized corner heights into one byte.
//
// Heights are measured in half units above the voxel floor: 0, 1/2, 1 and 3/2.
// The byte layout is sw | se<<2 | nw<<4 | ne<<6.
package vheight

type Height uint8

const (
	H0 Height = iota
	HHalf
	HOne
	HOneHalf
)

// HalfUnits is the height in half-voxel steps, the resolution of packed vertex Y.
func (h Height) HalfUnits() int { return int(h & 3) }

func Encode(sw, se, nw, ne Height) byte {
	return byte(sw&3) | byte(se&3)<<2 | byte(nw&3)<<4 | byte(ne&3)<<6
}

func Decode(b byte) (sw, se, nw, ne Height) {
	return Height(b & 3), Height(b >> 2 & 3), Height(b >> 4 & 3), Height(b >> 6 & 3)
}

// Unset is the stream value that defers to the palette's vheight for the blocktype. Every byte
// decodes to a shape, so Unset is also Encode(H0, H0, H0, H0): a voxel cannot select the all-floor
// shape for itself. That shape has no volume; clear the voxel instead.
const Unset byte = 0

// Flat is a full-height top, the shape of an ordinary cube.
var Flat = Encode(HOne, HOne, HOne, HOne)
