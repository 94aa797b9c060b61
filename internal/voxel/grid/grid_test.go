package grid

import (
	"bytes"
	"testing"

	"voxelmesh.ai/internal/voxel/blocktype"
)

func TestIndexIsBijectionOverPaddedVolume(t *testing.T) {
	for _, pad := range []int{1, 2} {
		g := New(MaskBasic, pad)
		g.SetSize(5, 7, 3)
		seen := make([]bool, g.Size())
		for x := -pad; x < 5+pad; x++ {
			for y := -pad; y < 7+pad; y++ {
				for z := -pad; z < 3+pad; z++ {
					i := g.Index(x, y, z)
					if i < 0 || i >= g.Size() {
						t.Fatalf("pad=%d index(%d,%d,%d)=%d outside [0,%d)", pad, x, y, z, i, g.Size())
					}
					if seen[i] {
						t.Fatalf("pad=%d index(%d,%d,%d)=%d collides", pad, x, y, z, i)
					}
					seen[i] = true
				}
			}
		}
		for i, ok := range seen {
			if !ok {
				t.Fatalf("pad=%d index %d never produced", pad, i)
			}
		}
	}
}

func TestSetSizeAllocatesOnlyMaskedStreams(t *testing.T) {
	g := New(MaskOf(StreamBlocktype, StreamVHeight), 1)
	g.SetSize(2, 2, 2)
	if want := 4 * 4 * 4; g.Size() != want {
		t.Fatalf("size=%d want %d", g.Size(), want)
	}
	if len(g.Stream(StreamBlocktype)) != g.Size() || len(g.Stream(StreamVHeight)) != g.Size() {
		t.Fatalf("masked streams not sized")
	}
	if g.Stream(StreamColor) != nil {
		t.Fatalf("unmasked stream allocated")
	}

	g.SetBlocktype(1, 1, 1, 9)
	g.SetSize(2, 2, 2)
	if g.Blocktype(1, 1, 1) != 0 {
		t.Fatalf("SetSize must zero fill")
	}
}

func TestUnloadKeepsDims(t *testing.T) {
	g := New(MaskBasic, 1)
	g.SetSize(4, 4, 4)
	g.Unload()
	if g.Loaded() {
		t.Fatalf("grid still loaded")
	}
	if w, h, d := g.Dims(); w != 4 || h != 4 || d != 4 {
		t.Fatalf("dims lost: %d,%d,%d", w, h, d)
	}
	if g.Stream(StreamBlocktype) != nil {
		t.Fatalf("stream memory kept after unload")
	}
}

func filled(w, h, d int, v byte) *Grid {
	g := New(MaskBasic, 1)
	g.SetSize(w, h, d)
	g.Fill(StreamBlocktype, v)
	return g
}

func TestTransferAdjacentDataConvention(t *testing.T) {
	g := filled(3, 2, 3, 1)
	east := filled(3, 2, 3, 2)
	east.SetBlocktype(0, 1, 2, 7)
	west := filled(3, 2, 3, 3)
	west.SetBlocktype(2, 0, 0, 8)
	north := filled(3, 2, 3, 4)
	south := filled(3, 2, 3, 5)

	if n := g.TransferAdjacentData(Neighbors{East: east, West: west, North: north, South: south}); n != 4 {
		t.Fatalf("moved=%d want 4", n)
	}
	if got := g.Blocktype(3, 1, 2); got != 7 {
		t.Fatalf("east padding got %d want 7", got)
	}
	if got := g.Blocktype(-1, 0, 0); got != 8 {
		t.Fatalf("west padding got %d want 8", got)
	}
	if got := g.Blocktype(1, 1, 3); got != 4 {
		t.Fatalf("north padding got %d want 4", got)
	}
	if got := g.Blocktype(1, 1, -1); got != 5 {
		t.Fatalf("south padding got %d want 5", got)
	}
	// Corners of the padding are not traversed.
	if got := g.Blocktype(3, 0, 3); got != 0 {
		t.Fatalf("corner padding touched: %d", got)
	}
	if got := g.Blocktype(1, 2, 1); got != 0 {
		t.Fatalf("vertical padding touched without up neighbor: %d", got)
	}
}

func TestTransferAdjacentDataIdempotent(t *testing.T) {
	g := filled(4, 3, 4, 1)
	nb := Neighbors{East: filled(4, 3, 4, 2), South: filled(4, 3, 4, 3), Up: filled(4, 3, 4, 6)}
	nb.East.SetBlocktype(0, 2, 1, 9)

	g.TransferAdjacentData(nb)
	once := append([]byte(nil), g.Stream(StreamBlocktype)...)
	g.TransferAdjacentData(nb)
	if !bytes.Equal(once, g.Stream(StreamBlocktype)) {
		t.Fatalf("second transfer changed padding")
	}
	if g.Blocktype(2, 3, 2) != 6 {
		t.Fatalf("up padding missing")
	}
}

func TestTransferSkipsStreamsMissingOnEitherSide(t *testing.T) {
	g := New(MaskOf(StreamBlocktype, StreamColor), 1)
	g.SetSize(2, 2, 2)
	nb := New(MaskOf(StreamBlocktype), 1)
	nb.SetSize(2, 2, 2)
	nb.Fill(StreamBlocktype, 4)

	g.TransferAdjacentData(Neighbors{East: nb})
	if g.Blocktype(2, 0, 0) != 4 {
		t.Fatalf("shared stream not transferred")
	}
	if g.Get(StreamColor, 2, 0, 0) != 0 {
		t.Fatalf("unshared stream written")
	}
}

func TestTransferIgnoresMissingAndMismatchedNeighbors(t *testing.T) {
	g := filled(2, 2, 2, 1)
	if n := g.TransferAdjacentData(Neighbors{East: filled(2, 3, 2, 1)}); n != 0 {
		t.Fatalf("mismatched neighbor transferred")
	}
	unloaded := filled(2, 2, 2, 1)
	unloaded.Unload()
	if n := g.TransferAdjacentData(Neighbors{West: unloaded}); n != 0 {
		t.Fatalf("unloaded neighbor transferred")
	}
}

func TestGeometryResolution(t *testing.T) {
	pal := blocktype.NewMap()
	pal.Geometry[3] = blocktype.GeomSlope
	g := New(MaskOf(StreamBlocktype, StreamGeometry), 1)
	g.SetSize(2, 2, 2)
	g.SetBlocktype(0, 0, 0, 3)
	if g.Geometry(0, 0, 0) != blocktype.GeomCube {
		t.Fatalf("without palette non-zero blocktype is a cube")
	}
	g.SetPalette(pal)
	if g.Geometry(0, 0, 0) != blocktype.GeomSlope {
		t.Fatalf("palette geometry not used")
	}
	g.SetGeometry(0, 0, 0, byte(blocktype.GeomKnockout))
	if g.Geometry(0, 0, 0) != blocktype.GeomKnockout {
		t.Fatalf("geometry stream must override palette")
	}
}

func TestParseMask(t *testing.T) {
	m, unknown := ParseMask([]string{"blocktype", " Lighting", "nope"})
	if m != MaskBasic {
		t.Fatalf("mask=%b want %b", m, MaskBasic)
	}
	if len(unknown) != 1 || unknown[0] != "nope" {
		t.Fatalf("unknown=%v", unknown)
	}
}

func TestTransferFillsCornerColumnsFromDiagonals(t *testing.T) {
	g := filled(3, 2, 3, 1)
	ne := filled(3, 2, 3, 2)
	ne.SetBlocktype(0, 1, 0, 9)
	sw := filled(3, 2, 3, 3)
	sw.SetBlocktype(2, 0, 2, 8)

	if n := g.TransferAdjacentData(Neighbors{NorthEast: ne, SouthWest: sw}); n != 2 {
		t.Fatalf("moved=%d want 2", n)
	}
	if got := g.Blocktype(3, 1, 3); got != 9 {
		t.Fatalf("north east corner got %d want 9", got)
	}
	if got := g.Blocktype(3, 0, 3); got != 2 {
		t.Fatalf("north east corner got %d want 2", got)
	}
	if got := g.Blocktype(-1, 0, -1); got != 8 {
		t.Fatalf("south west corner got %d want 8", got)
	}
	// Faces stay untouched without lateral neighbors.
	if got := g.Blocktype(3, 0, 1); got != 0 {
		t.Fatalf("east face padding touched: %d", got)
	}
	if got := g.Blocktype(-1, 0, 3); got != 0 {
		t.Fatalf("north west corner touched: %d", got)
	}
}
