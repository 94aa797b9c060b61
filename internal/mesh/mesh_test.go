package mesh

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
	"voxelmesh.ai/internal/voxel/vheight"
)

func newGrid(w, h, d int) *grid.Grid {
	g := grid.New(grid.MaskOf(grid.StreamBlocktype, grid.StreamVHeight), 1)
	g.SetSize(w, h, d)
	g.SetPalette(blocktype.Default())
	return g
}

func build(t *testing.T, b Builder, g *grid.Grid, capacity int) []Quad {
	t.Helper()
	in := Input{Grid: g, Palette: g.Palette()}
	if err := b.PrepareVoxels(in); err != nil {
		t.Fatalf("PrepareVoxels: %v", err)
	}
	_, h, _ := g.Dims()
	out := NewQuadBuffer(capacity)
	if err := b.BuildMesh(in, Workload{Y0: 0, Y1: h}, out); err != nil {
		t.Fatalf("BuildMesh: %v", err)
	}
	return b.ProcessMesh(append([]Quad(nil), out.Quads()...))
}

func mustBuilder(t *testing.T, kind string, opts Options) Builder {
	t.Helper()
	b, err := New(kind, opts)
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	return b
}

func TestPacking(t *testing.T) {
	v := PackVertex(255, 511, 17, 200)
	x, y, z, l := UnpackVertex(v)
	if x != 255 || y != 511 || z != 17 || l != 100 {
		t.Fatalf("unpack got %d,%d,%d light %d", x, y, z, l)
	}
	f := PackFace(1, 2, 3, NormalSouth, 2, FlagSlope|FlagOverlay)
	if f.Tex1() != 1 || f.Tex2() != 2 || f.Color() != 3 || f.Normal() != NormalSouth || f.Rotation() != 2 {
		t.Fatalf("face fields wrong: %#x", uint32(f))
	}
	if !f.Has(FlagSlope) || !f.Has(FlagOverlay) || f.Has(FlagKnockout) {
		t.Fatalf("face flags wrong")
	}
}

func TestSplitWorkloadsCoversHeight(t *testing.T) {
	for _, tc := range []struct{ h, n int }{{32, 4}, {33, 4}, {3, 8}, {1, 1}} {
		ws := SplitWorkloads(tc.h, tc.n)
		y := 0
		for i, w := range ws {
			if w.Index != i || w.Y0 != y || w.Y1 <= w.Y0 {
				t.Fatalf("h=%d n=%d workload %d = %+v", tc.h, tc.n, i, w)
			}
			y = w.Y1
		}
		if y != tc.h {
			t.Fatalf("h=%d n=%d covered %d", tc.h, tc.n, y)
		}
	}
	if SplitWorkloads(0, 4) != nil {
		t.Fatalf("zero height must produce no workloads")
	}
}

func TestCubeSingleVoxelEmitsSixFaces(t *testing.T) {
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	quads := build(t, mustBuilder(t, "cube", Options{}), g, 64)
	if len(quads) != 6 {
		t.Fatalf("got %d quads want 6", len(quads))
	}
	seen := map[int]bool{}
	for _, q := range quads {
		seen[q.Face.Normal()] = true
	}
	if len(seen) != 6 {
		t.Fatalf("normals %v", seen)
	}
	if a := Area(quads); a != 6 {
		t.Fatalf("area %v want 6", a)
	}
}

func TestCubeFacesPointOutward(t *testing.T) {
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	for _, q := range build(t, mustBuilder(t, "cube", Options{}), g, 64) {
		var p [3]mgl32.Vec3
		for i := 0; i < 3; i++ {
			x, y, z, _ := UnpackVertex(q.V[i])
			p[i] = mgl32.Vec3{float32(x), float32(y), float32(z)}
		}
		n := p[1].Sub(p[0]).Cross(p[2].Sub(p[0]))
		center := mgl32.Vec3{1, 1, 1}
		if n.Dot(p[0].Sub(center)) <= 0 {
			t.Fatalf("face %d winds inward", q.Face.Normal())
		}
	}
}

func TestCubeCullsInteriorFaces(t *testing.T) {
	g := newGrid(2, 1, 1)
	g.Fill(grid.StreamBlocktype, 1)
	quads := build(t, mustBuilder(t, "cube", Options{}), g, 64)
	if len(quads) != 10 {
		t.Fatalf("got %d quads want 10", len(quads))
	}
	merged := build(t, mustBuilder(t, "cube", Options{Greedy: true}), g, 64)
	if len(merged) != 6 {
		t.Fatalf("greedy got %d quads want 6", len(merged))
	}
	if Area(merged) != Area(quads) {
		t.Fatalf("greedy changed area %v -> %v", Area(quads), Area(merged))
	}
}

func TestGreedyMergeTwoUnitQuads(t *testing.T) {
	g := newGrid(2, 1, 1)
	g.Fill(grid.StreamBlocktype, 1)
	var tops []Quad
	for _, q := range build(t, mustBuilder(t, "cube", Options{}), g, 64) {
		if q.Face.Normal() == NormalUp {
			tops = append(tops, q)
		}
	}
	if len(tops) != 2 {
		t.Fatalf("want two unit tops, got %d", len(tops))
	}
	once := GreedyMerge(tops)
	if len(once) != 1 || Area(once) != 2 {
		t.Fatalf("merge got %d quads area %v", len(once), Area(once))
	}
	lo, hi := once[0].Bounds()
	if lo != [3]int{0, 2, 0} || hi != [3]int{4, 2, 2} {
		t.Fatalf("merged bounds %v %v", lo, hi)
	}
	twice := GreedyMerge(once)
	if len(twice) != 1 || twice[0] != once[0] {
		t.Fatalf("second merge changed the result")
	}
}

func TestGreedyKeepsMaterialsApart(t *testing.T) {
	g := newGrid(3, 1, 3)
	g.Fill(grid.StreamBlocktype, 1)
	g.SetBlocktype(1, 0, 1, 2)
	quads := build(t, mustBuilder(t, "cube", Options{}), g, 256)
	merged := GreedyMerge(quads)
	if Area(merged) != Area(quads) {
		t.Fatalf("area changed")
	}
	for _, q := range merged {
		if q.Face.Normal() != NormalUp || q.Face.Tex1() != blocktype.Default().Tex1[2] {
			continue
		}
		if Area([]Quad{q}) != 1 {
			t.Fatalf("dirt top merged with stone")
		}
	}
	if again := GreedyMerge(merged); len(again) != len(merged) {
		t.Fatalf("merge not idempotent: %d -> %d", len(merged), len(again))
	}
}

func TestKnockoutDoesNotOcclude(t *testing.T) {
	pal := blocktype.Default()
	leaves, _ := pal.Lookup("leaves")
	g := newGrid(2, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	g.SetBlocktype(1, 0, 0, leaves)
	quads := build(t, mustBuilder(t, "cube", Options{}), g, 64)
	// Stone keeps its east face against the leaves; the leaves lose their west face.
	if len(quads) != 11 {
		t.Fatalf("got %d quads want 11", len(quads))
	}

	g.SetBlocktype(0, 0, 0, leaves)
	quads = build(t, mustBuilder(t, "cube", Options{}), g, 64)
	if len(quads) != 10 {
		t.Fatalf("touching leaves got %d quads want 10", len(quads))
	}
	for _, q := range quads {
		if !q.Face.Has(FlagKnockout) {
			t.Fatalf("knockout flag missing")
		}
	}
}

func TestSlopeFollowsVHeight(t *testing.T) {
	pal := blocktype.Default()
	ramp, _ := pal.Lookup("ramp")
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, ramp)
	g.SetVHeight(0, 0, 0, vheight.Encode(vheight.H0, vheight.H0, vheight.HOne, vheight.HOne))
	quads := build(t, mustBuilder(t, "cube", Options{Greedy: true}), g, 64)
	// No south face: both of its top corners sit on the floor.
	if len(quads) != 5 {
		t.Fatalf("got %d quads want 5", len(quads))
	}
	for _, q := range quads {
		if !q.Face.Has(FlagSlope) {
			t.Fatalf("slope flag missing on normal %d", q.Face.Normal())
		}
		if q.Face.Normal() != NormalUp {
			continue
		}
		for _, v := range q.V {
			_, y, z, _ := UnpackVertex(v)
			if (z == 0 && y != 0) || (z == 2 && y != 2) {
				t.Fatalf("top vertex z=%d y=%d", z, y)
			}
		}
	}
}

func TestUnsetVHeightFallsBackToPalette(t *testing.T) {
	pal := *blocktype.Default()
	ramp, _ := pal.Lookup("ramp")
	pal.VHeight[ramp] = vheight.Encode(vheight.H0, vheight.H0, vheight.HOne, vheight.HOne)
	g := newGrid(1, 1, 1)
	g.SetPalette(&pal)
	g.SetBlocktype(0, 0, 0, ramp)
	g.SetVHeight(0, 0, 0, vheight.Unset)
	if n := len(build(t, mustBuilder(t, "cube", Options{}), g, 64)); n != 5 {
		t.Fatalf("palette ramp got %d quads want 5", n)
	}

	pal.VHeight[ramp] = vheight.Unset
	if n := len(build(t, mustBuilder(t, "cube", Options{}), g, 64)); n != 6 {
		t.Fatalf("unset everywhere got %d quads want a flat cube", n)
	}
}

func TestScratchOverflowFailsTheWorkload(t *testing.T) {
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	b := mustBuilder(t, "cube", Options{})
	out := NewQuadBuffer(3)
	err := b.BuildMesh(Input{Grid: g, Palette: g.Palette()}, Workload{Y0: 0, Y1: 1}, out)
	if !errors.Is(err, ErrScratchOverflow) {
		t.Fatalf("got %v want overflow", err)
	}
}

func TestNothingToBuild(t *testing.T) {
	b := mustBuilder(t, "marching", Options{})
	out := NewQuadBuffer(8)
	if err := b.BuildMesh(Input{}, Workload{Y1: 4}, out); !errors.Is(err, ErrNothingToBuild) {
		t.Fatalf("nil grid: %v", err)
	}
	g := grid.New(grid.MaskBasic, 1)
	g.SetSize(0, 4, 4)
	if err := b.BuildMesh(Input{Grid: g, Palette: blocktype.Default()}, Workload{Y1: 4}, out); !errors.Is(err, ErrNothingToBuild) {
		t.Fatalf("zero dims: %v", err)
	}
	ok := newGrid(1, 1, 1)
	if err := b.BuildMesh(Input{Grid: ok}, Workload{Y1: 1}, out); !errors.Is(err, ErrNoPalette) {
		t.Fatalf("missing palette: %v", err)
	}
}

func TestMarchingCaseTable(t *testing.T) {
	if CaseTriangles(0) != 0 || CaseTriangles(255) != 0 {
		t.Fatalf("empty and full cases must emit nothing")
	}
	if CaseTriangles(1) != 6 || CaseTriangles(1<<7) != 6 {
		t.Fatalf("diagonal corners touch all six tetrahedra")
	}
	if CaseTriangles(1<<1) != 2 {
		t.Fatalf("corner 1 touches two tetrahedra, got %d", CaseTriangles(1<<1))
	}
	for c := 1; c < 255; c++ {
		if CaseTriangles(uint8(c)) == 0 {
			t.Fatalf("case %d emits nothing", c)
		}
	}
}

// assertClosedOutward checks that every directed edge pairs with its reverse exactly once and
// that each triangle faces away from center.
func assertClosedOutward(t *testing.T, quads []Quad, center mgl32.Vec3) {
	t.Helper()
	type pt [3]int
	pos := func(v uint32) pt {
		x, y, z, _ := UnpackVertex(v)
		return pt{x, y, z}
	}
	directed := map[[2]pt]int{}
	for _, q := range quads {
		if !q.Triangle() || q.V[2] != q.V[3] {
			t.Fatalf("triangle not stored as degenerate quad")
		}
		a, b, c := pos(q.V[0]), pos(q.V[1]), pos(q.V[2])
		directed[[2]pt{a, b}]++
		directed[[2]pt{b, c}]++
		directed[[2]pt{c, a}]++

		va := mgl32.Vec3{float32(a[0]), float32(a[1]), float32(a[2])}
		vb := mgl32.Vec3{float32(b[0]), float32(b[1]), float32(b[2])}
		vc := mgl32.Vec3{float32(c[0]), float32(c[1]), float32(c[2])}
		n := vb.Sub(va).Cross(vc.Sub(va))
		mid := va.Add(vb).Add(vc).Mul(1.0 / 3)
		if n.Dot(mid.Sub(center)) <= 0 {
			t.Fatalf("triangle %v %v %v faces inward", a, b, c)
		}
	}
	for e, n := range directed {
		if n != 1 || directed[[2]pt{e[1], e[0]}] != 1 {
			t.Fatalf("edge %v used %d times, reverse %d", e, n, directed[[2]pt{e[1], e[0]}])
		}
	}
}

func TestMarchingSingleVoxelIsClosedAndOutward(t *testing.T) {
	g := newGrid(3, 3, 3)
	g.SetBlocktype(1, 1, 1, 1)
	quads := build(t, mustBuilder(t, "marching", Options{}), g, 256)
	if len(quads) != 24 {
		t.Fatalf("got %d triangles want 24", len(quads))
	}
	assertClosedOutward(t, quads, mgl32.Vec3{3, 3, 3}) // voxel (1,1,1) center in half units
}

// A chunk on the world's minimum corner also owns the cells below it, so a voxel in its first
// cell is closed. Away from the edge those cells belong to the neighbors.
func TestMarchingClosesSurfaceAtWorldMinEdge(t *testing.T) {
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	b := mustBuilder(t, "marching", Options{})
	run := func(edge [3]bool) []Quad {
		out := NewQuadBuffer(256)
		if err := b.BuildMesh(Input{Grid: g, Palette: g.Palette(), MinEdge: edge}, Workload{Y0: 0, Y1: 1}, out); err != nil {
			t.Fatalf("BuildMesh: %v", err)
		}
		return append([]Quad(nil), out.Quads()...)
	}

	quads := run([3]bool{true, true, true})
	if len(quads) != 24 {
		t.Fatalf("edge chunk got %d triangles want 24", len(quads))
	}
	assertClosedOutward(t, quads, mgl32.Vec3{1, 1, 1})
	for _, q := range quads {
		for _, v := range q.V {
			if x, y, z, _ := UnpackVertex(v); x > 2 || y > 2 || z > 2 {
				t.Fatalf("vertex %d,%d,%d outside the voxel", x, y, z)
			}
		}
	}

	if n := len(run([3]bool{})); n != CaseTriangles(1) {
		t.Fatalf("interior chunk got %d triangles want %d", n, CaseTriangles(1))
	}
	// Only the Y edge: cells (0,-1,0) and (0,0,0).
	if n := len(run([3]bool{false, true, false})); n != CaseTriangles(1)+CaseTriangles(1<<2) {
		t.Fatalf("bottom chunk got %d triangles", n)
	}
}

func TestAmbientOcclusion(t *testing.T) {
	g := newGrid(3, 3, 3)
	if err := AmbientOcclusion(g, nil); err != nil {
		t.Fatal(err)
	}
	if g.Lighting(1, 1, 1) != 255 {
		t.Fatalf("open cell light %d want 255", g.Lighting(1, 1, 1))
	}

	g.Fill(grid.StreamBlocktype, 1)
	before := append([]byte(nil), g.Stream(grid.StreamBlocktype)...)
	if err := AmbientOcclusion(g, nil); err != nil {
		t.Fatal(err)
	}
	first := append([]byte(nil), g.Stream(grid.StreamLighting)...)
	// Center of a solid 3x3x3 block: its whole ring is solid at every height.
	if g.Lighting(1, 1, 1) != 0 {
		t.Fatalf("buried cell light %d want 0", g.Lighting(1, 1, 1))
	}
	// Corner cell: 5 of 9 ring cells are padding, so v = 5*255/9 = 141.
	if got := g.Lighting(0, 1, 0); got != 141 {
		t.Fatalf("corner cell light %d want 141", got)
	}
	if err := AmbientOcclusion(g, nil); err != nil {
		t.Fatal(err)
	}
	if string(first) != string(g.Stream(grid.StreamLighting)) {
		t.Fatalf("lighting pass not idempotent")
	}
	if string(before) != string(g.Stream(grid.StreamBlocktype)) {
		t.Fatalf("lighting pass touched blocktype")
	}
}

func TestRegistryAndSelection(t *testing.T) {
	r := DefaultRegistry()
	if err := r.Register("ambient", AmbientOcclusion); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "ambient" {
		t.Fatalf("names %v", names)
	}
	if _, err := New("cube", Options{Registry: r, Processors: []string{"missing"}}); err == nil {
		t.Fatalf("unknown processor accepted")
	}
	if _, err := New("voxelsphere", Options{}); err == nil {
		t.Fatalf("unknown mesher accepted")
	}
	b := mustBuilder(t, "cube", Options{Registry: r, Processors: []string{"ambient"}})
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	for _, q := range build(t, b, g, 64) {
		if _, _, _, l := UnpackVertex(q.V[0]); l == 127 {
			t.Fatalf("ambient pass did not darken face next to the voxel")
		}
	}
}

func TestUploadGpuData(t *testing.T) {
	g := newGrid(1, 1, 1)
	g.SetBlocktype(0, 0, 0, 1)
	b := mustBuilder(t, "cube", Options{})
	quads := build(t, b, g, 64)
	origin := mgl32.Vec3{16, 0, 32}
	var d engine.MemoryDrawable
	if err := b.UploadGpuData(Payload{Quads: quads, Box: PayloadBox(origin, quads)}, &d); err != nil {
		t.Fatal(err)
	}
	v, f, box := d.Mesh()
	if len(v) != 6*VertexBytesPerQuad || len(f) != 6*FaceBytesPerQuad {
		t.Fatalf("payload sizes %d %d", len(v), len(f))
	}
	if box.Min != origin || box.Max != origin.Add(mgl32.Vec3{1, 1, 1}) {
		t.Fatalf("box %+v", box)
	}

	var m engine.MemoryMaterial
	b.UpdateMaterialParameters(&m, g.Palette())
	if v, ok := m.Parameter("mesher"); !ok || v != "cube" {
		t.Fatalf("mesher parameter %v", v)
	}
}
