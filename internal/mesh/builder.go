// Package mesh turns chunk voxel grids into packed quad streams.
//
// Two interchangeable builders exist: the cube mesher (one quad per visible voxel face, optional
// greedy merge, vheight slopes) and the marching mesher (corner case table over voxel centers).
package mesh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
)

var (
	// ErrScratchOverflow fails the workload; geometry is never truncated.
	ErrScratchOverflow = errors.New("mesh: scratch buffer overflow")
	// ErrNothingToBuild means a nil or zero sized grid. Callers treat it as a no-op.
	ErrNothingToBuild = errors.New("mesh: nothing to build")
	ErrNoPalette      = errors.New("mesh: missing blocktype palette")
)

// Input is one chunk as seen by a build. The grid's padding must already hold neighbor data and
// the grid must not be mutated by anyone else while the build runs.
type Input struct {
	Grid    *grid.Grid
	Palette *blocktype.Map
	// Origin is the world position of voxel (0,0,0).
	Origin mgl32.Vec3
	// MinEdge marks the X, Y and Z axes on which the chunk has no neighbor below it because it
	// sits on the world's minimum boundary.
	MinEdge [3]bool
}

func (in Input) Validate() error {
	if in.Grid == nil || in.Grid.Empty() || !in.Grid.Loaded() {
		return ErrNothingToBuild
	}
	if in.Palette == nil {
		return ErrNoPalette
	}
	return nil
}

// Workload is a disjoint Y range [Y0,Y1) of one chunk.
type Workload struct {
	Index  int
	Y0, Y1 int
}

// SplitWorkloads cuts height into at most n contiguous ranges.
func SplitWorkloads(height, n int) []Workload {
	if height <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > height {
		n = height
	}
	out := make([]Workload, 0, n)
	y := 0
	for i := 0; i < n; i++ {
		step := (height - y) / (n - i)
		out = append(out, Workload{Index: i, Y0: y, Y1: y + step})
		y += step
	}
	return out
}

// Payload is the concatenated output of one job, ready for upload.
type Payload struct {
	Quads []Quad
	Box   engine.AABB
}

type Builder interface {
	Name() string
	// PrepareVoxels runs the configured voxel processors over the whole padded grid. It is called
	// once per job before any BuildMesh.
	PrepareVoxels(in Input) error
	BuildMesh(in Input, w Workload, out *QuadBuffer) error
	ProcessMesh(quads []Quad) []Quad
	UploadGpuData(p Payload, d engine.Drawable) error
	UpdateMaterialParameters(m engine.Material, palette *blocktype.Map)
}

type Options struct {
	SliceHeight int
	Greedy      bool
	// Processors are registry names run by PrepareVoxels, in order.
	Processors []string
	Registry   *Registry
}

func (o *Options) normalize() {
	if o.SliceHeight <= 0 {
		o.SliceHeight = 16
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
}

// New selects a builder by name: "cube" or "marching".
func New(kind string, opts Options) (Builder, error) {
	opts.normalize()
	for _, name := range opts.Processors {
		if _, ok := opts.Registry.Lookup(name); !ok {
			return nil, fmt.Errorf("unknown voxel processor %q", name)
		}
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "cube":
		return &CubeBuilder{base: base{opts: opts, name: "cube"}}, nil
	case "marching":
		return &MarchingBuilder{base: base{opts: opts, name: "marching"}}, nil
	}
	return nil, fmt.Errorf("unknown mesher %q", kind)
}

// base carries what both builders share.
type base struct {
	opts Options
	name string
}

func (b *base) Name() string { return b.name }

func (b *base) PrepareVoxels(in Input) error {
	if err := in.Validate(); err != nil {
		return err
	}
	for _, name := range b.opts.Processors {
		p, _ := b.opts.Registry.Lookup(name)
		if err := p(in.Grid, in.Palette); err != nil {
			return fmt.Errorf("processor %s: %w", name, err)
		}
	}
	return nil
}

func (b *base) UploadGpuData(p Payload, d engine.Drawable) error {
	if d == nil {
		return errors.New("mesh: nil drawable")
	}
	vertices := make([]byte, 0, len(p.Quads)*VertexBytesPerQuad)
	faces := make([]byte, 0, len(p.Quads)*FaceBytesPerQuad)
	vertices, faces = AppendBytes(vertices, faces, p.Quads)
	return d.SetMesh(vertices, faces, p.Box)
}

func (b *base) UpdateMaterialParameters(m engine.Material, palette *blocktype.Map) {
	if m == nil || palette == nil {
		return
	}
	colors := make([]byte, 256)
	copy(colors, palette.Color[:])
	m.SetParameter("mesher", b.name)
	m.SetParameter("palette_colors", colors)
	m.SetParameter("palette_digest", palette.Digest)
}

// PayloadBox converts the half unit bounds of quads to a world space box.
func PayloadBox(origin mgl32.Vec3, quads []Quad) engine.AABB {
	if len(quads) == 0 {
		return engine.AABB{Min: origin, Max: origin}
	}
	var lo, hi [3]int
	for i, q := range quads {
		qlo, qhi := q.Bounds()
		for a := 0; a < 3; a++ {
			if i == 0 || qlo[a] < lo[a] {
				lo[a] = qlo[a]
			}
			if i == 0 || qhi[a] > hi[a] {
				hi[a] = qhi[a]
			}
		}
	}
	half := func(v [3]int) mgl32.Vec3 {
		return mgl32.Vec3{float32(v[0]) / 2, float32(v[1]) / 2, float32(v[2]) / 2}
	}
	return engine.AABB{Min: origin.Add(half(lo)), Max: origin.Add(half(hi))}
}

// slices calls fn for each Y slice of w no taller than h.
func slices(w Workload, h int, fn func(y0, y1 int) error) error {
	for y := w.Y0; y < w.Y1; y += h {
		end := y + h
		if end > w.Y1 {
			end = w.Y1
		}
		if err := fn(y, end); err != nil {
			return err
		}
	}
	return nil
}
