// Package engine declares what the meshing pipeline needs from a host engine and provides
// headless implementations used by the server binary and tests.
package engine

import (
	"runtime"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/go-gl/mathgl/mgl32"
)

// Drawable is one chunk's renderable. Only the main goroutine calls it.
type Drawable interface {
	SetMesh(vertexBytes, faceBytes []byte, box AABB) error
	Release()
	OnBuildComplete(ok bool)
}

type Camera interface {
	Frustum() Frustum
	FarClip() float32
	WorldPosition() mgl32.Vec3
}

// Material receives the palette derived shader parameters.
type Material interface {
	SetParameter(name string, value any)
}

// WorkQueue runs callables in parallel.
type WorkQueue interface {
	Submit(task func())
	StopAndWait()
}

type pondQueue struct {
	pool pond.Pool
}

// NewWorkQueue starts a pool of n workers; n < 1 means one per CPU.
func NewWorkQueue(n int) WorkQueue {
	if n < 1 {
		n = runtime.NumCPU()
	}
	return &pondQueue{pool: pond.NewPool(n)}
}

func (q *pondQueue) Submit(task func()) { q.pool.Submit(task) }
func (q *pondQueue) StopAndWait()       { q.pool.StopAndWait() }

// PerspectiveCamera is a plain look-at camera.
type PerspectiveCamera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Up       mgl32.Vec3
	FovY     float32 // radians
	Aspect   float32
	Near     float32
	Far      float32
}

func NewPerspectiveCamera(pos, target mgl32.Vec3, fovDeg, far float32) *PerspectiveCamera {
	return &PerspectiveCamera{
		Position: pos,
		Target:   target,
		Up:       mgl32.Vec3{0, 1, 0},
		FovY:     mgl32.DegToRad(fovDeg),
		Aspect:   16.0 / 9.0,
		Near:     0.1,
		Far:      far,
	}
}

func (c *PerspectiveCamera) ViewProjection() mgl32.Mat4 {
	view := mgl32.LookAtV(c.Position, c.Target, c.Up)
	proj := mgl32.Perspective(c.FovY, c.Aspect, c.Near, c.Far)
	return proj.Mul4(view)
}

func (c *PerspectiveCamera) Frustum() Frustum          { return FrustumFromMatrix(c.ViewProjection()) }
func (c *PerspectiveCamera) FarClip() float32          { return c.Far }
func (c *PerspectiveCamera) WorldPosition() mgl32.Vec3 { return c.Position }

// MemoryDrawable keeps the last uploaded mesh in memory.
type MemoryDrawable struct {
	mu       sync.Mutex
	vertices []byte
	faces    []byte
	box      AABB
	builds   int
	failures int
	released bool
}

func (d *MemoryDrawable) SetMesh(vertexBytes, faceBytes []byte, box AABB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vertices = vertexBytes
	d.faces = faceBytes
	d.box = box
	d.released = false
	return nil
}

func (d *MemoryDrawable) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vertices, d.faces = nil, nil
	d.released = true
}

func (d *MemoryDrawable) OnBuildComplete(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok {
		d.builds++
	} else {
		d.failures++
	}
}

// Mesh returns the current payload. The slices are shared; do not modify them.
func (d *MemoryDrawable) Mesh() (vertices, faces []byte, box AABB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vertices, d.faces, d.box
}

func (d *MemoryDrawable) Counts() (builds, failures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.builds, d.failures
}

func (d *MemoryDrawable) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

type MemoryMaterial struct {
	mu     sync.Mutex
	params map[string]any
}

func (m *MemoryMaterial) SetParameter(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.params == nil {
		m.params = map[string]any{}
	}
	m.params[name] = value
}

func (m *MemoryMaterial) Parameter(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.params[name]
	return v, ok
}
