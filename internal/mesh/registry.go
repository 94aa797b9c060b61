package mesh

import (
	"fmt"
	"sort"
	"sync"

	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
)

// VoxelProcessor rewrites derived streams of a grid in place before meshing.
type VoxelProcessor func(g *grid.Grid, palette *blocktype.Map) error

// Registry maps processor names to processors. Builders own one; nothing is global.
type Registry struct {
	mu sync.RWMutex
	m  map[string]VoxelProcessor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]VoxelProcessor{}}
}

// DefaultRegistry holds the built in processors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("ambient", AmbientOcclusion)
	return r
}

func (r *Registry) Register(name string, p VoxelProcessor) error {
	if name == "" || p == nil {
		return fmt.Errorf("processor needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("processor %q already registered", name)
	}
	r.m[name] = p
	return nil
}

func (r *Registry) Lookup(name string) (VoxelProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[name]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
