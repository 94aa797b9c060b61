// Package tuning loads the pipeline configuration file (configs/tuning.yaml).
package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/persistence/pages"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/stream"
	"voxelmesh.ai/internal/voxel/blocktype"
	"voxelmesh.ai/internal/voxel/grid"
	"voxelmesh.ai/internal/worldgen"
)

type Tuning struct {
	Store    StoreTuning    `yaml:"store"`
	Mesher   MesherTuning   `yaml:"mesher"`
	Build    BuildTuning    `yaml:"build"`
	Stream   StreamTuning   `yaml:"stream"`
	Worldgen WorldgenTuning `yaml:"worldgen"`
	Cameras  []CameraSpec   `yaml:"cameras"`
}

type StoreTuning struct {
	Dir         string   `yaml:"dir"`
	ChunkDims   []int    `yaml:"chunk_dims"`
	NumChunks   []int    `yaml:"num_chunks"`
	PageSize    []int    `yaml:"page_size"`
	Padding     int      `yaml:"padding"`
	Streams     []string `yaml:"streams"`
	Compression string   `yaml:"compression"`
	// Palette is a blocktypes.jsonc path; empty uses the built-in palette.
	Palette string `yaml:"palette"`
	Seed    int64  `yaml:"seed"`
}

type MesherTuning struct {
	Kind        string   `yaml:"kind"`
	Greedy      bool     `yaml:"greedy"`
	SliceHeight int      `yaml:"slice_height"`
	Processors  []string `yaml:"processors"`
}

type BuildTuning struct {
	Workers         int `yaml:"workers"`
	Slots           int `yaml:"slots"`
	WorkloadsPerJob int `yaml:"workloads_per_job"`
	ScratchQuads    int `yaml:"scratch_quads"`
}

type StreamTuning struct {
	Enabled           bool `yaml:"enabled"`
	FrameHz           int  `yaml:"frame_hz"`
	MaxBuildsPerFrame int  `yaml:"max_builds_per_frame"`
	MaxFrameMs        int  `yaml:"max_frame_ms"`
	LowPriority       bool `yaml:"low_priority"`
	HighWater         int  `yaml:"high_water"`
	LowWater          int  `yaml:"low_water"`
}

type WorldgenTuning struct {
	Enabled            bool `yaml:"enabled"`
	BaseHeight         int  `yaml:"base_height"`
	Amplitude          int  `yaml:"amplitude"`
	NoiseCell          int  `yaml:"noise_cell"`
	BiomeRegionSize    int  `yaml:"biome_region_size"`
	OreClusterPermille int  `yaml:"ore_cluster_permille"`
	TreePermille       int  `yaml:"tree_permille"`
	Slopes             bool `yaml:"slopes"`
}

type CameraSpec struct {
	Name     string    `yaml:"name"`
	Position []float32 `yaml:"position"`
	Target   []float32 `yaml:"target"`
	FovDeg   float32   `yaml:"fov_deg"`
	Far      float32   `yaml:"far"`
}

func Defaults() Tuning {
	gp := worldgen.DefaultParams()
	return Tuning{
		Store: StoreTuning{
			ChunkDims:   []int{32, 64, 32},
			NumChunks:   []int{8, 1, 8},
			PageSize:    []int{4, 1, 4},
			Padding:     1,
			Streams:     []string{"blocktype", "lighting", "vheight"},
			Compression: "rle+zstd",
			Seed:        gp.Seed,
		},
		Mesher: MesherTuning{Kind: "cube", Greedy: true, SliceHeight: 16, Processors: []string{"ambient"}},
		Build:  BuildTuning{Slots: 4, WorkloadsPerJob: 4, ScratchQuads: 1 << 15},
		Stream: StreamTuning{Enabled: true, FrameHz: 30, MaxBuildsPerFrame: 4, MaxFrameMs: 4, LowPriority: true, HighWater: 256, LowWater: 192},
		Worldgen: WorldgenTuning{
			Enabled:            true,
			BaseHeight:         gp.BaseHeight,
			Amplitude:          gp.Amplitude,
			NoiseCell:          gp.NoiseCell,
			BiomeRegionSize:    gp.BiomeRegionSize,
			OreClusterPermille: gp.OreClusterPermille,
			TreePermille:       gp.TreePermille,
			Slopes:             gp.Slopes,
		},
		Cameras: []CameraSpec{{Name: "main", Position: []float32{128, 48, 128}, Target: []float32{160, 24, 160}, FovDeg: 70, Far: 160}},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.Store.Padding < 1 {
		t.Store.Padding = 1
	}
	if strings.TrimSpace(t.Mesher.Kind) == "" {
		t.Mesher.Kind = "cube"
	}
	t.Mesher.Kind = strings.ToLower(strings.TrimSpace(t.Mesher.Kind))
	if t.Build.Slots <= 0 {
		t.Build.Slots = 4
	}
	if t.Build.WorkloadsPerJob <= 0 {
		t.Build.WorkloadsPerJob = 4
	}
	if t.Build.ScratchQuads <= 0 {
		t.Build.ScratchQuads = 1 << 15
	}
	if t.Stream.FrameHz <= 0 {
		t.Stream.FrameHz = 30
	}
	if t.Stream.MaxBuildsPerFrame <= 0 {
		t.Stream.MaxBuildsPerFrame = t.Build.Slots
	}
	if t.Stream.HighWater > 0 && (t.Stream.LowWater <= 0 || t.Stream.LowWater > t.Stream.HighWater) {
		t.Stream.LowWater = t.Stream.HighWater * 3 / 4
	}
	for i := range t.Cameras {
		if t.Cameras[i].FovDeg <= 0 {
			t.Cameras[i].FovDeg = 70
		}
		if strings.TrimSpace(t.Cameras[i].Name) == "" {
			t.Cameras[i].Name = fmt.Sprintf("camera%d", i)
		}
	}
}

func (t Tuning) Validate() error {
	s := t.Store
	if len(s.ChunkDims) != 3 || len(s.NumChunks) != 3 || len(s.PageSize) != 3 {
		return fmt.Errorf("store chunk_dims, num_chunks and page_size need 3 entries")
	}
	if s.ChunkDims[0] > 127 || s.ChunkDims[2] > 127 || s.ChunkDims[1] > 255 {
		return fmt.Errorf("store chunk_dims %v exceed (127,255,127)", s.ChunkDims)
	}
	for i := 0; i < 3; i++ {
		if s.ChunkDims[i] <= 0 || s.NumChunks[i] <= 0 || s.PageSize[i] <= 0 {
			return fmt.Errorf("store dims must be > 0")
		}
	}
	if s.Padding > 2 {
		return fmt.Errorf("store padding must be 1 or 2")
	}
	if _, unknown := grid.ParseMask(s.Streams); len(unknown) > 0 {
		return fmt.Errorf("unknown streams: %s", strings.Join(unknown, ","))
	}
	if !contains(s.Streams, "blocktype") {
		return fmt.Errorf("streams must include blocktype")
	}
	if _, err := pages.ParseCompression(s.Compression); err != nil {
		return err
	}
	if t.Mesher.Kind != "cube" && t.Mesher.Kind != "marching" {
		return fmt.Errorf("unknown mesher kind: %s", t.Mesher.Kind)
	}
	reg := mesh.DefaultRegistry()
	for _, p := range t.Mesher.Processors {
		if _, ok := reg.Lookup(p); !ok {
			return fmt.Errorf("unknown processor: %s", p)
		}
	}
	if t.Stream.MaxFrameMs < 0 || t.Stream.HighWater < 0 {
		return fmt.Errorf("stream limits must be >= 0")
	}
	for _, c := range t.Cameras {
		if len(c.Position) != 3 || len(c.Target) != 3 {
			return fmt.Errorf("camera %s: position and target need 3 entries", c.Name)
		}
		if c.Far <= 0 {
			return fmt.Errorf("camera %s: far must be > 0", c.Name)
		}
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), want) {
			return true
		}
	}
	return false
}

func vec3(v []float32) mgl32.Vec3 { return mgl32.Vec3{v[0], v[1], v[2]} }
func dims3(v []int) [3]int        { return [3]int{v[0], v[1], v[2]} }

// Palette loads the configured palette file or returns the built-in one.
func (t Tuning) Palette() (*blocktype.Map, error) {
	if strings.TrimSpace(t.Store.Palette) == "" {
		return blocktype.Default(), nil
	}
	return blocktype.Load(t.Store.Palette)
}

// StoreConfig needs a validated Tuning.
func (t Tuning) StoreConfig(pal *blocktype.Map) store.Config {
	mask, _ := grid.ParseMask(t.Store.Streams)
	comp, _ := pages.ParseCompression(t.Store.Compression)
	return store.Config{
		Dir:         t.Store.Dir,
		ChunkDims:   dims3(t.Store.ChunkDims),
		NumChunks:   dims3(t.Store.NumChunks),
		PageSize:    dims3(t.Store.PageSize),
		Padding:     t.Store.Padding,
		Mask:        mask,
		Compression: comp,
		Palette:     pal,
		Seed:        t.Store.Seed,
	}
}

func (t Tuning) MeshOptions() mesh.Options {
	return mesh.Options{
		SliceHeight: t.Mesher.SliceHeight,
		Greedy:      t.Mesher.Greedy,
		Processors:  append([]string(nil), t.Mesher.Processors...),
		Registry:    mesh.DefaultRegistry(),
	}
}

func (t Tuning) BuildConfig() build.Config {
	return build.Config{Slots: t.Build.Slots, WorkloadsPerJob: t.Build.WorkloadsPerJob, ScratchQuads: t.Build.ScratchQuads}
}

func (t Tuning) StreamConfig() stream.Config {
	return stream.Config{
		MaxBuildsPerFrame: t.Stream.MaxBuildsPerFrame,
		MaxFrameTime:      time.Duration(t.Stream.MaxFrameMs) * time.Millisecond,
		LowPriority:       t.Stream.LowPriority,
		HighWater:         t.Stream.HighWater,
		LowWater:          t.Stream.LowWater,
	}
}

func (t Tuning) WorldgenParams() worldgen.Params {
	w := t.Worldgen
	return worldgen.Params{
		Seed:               t.Store.Seed,
		BaseHeight:         w.BaseHeight,
		Amplitude:          w.Amplitude,
		NoiseCell:          w.NoiseCell,
		BiomeRegionSize:    w.BiomeRegionSize,
		OreClusterPermille: w.OreClusterPermille,
		TreePermille:       w.TreePermille,
		Slopes:             w.Slopes,
	}
}

func (t Tuning) FrameInterval() time.Duration { return time.Second / time.Duration(t.Stream.FrameHz) }

// NewCameras builds the configured viewports.
func (t Tuning) NewCameras() []engine.Camera {
	out := make([]engine.Camera, 0, len(t.Cameras))
	for _, c := range t.Cameras {
		out = append(out, engine.NewPerspectiveCamera(vec3(c.Position), vec3(c.Target), c.FovDeg, c.Far))
	}
	return out
}
