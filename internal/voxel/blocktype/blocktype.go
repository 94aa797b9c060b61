package blocktype

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/muhammadmuzzammil1998/jsonc"
)

// Geometry is the shape class of a blocktype.
type Geometry uint8

const (
	GeomEmpty Geometry = iota
	GeomCube
	GeomSlope
	// GeomKnockout meshes its own faces but never hides a neighbor's face (glass, leaves).
	GeomKnockout
)

func (g Geometry) Solid() bool { return g != GeomEmpty }

// Occludes reports whether a voxel of this shape hides the face of the voxel next to it.
func (g Geometry) Occludes() bool { return g == GeomCube }

func ParseGeometry(s string) (Geometry, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EMPTY", "AIR":
		return GeomEmpty, nil
	case "CUBE":
		return GeomCube, nil
	case "SLOPE":
		return GeomSlope, nil
	case "KNOCKOUT":
		return GeomKnockout, nil
	}
	return GeomEmpty, fmt.Errorf("unknown geometry %q", s)
}

// Face order used by FaceTex and by the mesher's normal codes.
const (
	FaceEast = iota
	FaceWest
	FaceUp
	FaceDown
	FaceNorth
	FaceSouth
	NumFaces
)

// Map is the material palette, indexed by blocktype byte. Treat it as immutable after Load.
type Map struct {
	Name     [256]string
	Color    [256]byte
	Geometry [256]Geometry
	VHeight  [256]byte
	Tex1     [256]byte
	Tex2     [256]byte
	// FaceTex overrides Tex1 per face when non-zero.
	FaceTex [NumFaces][256]byte

	Digest string
}

func NewMap() *Map { return &Map{} }

// FaceTexture returns the texture index for one face of blocktype b.
func (m *Map) FaceTexture(b byte, face int) byte {
	if face >= 0 && face < NumFaces {
		if t := m.FaceTex[face][b]; t != 0 {
			return t
		}
	}
	return m.Tex1[b]
}

// Lookup finds a blocktype by name.
func (m *Map) Lookup(name string) (byte, bool) {
	for i := range m.Name {
		if m.Name[i] == name && name != "" {
			return byte(i), true
		}
	}
	return 0, false
}

// Def is one palette entry as written in blocktypes.jsonc.
type Def struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Geometry string `json:"geometry"`
	Color    int    `json:"color"`
	VHeight  int    `json:"vheight,omitempty"`
	Tex1     int    `json:"tex1"`
	Tex2     int    `json:"tex2,omitempty"`
	// Faces: east, west, up, down, north, south.
	Faces []int `json:"faces,omitempty"`
}

// Load reads a JSON-with-comments palette file.
func Load(path string) (*Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func Parse(raw []byte) (*Map, error) {
	var defs []Def
	if err := json.Unmarshal(jsonc.ToJSON(raw), &defs); err != nil {
		return nil, err
	}
	return FromDefs(defs)
}

// FromDefs builds a palette; id 0 is always empty regardless of what the defs say.
func FromDefs(defs []Def) (*Map, error) {
	m := NewMap()
	seen := map[int]string{}
	for _, d := range defs {
		if d.ID < 0 || d.ID > 255 {
			return nil, fmt.Errorf("blocktype %q: id %d out of range", d.Name, d.ID)
		}
		if prev, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("blocktype id %d used by %q and %q", d.ID, prev, d.Name)
		}
		seen[d.ID] = d.Name
		geom, err := ParseGeometry(d.Geometry)
		if err != nil {
			return nil, fmt.Errorf("blocktype %q: %w", d.Name, err)
		}
		if d.ID == 0 && geom != GeomEmpty {
			return nil, fmt.Errorf("blocktype 0 must be empty")
		}
		if len(d.Faces) != 0 && len(d.Faces) != NumFaces {
			return nil, fmt.Errorf("blocktype %q: faces wants %d entries, got %d", d.Name, NumFaces, len(d.Faces))
		}
		b := d.ID
		m.Name[b] = d.Name
		m.Geometry[b] = geom
		m.Color[b] = clampByte(d.Color)
		m.VHeight[b] = clampByte(d.VHeight)
		m.Tex1[b] = clampByte(d.Tex1)
		m.Tex2[b] = clampByte(d.Tex2)
		for f, t := range d.Faces {
			m.FaceTex[f][b] = clampByte(t)
		}
	}
	canon, _ := json.Marshal(defs)
	sum := sha256.Sum256(canon)
	m.Digest = hex.EncodeToString(sum[:])
	return m, nil
}

// Default is a small built-in palette used when no file is configured.
func Default() *Map {
	m, err := FromDefs([]Def{
		{ID: 0, Name: "air", Geometry: "empty"},
		{ID: 1, Name: "stone", Geometry: "cube", Color: 1, Tex1: 1},
		{ID: 2, Name: "dirt", Geometry: "cube", Color: 2, Tex1: 2},
		{ID: 3, Name: "grass", Geometry: "cube", Color: 3, Tex1: 2, Faces: []int{4, 4, 3, 2, 4, 4}},
		{ID: 4, Name: "sand", Geometry: "cube", Color: 4, Tex1: 5},
		{ID: 5, Name: "log", Geometry: "cube", Color: 5, Tex1: 6, Faces: []int{6, 6, 7, 7, 6, 6}},
		{ID: 6, Name: "leaves", Geometry: "knockout", Color: 6, Tex1: 8},
		{ID: 7, Name: "ramp", Geometry: "slope", Color: 1, Tex1: 1},
		{ID: 8, Name: "ore", Geometry: "cube", Color: 7, Tex1: 1, Tex2: 9},
	})
	if err != nil {
		panic(err)
	}
	return m
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
