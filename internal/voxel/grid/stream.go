package grid

import "strings"

// Stream identifies one per-voxel attribute array.
type Stream uint8

const (
	StreamBlocktype Stream = iota
	StreamColor
	StreamColor2
	StreamColor2Facemask
	StreamColor3
	StreamColor3Facemask
	StreamExtendedColor
	StreamExtendedFacemask
	StreamGeometry
	StreamLighting
	StreamOverlay
	StreamRotation
	StreamTex2
	StreamTex2Facemask
	StreamTex2Replace
	StreamVHeight
	StreamFlags

	NumStreams = 17
)

var streamNames = [NumStreams]string{
	"blocktype",
	"color",
	"color2",
	"color2_facemask",
	"color3",
	"color3_facemask",
	"ext_color",
	"ext_facemask",
	"geometry",
	"lighting",
	"overlay",
	"rotation",
	"tex2",
	"tex2_facemask",
	"tex2_replace",
	"vheight",
	"flags",
}

func (s Stream) String() string {
	if int(s) < NumStreams {
		return streamNames[s]
	}
	return "unknown"
}

// ParseStream maps a config name back to its stream.
func ParseStream(name string) (Stream, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range streamNames {
		if n == name {
			return Stream(i), true
		}
	}
	return 0, false
}

// DataMask is a bitset of present streams.
type DataMask uint32

const (
	// MaskBasic is what world generation and the cube mesher need.
	MaskBasic = DataMask(1<<StreamBlocktype | 1<<StreamLighting)
	MaskAll   = DataMask(1<<NumStreams - 1)
)

func MaskOf(streams ...Stream) DataMask {
	var m DataMask
	for _, s := range streams {
		m |= 1 << s
	}
	return m
}

func (m DataMask) Has(s Stream) bool { return m&(1<<s) != 0 }

func (m DataMask) With(s Stream) DataMask { return m | 1<<s }

// Streams lists present streams in ascending order; this order is the on-disk order.
func (m DataMask) Streams() []Stream {
	out := make([]Stream, 0, NumStreams)
	for s := Stream(0); s < NumStreams; s++ {
		if m.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m DataMask) Names() []string {
	ss := m.Streams()
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.String()
	}
	return out
}

// ParseMask builds a mask from stream names, ignoring unknown ones.
func ParseMask(names []string) (DataMask, []string) {
	var m DataMask
	var unknown []string
	for _, n := range names {
		s, ok := ParseStream(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		m |= 1 << s
	}
	return m, unknown
}
