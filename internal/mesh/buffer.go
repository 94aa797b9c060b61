package mesh

// QuadBuffer is fixed capacity scratch for one workload. It never grows.
type QuadBuffer struct {
	quads []Quad
}

func NewQuadBuffer(capacity int) *QuadBuffer {
	return &QuadBuffer{quads: make([]Quad, 0, capacity)}
}

// Append reports false when the buffer is full; the quad is dropped.
func (b *QuadBuffer) Append(q Quad) bool {
	if len(b.quads) == cap(b.quads) {
		return false
	}
	b.quads = append(b.quads, q)
	return true
}

func (b *QuadBuffer) Len() int      { return len(b.quads) }
func (b *QuadBuffer) Cap() int      { return cap(b.quads) }
func (b *QuadBuffer) Quads() []Quad { return b.quads }
func (b *QuadBuffer) Reset()        { b.quads = b.quads[:0] }

// Replace swaps in post-processed quads; it fails if they do not fit.
func (b *QuadBuffer) Replace(quads []Quad) bool {
	if len(quads) > cap(b.quads) {
		return false
	}
	b.quads = append(b.quads[:0], quads...)
	return true
}
