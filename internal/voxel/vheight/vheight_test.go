package vheight

import "testing"

func TestEncodeDecodeBijection(t *testing.T) {
	seen := map[byte]bool{}
	for sw := H0; sw <= HOneHalf; sw++ {
		for se := H0; se <= HOneHalf; se++ {
			for nw := H0; nw <= HOneHalf; nw++ {
				for ne := H0; ne <= HOneHalf; ne++ {
					b := Encode(sw, se, nw, ne)
					if seen[b] {
						t.Fatalf("encode collision at %d", b)
					}
					seen[b] = true
					a, c, d, e := Decode(b)
					if a != sw || c != se || d != nw || e != ne {
						t.Fatalf("decode(encode(%d,%d,%d,%d)) = %d,%d,%d,%d", sw, se, nw, ne, a, c, d, e)
					}
				}
			}
		}
	}
	if len(seen) != 256 {
		t.Fatalf("covered %d bytes want 256", len(seen))
	}
}

func TestFlat(t *testing.T) {
	sw, se, nw, ne := Decode(Flat)
	if sw != HOne || se != HOne || nw != HOne || ne != HOne {
		t.Fatalf("flat decodes to %d,%d,%d,%d", sw, se, nw, ne)
	}
	if HOneHalf.HalfUnits() != 3 {
		t.Fatalf("half units wrong")
	}
}
