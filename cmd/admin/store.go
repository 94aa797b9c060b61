package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"voxelmesh.ai/internal/persistence/manifest"
	"voxelmesh.ai/internal/persistence/pages"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/voxel/grid"
)

type pageInfo struct {
	Key      store.PageKey
	Path     string
	Bytes    int
	Slots    int
	Occupied int
	// Corrupt lists the slot indices that did not decode; Err is set when the file itself is bad.
	Corrupt []int
	Err     error
}

func listPages(dir string) ([]store.PageKey, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "pages", "*.page"))
	if err != nil {
		return nil, err
	}
	var keys []store.PageKey
	for _, p := range paths {
		var k store.PageKey
		if _, err := fmt.Sscanf(filepath.Base(p), "%d_%d_%d.page", &k.X, &k.Y, &k.Z); err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})
	return keys, nil
}

func newGrid(m manifest.ManifestV1) *grid.Grid {
	g := grid.New(grid.DataMask(m.Mask), m.Padding)
	g.SetSize(m.ChunkDims[0], m.ChunkDims[1], m.ChunkDims[2])
	return g
}

// scanStore reads every page. With decode set each written slot is fully decoded.
func scanStore(dir string, decode bool) (manifest.ManifestV1, []pageInfo, error) {
	m, err := manifest.Read(manifest.Path(dir))
	if err != nil {
		return m, nil, err
	}
	keys, err := listPages(dir)
	if err != nil {
		return m, nil, err
	}
	out := make([]pageInfo, 0, len(keys))
	for _, k := range keys {
		info := pageInfo{Key: k, Path: store.PagePath(dir, k)}
		p, err := pages.ReadFile(info.Path)
		if err != nil {
			info.Err = err
			out = append(out, info)
			continue
		}
		info.Bytes, info.Slots, info.Occupied = p.Bytes(), len(p.Slots), p.Occupied()
		if decode {
			g := newGrid(m)
			for i := range p.Slots {
				if !p.Written(i) {
					continue
				}
				if err := pages.DecodeGrid(p.Slots[i], g, p.Mask, p.Compression); err != nil {
					info.Corrupt = append(info.Corrupt, i)
				}
			}
		}
		out = append(out, info)
	}
	return m, out, nil
}

type recompressStats struct {
	Pages   int
	Slots   int
	Skipped int
	BytesIn int
	Bytes   int
	Took    time.Duration
}

// recompressStore rewrites every page of src into dst with compression c. Corrupt slots are
// dropped and counted in Skipped.
func recompressStore(src, dst string, c pages.Compression) (recompressStats, error) {
	start := time.Now()
	var st recompressStats
	m, infos, err := scanStore(src, false)
	if err != nil {
		return st, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return st, err
	}
	mask := grid.DataMask(m.Mask)
	for _, info := range infos {
		if info.Err != nil {
			return st, fmt.Errorf("page %v: %w", info.Key, info.Err)
		}
		p, err := pages.ReadFile(info.Path)
		if err != nil {
			return st, err
		}
		out := pages.New(len(p.Slots), mask, c)
		for i := range p.Slots {
			if !p.Written(i) {
				continue
			}
			g := newGrid(m)
			if err := pages.DecodeGrid(p.Slots[i], g, p.Mask, p.Compression); err != nil {
				st.Skipped++
				continue
			}
			blob, err := pages.EncodeGrid(g, mask, c)
			if err != nil {
				return st, fmt.Errorf("page %v slot %d: %w", info.Key, i, err)
			}
			out.Slots[i] = blob
			st.Slots++
		}
		if err := pages.WriteFile(store.PagePath(dst, info.Key), out); err != nil {
			return st, err
		}
		st.Pages++
		st.BytesIn += info.Bytes
		st.Bytes += out.Bytes()
	}
	m.Compression = uint8(c)
	if err := manifest.Write(manifest.Path(dst), m); err != nil {
		return st, err
	}
	st.Took = time.Since(start)
	return st, nil
}
