package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	_ "modernc.org/sqlite"

	persistlog "voxelmesh.ai/internal/persistence/log"
	"voxelmesh.ai/internal/persistence/pages"
	"voxelmesh.ai/internal/protocol"
	"voxelmesh.ai/internal/voxel/grid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "inspect":
		inspectCmd(args)
	case "verify":
		verifyCmd(args)
	case "recompress":
		recompressCmd(args)
	case "builds":
		buildsCmd(args)
	case "logs":
		logsCmd(args)
	case "state":
		httpCmd(http.MethodGet, "/admin/v1/state", args)
	case "save":
		httpCmd(http.MethodPost, "/admin/v1/save", args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <inspect|verify|recompress|builds|logs|state|save> [flags]")
}

func fail(format string, a ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("store", "./data/store", "store directory")
	_ = fs.Parse(args)

	m, infos, err := scanStore(*dir, false)
	if err != nil {
		fail("inspect: %v", err)
	}
	color.Cyan("store %s", m.Header.StoreID)
	fmt.Printf("  chunk dims %v  chunks %v  page size %v  padding %d\n", m.ChunkDims, m.NumChunks, m.PageSize, m.Padding)
	fmt.Printf("  streams %s  compression %s\n", strings.Join(grid.DataMask(m.Mask).Names(), ","), pages.Compression(m.Compression))
	if m.CreatedUnix > 0 {
		fmt.Printf("  created %s\n", time.Unix(m.CreatedUnix, 0).UTC().Format(time.RFC3339))
	}
	total, occupied := 0, 0
	for _, p := range infos {
		if p.Err != nil {
			color.Red("  page %d_%d_%d: %v", p.Key.X, p.Key.Y, p.Key.Z, p.Err)
			continue
		}
		fmt.Printf("  page %d_%d_%d  %d/%d slots  %d bytes\n", p.Key.X, p.Key.Y, p.Key.Z, p.Occupied, p.Slots, p.Bytes)
		total += p.Bytes
		occupied += p.Occupied
	}
	color.Green("%d pages, %d chunks written, %d bytes", len(infos), occupied, total)
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("store", "./data/store", "store directory")
	_ = fs.Parse(args)

	_, infos, err := scanStore(*dir, true)
	if err != nil {
		fail("verify: %v", err)
	}
	bad := 0
	for _, p := range infos {
		switch {
		case p.Err != nil:
			bad++
			color.Red("page %d_%d_%d: %v", p.Key.X, p.Key.Y, p.Key.Z, p.Err)
		case len(p.Corrupt) > 0:
			bad++
			color.Red("page %d_%d_%d: corrupt slots %v", p.Key.X, p.Key.Y, p.Key.Z, p.Corrupt)
		}
	}
	if bad > 0 {
		fail("%d of %d pages failed", bad, len(infos))
	}
	color.Green("ok: %d pages verified", len(infos))
}

func recompressCmd(args []string) {
	fs := flag.NewFlagSet("recompress", flag.ExitOnError)
	src := fs.String("store", "./data/store", "source store directory")
	dst := fs.String("out", "", "output store directory (required)")
	to := fs.String("to", "rle+zstd", "target compression, e.g. none, rle, rle+zstd, rle+brotli")
	_ = fs.Parse(args)

	if strings.TrimSpace(*dst) == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}
	if filepath.Clean(*dst) == filepath.Clean(*src) {
		fmt.Fprintln(os.Stderr, "-out must differ from -store")
		os.Exit(2)
	}
	c, err := pages.ParseCompression(*to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -to:", err)
		os.Exit(2)
	}
	st, err := recompressStore(*src, *dst, c)
	if err != nil {
		fail("recompress: %v", err)
	}
	if st.Skipped > 0 {
		color.Yellow("skipped %d corrupt slots", st.Skipped)
	}
	color.Green("recompress ok: pages=%d chunks=%d bytes %d -> %d (%s) in %s", st.Pages, st.Slots, st.BytesIn, st.Bytes, c, st.Took.Round(time.Millisecond))
}

func buildsCmd(args []string) {
	fs := flag.NewFlagSet("builds", flag.ExitOnError)
	dir := fs.String("store", "./data/store", "store directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <store>/index/builds.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	failed := fs.Bool("failed", false, "only failed builds")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dir, "index", "builds.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fail("open: %v", err)
	}
	defer db.Close()

	q := `SELECT job_id,cx,cy,cz,quads,duration_ms,ok,cancelled,COALESCE(code,''),unix_ms FROM builds`
	if *failed {
		q += ` WHERE ok=0`
	}
	q += ` ORDER BY unix_ms DESC LIMIT ?`
	rows, err := db.Query(q, *limit)
	if err != nil {
		fail("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id             string
			x, y, z, quads int
			ms             float64
			ok, cancelled  int
			code           string
			unixMs         int64
		)
		if err := rows.Scan(&id, &x, &y, &z, &quads, &ms, &ok, &cancelled, &code, &unixMs); err != nil {
			fail("scan: %v", err)
		}
		at := time.UnixMilli(unixMs).UTC().Format("15:04:05.000")
		line := fmt.Sprintf("%s  %3d,%3d,%3d  %6d quads  %8.2fms  %s", at, x, y, z, quads, ms, id)
		switch {
		case ok != 0:
			fmt.Println(line)
		case cancelled != 0:
			color.Yellow("%s  %s", line, code)
		default:
			color.Red("%s  %s", line, code)
		}
	}
	if err := rows.Err(); err != nil {
		fail("rows: %v", err)
	}
}

// logsCmd summarizes the event log files. Sessions written for another store id are flagged.
func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dir := fs.String("store", "./data/store", "store directory")
	_ = fs.Parse(args)

	m, _, err := scanStore(*dir, false)
	if err != nil {
		fail("logs: %v", err)
	}
	for _, k := range []persistlog.Kind{persistlog.KindBuilds, persistlog.KindPages} {
		files, err := persistlog.Files(*dir, k)
		if err != nil {
			fail("logs: %v", err)
		}
		color.Cyan("%s: %d files", k, len(files))
		for _, f := range files {
			sum, err := summarizeLog(f)
			if err != nil {
				color.Red("  %s: %v", filepath.Base(f), err)
				continue
			}
			line := fmt.Sprintf("  %s  %d records  meshers %s", filepath.Base(f), sum.Records, strings.Join(sum.Meshers, ","))
			if len(sum.StoreIDs) != 1 || sum.StoreIDs[0] != m.Header.StoreID {
				color.Yellow("%s  store ids %v", line, sum.StoreIDs)
				continue
			}
			fmt.Println(line)
		}
	}
}

type logSummary struct {
	Records  int
	StoreIDs []string
	Meshers  []string
}

func summarizeLog(path string) (logSummary, error) {
	var sum logSummary
	add := func(list []string, v string) []string {
		if v == "" || slices.Contains(list, v) {
			return list
		}
		return append(list, v)
	}
	err := persistlog.ReadFile(path, func(h protocol.LogHeaderMsg, _ []byte) error {
		sum.Records++
		sum.StoreIDs = add(sum.StoreIDs, h.StoreID)
		sum.Meshers = add(sum.Meshers, h.Mesher)
		return nil
	})
	return sum, err
}

func httpCmd(method, path string, args []string) {
	fs := flag.NewFlagSet(strings.TrimPrefix(path, "/admin/v1/"), flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	req, _ := http.NewRequest(method, u, nil)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
