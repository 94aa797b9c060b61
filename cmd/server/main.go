package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/mesh"
	persistlog "voxelmesh.ai/internal/persistence/log"
	"voxelmesh.ai/internal/protocol"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/transport/observer"
	"voxelmesh.ai/internal/tuning"
	"voxelmesh.ai/internal/voxelset"
	"voxelmesh.ai/internal/worldgen"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		storeDir   = flag.String("store", "", "store directory (overrides tuning store.dir)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite build index")
		populate   = flag.Bool("populate", false, "generate every missing chunk before serving")
		saveEvery  = flag.Duration("save_every", 10*time.Second, "dirty page flush interval (0 disables periodic saves)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if d := strings.TrimSpace(*storeDir); d != "" {
		tune.Store.Dir = d
	}
	if tune.Store.Dir == "" {
		tune.Store.Dir = filepath.Join("data", "store")
	}

	pal, err := tune.Palette()
	if err != nil {
		logger.Fatalf("load palette: %v", err)
	}

	builder, err := mesh.New(tune.Mesher.Kind, tune.MeshOptions())
	if err != nil {
		logger.Fatalf("mesher: %v", err)
	}

	sinks := &eventSinks{logger: logger}
	defer sinks.Close()

	scfg := tune.StoreConfig(pal)
	scfg.Logger = logger
	scfg.OnPageSaved = sinks.PageSaved
	st, err := store.Open(scfg)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}

	src := persistlog.Source{StoreID: st.ID(), Mesher: builder.Name(), PaletteDigest: pal.Digest}
	if err := sinks.open(tune.Store.Dir, src, *disableDB); err != nil {
		logger.Fatalf("open build index: %v", err)
	}

	var gen *worldgen.Generator
	if tune.Worldgen.Enabled {
		gen, err = worldgen.New(tune.WorldgenParams(), pal)
		if err != nil {
			logger.Fatalf("worldgen: %v", err)
		}
		if *populate {
			if _, err := worldgen.Populate(st, gen, logger); err != nil {
				logger.Fatalf("populate: %v", err)
			}
		}
	}

	bcfg := tune.BuildConfig()
	bcfg.Logger = logger
	scStream := tune.StreamConfig()
	scStream.Logger = logger
	vs, err := voxelset.New(voxelset.Config{
		Store:     st,
		Builder:   builder,
		Queue:     engine.NewWorkQueue(tune.Build.Workers),
		Scheduler: bcfg,
		Stream:    scStream,
		Generator: gen,
		Logger:    logger,
		OnResult:  sinks.Build,
	})
	if err != nil {
		logger.Fatalf("voxelset: %v", err)
	}
	vs.Streamer().SetEnabled(tune.Stream.Enabled)
	material := &engine.MemoryMaterial{}
	vs.UpdateMaterial(material)

	cw, ch, cd := st.ChunkDims()
	nx, ny, nz := st.NumChunks()
	obs := observer.NewServer(protocol.StoreParams{
		StoreID:       st.ID(),
		ChunkDims:     [3]int{cw, ch, cd},
		NumChunks:     [3]int{nx, ny, nz},
		Streams:       st.Mask().Names(),
		Compression:   st.Compression().String(),
		Mesher:        builder.Name(),
		PaletteDigest: pal.Digest,
	}, logger)
	sinks.obs = obs
	sinks.index.SetMeta("store_id", st.ID())
	sinks.index.SetMeta("palette_digest", pal.Digest)
	sinks.index.SetMeta("mesher", builder.Name())

	ctx, cancel := signalContext()
	defer cancel()

	loop := newFrameLoop(vs, tune.NewCameras(), obs, logger)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx, tune.FrameInterval(), *saveEvery)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, st.ID(), vs.Stats(), loop.Frames(), obs.Stats(), sinks.IndexStats())
	})

	enableAdminHTTP := envBool("VM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VM_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				StoreID  string         `json:"store_id"`
				Frame    uint64         `json:"frame"`
				Mesher   string         `json:"mesher"`
				Material map[string]any `json:"material"`
				Stats    voxelset.Stats `json:"stats"`
			}{
				StoreID: st.ID(),
				Frame:   loop.Frames(),
				Mesher:  builder.Name(),
				Material: map[string]any{
					"palette_digest": materialParam(material, "palette_digest"),
				},
				Stats: vs.Stats(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/save", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			if err := st.Save(); err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "pruned": st.PrunePages()})
		})
		mux.HandleFunc("/admin/v1/builds", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if sinks.index == nil {
				http.Error(rw, "index disabled", http.StatusNotFound)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			builds, err := sinks.index.RecentBuilds(r.Context(), limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"builds": builds})
		})
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (VM_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VM_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s store=%s mesher=%s chunks=%dx%dx%d", *addr, st.ID(), builder.Name(), nx, ny, nz)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	cancel()
	<-loopDone
	vs.Close()
	if err := st.Save(); err != nil {
		logger.Printf("final save: %v", err)
	}
}

func materialParam(m *engine.MemoryMaterial, name string) any {
	v, _ := m.Parameter(name)
	return v
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
