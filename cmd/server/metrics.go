package main

import (
	"fmt"
	"io"

	"voxelmesh.ai/internal/persistence/indexdb"
	"voxelmesh.ai/internal/transport/observer"
	"voxelmesh.ai/internal/voxelset"
)

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, storeID string, st voxelset.Stats, frames uint64, obs observer.Stats, idx *indexdb.Stats) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s{store=%q} %v\n", name, storeID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s{store=%q} %d\n", name, storeID, v)
	}

	counter("voxelmesh_frames_total", "Frames stepped.", frames)
	gauge("voxelmesh_chunks", "Chunks with a drawable.", st.Chunks)
	gauge("voxelmesh_chunks_meshed", "Chunks with an uploaded mesh.", st.Meshed)
	gauge("voxelmesh_chunks_stale", "Meshed chunks waiting for a rebuild.", st.Stale)
	counter("voxelmesh_chunks_generated_total", "Chunks filled by world generation.", st.Generated)

	fmt.Fprintf(w, "# HELP voxelmesh_build_slots Build slots by occupancy.\n")
	fmt.Fprintf(w, "# TYPE voxelmesh_build_slots gauge\n")
	fmt.Fprintf(w, "voxelmesh_build_slots{store=%q,state=%q} %d\n", storeID, "free", st.Build.Free)
	fmt.Fprintf(w, "voxelmesh_build_slots{store=%q,state=%q} %d\n", storeID, "busy", st.Build.Slots-st.Build.Free)

	fmt.Fprintf(w, "# HELP voxelmesh_build_jobs_total Build jobs by outcome.\n")
	fmt.Fprintf(w, "# TYPE voxelmesh_build_jobs_total counter\n")
	fmt.Fprintf(w, "voxelmesh_build_jobs_total{store=%q,outcome=%q} %d\n", storeID, "submitted", st.Build.Submitted)
	fmt.Fprintf(w, "voxelmesh_build_jobs_total{store=%q,outcome=%q} %d\n", storeID, "built", st.Build.Built)
	fmt.Fprintf(w, "voxelmesh_build_jobs_total{store=%q,outcome=%q} %d\n", storeID, "failed", st.Build.Failed)
	fmt.Fprintf(w, "voxelmesh_build_jobs_total{store=%q,outcome=%q} %d\n", storeID, "cancelled", st.Build.Cancelled)
	counter("voxelmesh_build_quads_total", "Quads uploaded.", st.Build.Quads)

	gauge("voxelmesh_stream_queued", "Chunks waiting in the build queues.", st.Stream.Queued)
	counter("voxelmesh_stream_evicted_total", "Chunks evicted by the streamer.", st.Stream.Evicted)
	gauge("voxelmesh_stream_step_ms", "Last streamer step duration in milliseconds.", fmt.Sprintf("%.3f", float64(st.Stream.Last.Took.Microseconds())/1000))

	gauge("voxelmesh_store_cached_grids", "Decoded grids held by the store.", st.Store.CachedGrids)
	gauge("voxelmesh_store_cached_pages", "Pages held by the store.", st.Store.CachedPages)
	gauge("voxelmesh_store_dirty_pages", "Pages waiting for a save.", st.Store.DirtyPages)
	counter("voxelmesh_store_page_loads_total", "Pages read from disk.", st.Store.PageLoads)
	counter("voxelmesh_store_page_saves_total", "Pages written to disk.", st.Store.PageSaves)
	counter("voxelmesh_store_corrupt_slots_total", "Chunk slots that failed to decode.", st.Store.CorruptSlots)

	gauge("voxelmesh_observer_clients", "Connected observer sessions.", obs.Clients)
	counter("voxelmesh_observer_dropped_total", "Observer messages dropped on full client queues.", obs.Dropped)

	if idx == nil {
		return
	}
	gauge("voxelmesh_index_queue_depth", "Build index writer backlog.", idx.QueueDepth)
	gauge("voxelmesh_index_queue_capacity", "Build index writer queue capacity.", idx.QueueCapacity)
	counter("voxelmesh_index_dropped_builds_total", "Build rows dropped on a full index queue.", idx.DropBuildTotal)
	counter("voxelmesh_index_dropped_pages_total", "Page rows dropped on a full index queue.", idx.DropPageTotal)
}
