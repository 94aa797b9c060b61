package observer

import (
	"errors"
	"time"

	"voxelmesh.ai/internal/build"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/protocol"
	"voxelmesh.ai/internal/store"
	"voxelmesh.ai/internal/stream"
)

// ErrorCode maps a build failure to its wire code. nil maps to "".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, build.ErrCancelled):
		return protocol.ErrCancelled
	case errors.Is(err, mesh.ErrScratchOverflow):
		return protocol.ErrBuildOverflow
	case errors.Is(err, mesh.ErrNothingToBuild):
		return protocol.ErrNothing
	case errors.Is(err, build.ErrNoFreeSlot):
		return protocol.ErrNoSlot
	case errors.Is(err, build.ErrUpload):
		return protocol.ErrUploadFailed
	case errors.Is(err, build.ErrClosed):
		return protocol.ErrInternal
	}
	return protocol.ErrBuildFailed
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func BuildEvent(r build.Result, now time.Time) protocol.BuildMsg {
	m := protocol.BuildMsg{
		Type:            protocol.TypeBuild,
		ProtocolVersion: protocol.Version,
		JobID:           r.JobID,
		Chunk:           [3]int{r.Coord.X, r.Coord.Y, r.Coord.Z},
		Quads:           r.Quads,
		Workloads:       r.Workloads,
		DurationMs:      ms(r.Duration),
		OK:              r.Err == nil && !r.Cancelled,
		Cancelled:       r.Cancelled,
		UnixMs:          now.UnixMilli(),
	}
	if r.Err != nil {
		m.Code = ErrorCode(r.Err)
		m.Message = r.Err.Error()
	}
	return m
}

func FrameEvent(frame uint64, st stream.StepStats, bs build.Stats, states []build.State) protocol.FrameMsg {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return protocol.FrameMsg{
		Type:            protocol.TypeFrame,
		ProtocolVersion: protocol.Version,
		Frame:           frame,
		Cameras:         st.Cameras,
		High:            st.High,
		Low:             st.Low,
		Submitted:       st.Submitted,
		Deferred:        st.Deferred,
		Evicted:         st.Evicted,
		Loaded:          st.Loaded,
		TookMs:          ms(st.Took),
		Slots: protocol.SlotStats{
			Total:    bs.Slots,
			Free:     bs.Free,
			InFlight: bs.InFlight,
			States:   names,
		},
	}
}

func PageSavedEvent(p store.PageSaved, now time.Time) protocol.PageSavedMsg {
	return protocol.PageSavedMsg{
		Type:            protocol.TypePageSaved,
		ProtocolVersion: protocol.Version,
		Page:            [3]int{p.Key.X, p.Key.Y, p.Key.Z},
		Path:            p.Path,
		Bytes:           p.Bytes,
		Occupied:        p.Occupied,
		DurationMs:      ms(p.Duration),
		UnixMs:          now.UnixMilli(),
	}
}
