package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/transport/observer"
	"voxelmesh.ai/internal/voxelset"
)

// frameLoop is the main goroutine: every drawable call and streamer step happens here.
type frameLoop struct {
	vs     *voxelset.VoxelSet
	cams   []engine.Camera
	obs    *observer.Server
	logger *log.Logger

	frames atomic.Uint64
}

func newFrameLoop(vs *voxelset.VoxelSet, cams []engine.Camera, obs *observer.Server, logger *log.Logger) *frameLoop {
	return &frameLoop{vs: vs, cams: cams, obs: obs, logger: logger}
}

func (l *frameLoop) Frames() uint64 { return l.frames.Load() }

func (l *frameLoop) Step() {
	st := l.vs.Frame(l.cams)
	n := l.frames.Add(1)
	if l.obs != nil {
		sched := l.vs.Scheduler()
		l.obs.PublishFrame(observer.FrameEvent(n, st, sched.Stats(), sched.SlotStates()))
	}
}

// Run steps at interval and flushes dirty pages every saveEvery until ctx is done.
func (l *frameLoop) Run(ctx context.Context, interval, saveEvery time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	var save <-chan time.Time
	if saveEvery > 0 {
		t := time.NewTicker(saveEvery)
		defer t.Stop()
		save = t.C
	}
	st := l.vs.Store()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			l.Step()
		case <-save:
			if err := st.Save(); err != nil {
				l.logger.Printf("save: %v", err)
				continue
			}
			if n := st.PrunePages(); n > 0 {
				l.logger.Printf("pruned %d clean pages", n)
			}
		}
	}
}
