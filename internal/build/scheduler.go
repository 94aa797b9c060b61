// Package build runs chunk mesh builds on a bounded pool of reusable slots.
//
// Slot life cycle: FREE -> RESERVED -> BUILDING -> READY | FAILED -> FREE. Workers only build into
// slot scratch; uploads and drawable calls happen in CompleteWork on the caller's goroutine.
package build

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"voxelmesh.ai/internal/engine"
	"voxelmesh.ai/internal/mesh"
	"voxelmesh.ai/internal/store"
)

var (
	ErrNoFreeSlot = errors.New("build: no free slot")
	ErrBusy       = errors.New("build: slots in use")
	ErrCancelled  = errors.New("build: job replaced")
	ErrClosed     = errors.New("build: scheduler closed")
	ErrUpload     = errors.New("build: upload failed")
	ErrNoDrawable = errors.New("build: request has no drawable")
)

type State int32

const (
	StateFree State = iota
	StateReserved
	StateBuilding
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "RESERVED"
	case StateBuilding:
		return "BUILDING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	}
	return "FREE"
}

type Request struct {
	Coord    store.ChunkCoord
	Input    mesh.Input
	Drawable engine.Drawable
}

// Result describes how a job left its slot.
type Result struct {
	JobID     string
	Coord     store.ChunkCoord
	Quads     int
	Workloads int
	Duration  time.Duration
	Cancelled bool
	// Err is the build or upload failure; nil on success.
	Err error
}

type Job struct {
	id        string
	req       Request
	slot      *Slot
	cancelled atomic.Bool
	started   time.Time
	done      chan struct{}
	result    Result
}

func (j *Job) ID() string { return j.id }

// Done is closed once the job's slot is FREE again.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result is valid after Done is closed.
func (j *Job) Result() Result { return j.result }

type Slot struct {
	index     int
	state     State
	job       *Job
	group     Group
	workloads []mesh.Workload
	bufs      []*mesh.QuadBuffer
	outputs   [][]mesh.Quad
}

type Config struct {
	Slots           int
	WorkloadsPerJob int
	// ScratchQuads is the capacity of each workload buffer.
	ScratchQuads int
	Logger       *log.Logger
	// OnResult sees every job that leaves a slot, on the CompleteWork goroutine.
	OnResult func(Result)
}

type Stats struct {
	Slots     int
	Free      int
	InFlight  int
	Submitted uint64
	Built     uint64
	Failed    uint64
	Cancelled uint64
	Quads     uint64
}

type Scheduler struct {
	cfg     Config
	builder mesh.Builder
	queue   engine.WorkQueue
	logger  *log.Logger

	mu       sync.Mutex
	slots    []*Slot
	free     []int
	inflight map[store.ChunkCoord]*Job
	closed   bool
	stats    Stats

	// completeMu makes CompleteWork single threaded even when several goroutines pump it.
	completeMu sync.Mutex
	finished   chan *Slot
	// notify is closed and replaced whenever a slot finishes or is freed.
	notify chan struct{}
}

func (c *Config) normalize() {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.WorkloadsPerJob <= 0 {
		c.WorkloadsPerJob = 4
	}
	if c.ScratchQuads <= 0 {
		c.ScratchQuads = 1 << 16
	}
}

func New(cfg Config, builder mesh.Builder, queue engine.WorkQueue) *Scheduler {
	cfg.normalize()
	s := &Scheduler{
		cfg:      cfg,
		builder:  builder,
		queue:    queue,
		logger:   cfg.Logger,
		inflight: map[store.ChunkCoord]*Job{},
		notify:   make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.allocSlots(cfg.Slots)
	return s
}

func (s *Scheduler) allocSlots(n int) {
	s.slots = make([]*Slot, n)
	s.free = s.free[:0]
	for i := range s.slots {
		sl := &Slot{index: i, bufs: make([]*mesh.QuadBuffer, s.cfg.WorkloadsPerJob), outputs: make([][]mesh.Quad, s.cfg.WorkloadsPerJob)}
		for w := range sl.bufs {
			sl.bufs[w] = mesh.NewQuadBuffer(s.cfg.ScratchQuads)
		}
		s.slots[i] = sl
		s.free = append(s.free, n-1-i)
	}
	// Every slot finishes at most once per job, so this never blocks a worker.
	s.finished = make(chan *Slot, n)
	s.stats.Slots = n
}

// Resize replaces the slot pool. Only allowed while every slot is FREE.
func (s *Scheduler) Resize(n int) error {
	if n <= 0 {
		return fmt.Errorf("slot count %d must be > 0", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) != len(s.slots) {
		return ErrBusy
	}
	s.allocSlots(n)
	return nil
}

func (s *Scheduler) Builder() mesh.Builder { return s.builder }

// Submit binds req to a free slot and dispatches it. A chunk that is already in flight has its
// old job cancelled: that job still runs to completion but its upload is discarded.
func (s *Scheduler) Submit(req Request) (*Job, error) {
	if err := req.Input.Validate(); err != nil {
		if errors.Is(err, mesh.ErrNothingToBuild) {
			s.logger.Printf("build: chunk %s: nothing to build", req.Coord)
		} else {
			s.logger.Printf("build: chunk %s: %v (skipped)", req.Coord, err)
		}
		return nil, err
	}
	if req.Drawable == nil {
		return nil, fmt.Errorf("chunk %s: %w", req.Coord, ErrNoDrawable)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if len(s.free) == 0 {
		s.mu.Unlock()
		return nil, ErrNoFreeSlot
	}
	if prev, ok := s.inflight[req.Coord]; ok {
		prev.cancelled.Store(true)
	}
	sl := s.slots[s.free[len(s.free)-1]]
	s.free = s.free[:len(s.free)-1]
	job := &Job{id: uuid.NewString(), req: req, slot: sl, started: time.Now(), done: make(chan struct{})}
	sl.job = job
	sl.state = StateReserved
	s.inflight[req.Coord] = job
	s.stats.Submitted++

	_, h, _ := req.Input.Grid.Dims()
	sl.workloads = mesh.SplitWorkloads(h, s.cfg.WorkloadsPerJob)
	for i := range sl.outputs {
		sl.outputs[i] = nil
	}
	sl.group.Reset()
	sl.group.Add(1)
	sl.state = StateBuilding
	s.mu.Unlock()

	s.queue.Submit(func() { s.prepare(sl, job) })
	return job, nil
}

// prepare runs the voxel processors once, then fans out the workloads.
func (s *Scheduler) prepare(sl *Slot, job *Job) {
	err := s.builder.PrepareVoxels(job.req.Input)
	if err == nil {
		sl.group.Add(len(sl.workloads))
		for i := range sl.workloads {
			i := i
			s.queue.Submit(func() { s.runWorkload(sl, job, i) })
		}
	}
	if sl.group.Done(err) {
		s.finish(sl)
	}
}

func (s *Scheduler) runWorkload(sl *Slot, job *Job, i int) {
	buf := sl.bufs[i]
	buf.Reset()
	err := s.builder.BuildMesh(job.req.Input, sl.workloads[i], buf)
	if err == nil {
		out := s.builder.ProcessMesh(buf.Quads())
		if !buf.Replace(out) {
			err = mesh.ErrScratchOverflow
		} else {
			sl.outputs[i] = buf.Quads()
		}
	}
	if sl.group.Done(err) {
		s.finish(sl)
	}
}

func (s *Scheduler) finish(sl *Slot) {
	s.mu.Lock()
	if sl.group.Failed() {
		sl.state = StateFailed
	} else {
		sl.state = StateReady
	}
	s.mu.Unlock()
	s.finished <- sl
	s.broadcast()
}

func (s *Scheduler) changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Scheduler) broadcast() {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// CompleteWork uploads every READY slot, releases FAILED and cancelled ones, and returns how many
// slots went back to FREE. Call it from the goroutine that owns the drawables.
func (s *Scheduler) CompleteWork() int {
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	n := 0
	for {
		select {
		case sl := <-s.finished:
			s.complete(sl)
			n++
		default:
			return n
		}
	}
}

func (s *Scheduler) complete(sl *Slot) {
	s.mu.Lock()
	job := sl.job
	state := sl.state
	s.mu.Unlock()

	res := Result{JobID: job.id, Coord: job.req.Coord, Workloads: len(sl.workloads)}
	switch {
	case job.cancelled.Load():
		res.Cancelled = true
		res.Err = ErrCancelled
	case state == StateFailed:
		res.Err = sl.group.Err()
		s.logger.Printf("build: chunk %s failed: %v", job.req.Coord, res.Err)
		job.req.Drawable.OnBuildComplete(false)
	default:
		total := 0
		for _, q := range sl.outputs[:len(sl.workloads)] {
			total += len(q)
		}
		quads := make([]mesh.Quad, 0, total)
		for _, q := range sl.outputs[:len(sl.workloads)] {
			quads = append(quads, q...)
		}
		res.Quads = len(quads)
		p := mesh.Payload{Quads: quads, Box: mesh.PayloadBox(job.req.Input.Origin, quads)}
		if err := s.builder.UploadGpuData(p, job.req.Drawable); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrUpload, err)
			s.logger.Printf("build: chunk %s upload failed: %v", job.req.Coord, err)
		}
		job.req.Drawable.OnBuildComplete(res.Err == nil)
	}
	res.Duration = time.Since(job.started)

	s.mu.Lock()
	for i := range sl.outputs {
		sl.outputs[i] = nil
	}
	sl.job = nil
	sl.state = StateFree
	s.free = append(s.free, sl.index)
	if s.inflight[job.req.Coord] == job {
		delete(s.inflight, job.req.Coord)
	}
	switch {
	case res.Cancelled:
		s.stats.Cancelled++
	case res.Err != nil:
		s.stats.Failed++
	default:
		s.stats.Built++
		s.stats.Quads += uint64(res.Quads)
	}
	s.mu.Unlock()

	job.result = res
	close(job.done)
	s.broadcast()
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res)
	}
}

// BuildSync submits req and pumps CompleteWork until the job's slot is FREE again. When no slot
// is free it waits for one.
func (s *Scheduler) BuildSync(ctx context.Context, req Request) (Result, error) {
	var job *Job
	for job == nil {
		ch := s.changed()
		j, err := s.Submit(req)
		switch {
		case err == nil:
			job = j
		case errors.Is(err, ErrNoFreeSlot):
			if s.CompleteWork() > 0 {
				continue
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		default:
			return Result{}, err
		}
	}
	for {
		ch := s.changed()
		s.CompleteWork()
		select {
		case <-job.done:
			return job.result, job.result.Err
		case <-ch:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Cancel marks the in-flight job of c cancelled. Its workloads still run; CompleteWork discards
// the result.
func (s *Scheduler) Cancel(c store.ChunkCoord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.inflight[c]
	if ok {
		job.cancelled.Store(true)
	}
	return ok
}

// InFlight reports whether coord has a job bound to a slot.
func (s *Scheduler) InFlight(c store.ChunkCoord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[c]
	return ok
}

// Busy is the number of slots not FREE.
func (s *Scheduler) Busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) - len(s.free)
}

func (s *Scheduler) SlotStates() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.slots))
	for i, sl := range s.slots {
		out[i] = sl.state
	}
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Free = len(s.free)
	st.InFlight = len(s.inflight)
	return st
}

// Close drains every bound slot, then stops the queue.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for {
		ch := s.changed()
		if s.Busy() == 0 {
			break
		}
		if s.CompleteWork() == 0 {
			<-ch
		}
	}
	s.queue.StopAndWait()
}
