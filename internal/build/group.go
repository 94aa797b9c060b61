package build

import "go.uber.org/atomic"

// Group joins the workloads of one job. The counter never goes below zero, and the first
// failure is kept without stopping the remaining members.
type Group struct {
	pending atomic.Int64
	failed  atomic.Bool
	err     atomic.Error
}

func (g *Group) Reset() {
	g.pending.Store(0)
	g.failed.Store(false)
	g.err.Store(nil)
}

func (g *Group) Add(n int) { g.pending.Add(int64(n)) }

// Done retires one member and reports whether it was the last. A non-nil err marks the group
// failed. Calls beyond the member count are ignored.
func (g *Group) Done(err error) bool {
	if err != nil && g.failed.CompareAndSwap(false, true) {
		g.err.Store(err)
	}
	for {
		cur := g.pending.Load()
		if cur <= 0 {
			return false
		}
		if g.pending.CompareAndSwap(cur, cur-1) {
			return cur == 1
		}
	}
}

func (g *Group) Pending() int64 { return g.pending.Load() }
func (g *Group) Failed() bool   { return g.failed.Load() }
func (g *Group) Err() error     { return g.err.Load() }
