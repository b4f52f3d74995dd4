package skiplist

import "sync/atomic"

// epochSlots is the number of logical epochs the reclaimer cycles through.
// Three is the minimum that lets "current", "previous being drained" and
// "safe to free" coexist without colliding.
const epochSlots = 3

// reclaimer implements a small epoch-based garbage collector: a reader
// pins the current epoch for the duration of an operation, and a node
// unlinked during epoch E is only actually freed once every reader that
// could have observed epoch E has unpinned. This is what lets Remove use
// plain compare-and-swap instead of a mutex: a concurrent reader can still
// be walking a node that a writer has just unlinked, and epoch pinning is
// what keeps that node's memory (and its Go references) alive until it's
// provably unreachable from any in-flight operation.
type reclaimer struct {
	epoch   atomic.Uint64
	pinned  [epochSlots]atomic.Int64
	garbage [epochSlots][]func()
	gmu     [epochSlots]spinLock
}

// Guard is held by a goroutine for the duration of one skiplist operation.
type Guard struct {
	r     *reclaimer
	epoch uint64
}

func newReclaimer() *reclaimer {
	return &reclaimer{}
}

// Pin marks the caller as active in the current epoch. Callers must call
// Unpin (typically via defer) before returning.
func (r *reclaimer) Pin() Guard {
	e := r.epoch.Load()
	r.pinned[e%epochSlots].Add(1)
	return Guard{r: r, epoch: e}
}

// Unpin releases the pin taken by Pin and opportunistically advances the
// epoch if it is safe to reclaim the oldest generation of garbage.
func (g Guard) Unpin() {
	slot := g.epoch % epochSlots
	g.r.pinned[slot].Add(-1)
	g.r.tryAdvance()
}

// Retire schedules fn to run once no reader can still observe the epoch
// active when Retire was called (i.e. once it is safe to free whatever fn
// closes over — typically an unlinked node).
func (r *reclaimer) Retire(fn func()) {
	e := r.epoch.Load()
	slot := e % epochSlots
	r.gmu[slot].Lock()
	r.garbage[slot] = append(r.garbage[slot], fn)
	r.gmu[slot].Unlock()
}

// tryAdvance moves the global epoch forward by one when the oldest
// tracked epoch has no pinned readers left, running that epoch's
// retirement callbacks.
func (r *reclaimer) tryAdvance() {
	cur := r.epoch.Load()
	// The epoch two behind "cur" is the oldest one we still track garbage
	// for; it's safe to free once nobody is pinned in it.
	drainSlot := (cur + 1) % epochSlots
	if r.pinned[drainSlot].Load() != 0 {
		return
	}
	if !r.epoch.CompareAndSwap(cur, cur+1) {
		return
	}
	r.gmu[drainSlot].Lock()
	fns := r.garbage[drainSlot]
	r.garbage[drainSlot] = nil
	r.gmu[drainSlot].Unlock()
	for _, fn := range fns {
		fn()
	}
}

// spinLock is a minimal mutual-exclusion primitive for the garbage list,
// which is only ever touched briefly (append, or drain-and-clear).
type spinLock struct {
	state atomic.Int32
}

func (s *spinLock) Lock() {
	for !s.state.CompareAndSwap(0, 1) {
		// uncontended in practice: garbage-list critical sections are O(1)
	}
}

func (s *spinLock) Unlock() {
	s.state.Store(0)
}
