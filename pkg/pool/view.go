package pool

import (
	"slices"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// View is what a Policy sees of a pool while the pool holds its lock. A
// View passed to Select or SuggestReplacement is read-only; mutating it
// panics. Views must not be retained after the call returns.
type View struct {
	p        *Pool
	writable bool
}

// Healthy returns the live healthy list. Do not modify it.
func (v *View) Healthy() []*node.Node { return v.p.healthy }

// Faulty returns the live faulty list. Do not modify it.
func (v *View) Faulty() []*node.Node { return v.p.faulty }

// Selector is the pool's default selector.
func (v *View) Selector() node.Selector { return v.p.selector }

func (v *View) String() string { return v.p.String() }

// Cursor is the current selection position.
func (v *View) Cursor() int { return int(v.p.cursor.Load()) }

// SetCursor moves the selection position.
func (v *View) SetCursor(i int) { v.p.cursor.Store(int64(i)) }

// AdvanceCursor moves the cursor one step, wrapping at size, and returns
// the position it had before.
func (v *View) AdvanceCursor(size int) int {
	for {
		old := v.p.cursor.Load()
		next := old + 1
		if next >= int64(size) {
			next = 0
		}
		if v.p.cursor.CompareAndSwap(old, next) {
			return int(old)
		}
	}
}

func (v *View) InHealthy(n *node.Node) bool { return indexOf(v.p.healthy, n) >= 0 }
func (v *View) InFaulty(n *node.Node) bool  { return indexOf(v.p.faulty, n) >= 0 }

// AddHealthy appends n unless an equal node is already healthy.
func (v *View) AddHealthy(n *node.Node) bool {
	v.mustWrite()
	if v.InHealthy(n) {
		return false
	}
	v.p.rankOf(n)
	v.p.healthy = append(v.p.healthy, n)
	return true
}

// AddHealthyInOrder inserts n at the position its first appearance in the
// pool gave it, unless an equal node is already healthy.
func (v *View) AddHealthyInOrder(n *node.Node) bool {
	v.mustWrite()
	if v.InHealthy(n) {
		return false
	}
	r := v.p.rankOf(n)
	at := slices.IndexFunc(v.p.healthy, func(h *node.Node) bool { return v.p.rankOf(h) > r })
	if at < 0 {
		at = len(v.p.healthy)
	}
	v.p.healthy = slices.Insert(v.p.healthy, at, n)
	return true
}

// AddFaulty appends n unless an equal node is already faulty.
func (v *View) AddFaulty(n *node.Node) bool {
	v.mustWrite()
	if v.InFaulty(n) {
		return false
	}
	v.p.rankOf(n)
	v.p.faulty = append(v.p.faulty, n)
	return true
}

func (v *View) RemoveHealthy(n *node.Node) bool {
	v.mustWrite()
	var ok bool
	v.p.healthy, ok = remove(v.p.healthy, n)
	return ok
}

func (v *View) RemoveFaulty(n *node.Node) bool {
	v.mustWrite()
	var ok bool
	v.p.faulty, ok = remove(v.p.faulty, n)
	return ok
}

// Attach makes the pool n's sink if n has none.
func (v *View) Attach(n *node.Node) bool {
	v.mustWrite()
	return n.Attach(v.p)
}

// Member returns the pool's own instance of n: the equal node already in
// either list, or n itself once attached. It returns nil when n belongs to
// another sink.
func (v *View) Member(n *node.Node) *node.Node {
	if i := indexOf(v.p.healthy, n); i >= 0 {
		return v.p.healthy[i]
	}
	if i := indexOf(v.p.faulty, n); i >= 0 {
		return v.p.faulty[i]
	}
	if v.Attach(n) {
		return n
	}
	return nil
}

// Detach clears n's sink if it is this pool, and forgets n's bookkeeping.
func (v *View) Detach(n *node.Node) bool {
	v.mustWrite()
	delete(v.p.checked, n.Key())
	delete(v.p.rank, n.Key())
	return n.Detach(v.p)
}

// ScheduleHealthCheck asks the policy to (re)submit the health-check task.
func (v *View) ScheduleHealthCheck() {
	v.mustWrite()
	v.p.scheduleHealthCheckLocked()
}

func (v *View) mustWrite() {
	if !v.writable {
		panic("pool: view is read-only outside OnStatusChange")
	}
}

func indexOf(list []*node.Node, n *node.Node) int {
	return slices.IndexFunc(list, n.Equal)
}

func remove(list []*node.Node, n *node.Node) ([]*node.Node, bool) {
	i := indexOf(list, n)
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}
