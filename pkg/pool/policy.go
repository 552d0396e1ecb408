package pool

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

// Kind enumerates the built-in strategies. Anything else is KindCustom.
type Kind int

const (
	KindDefault Kind = iota
	KindFirstAlive
	KindRandom
	KindRoundRobin
	KindCustom
)

var kindNames = [...]string{"default", "firstAlive", "random", "roundRobin", "custom"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind maps a policy name to a built-in kind. Matching ignores case,
// dashes and underscores; an empty name is KindDefault.
func ParseKind(name string) (Kind, bool) {
	n := normalizeName(name)
	if n == "" {
		return KindDefault, true
	}
	for i, k := range kindNames[:KindCustom] {
		if normalizeName(k) == n {
			return Kind(i), true
		}
	}
	return KindCustom, false
}

func normalizeName(name string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(name)))
}

// Queries are the discovery query templates a policy hands to the metadata
// source. :cluster and :host are substituted before the query is issued.
type Queries struct {
	AllLocal     string
	ClusterLocal string
	NonLocal     string
}

// DefaultQueries read topology from system.clusters.
var DefaultQueries = Queries{
	AllLocal: "select cluster, host_address, host_name, replica_num, shard_num, shard_weight " +
		"from system.clusters where is_local=1",
	ClusterLocal: "select cluster, host_address, host_name, replica_num, shard_num, shard_weight " +
		"from system.clusters where is_local=1 and cluster=:cluster",
	NonLocal: "select distinct cluster, :host, replica_num, shard_num, shard_weight " +
		"from system.clusters where is_local=0 and cluster in :cluster " +
		"order by estimated_recovery_time asc, shard_weight desc, shard_num asc, (errors_count + slowdowns_count) desc",
}

// Policy decides how a pool selects nodes, how status reports change list
// membership, when to fail over and whether background work is scheduled.
// Select and SuggestReplacement run under the pool's read lock;
// OnStatusChange runs under its write lock.
type Policy interface {
	Name() string
	Select(v *View, sel node.Selector) (*node.Node, error)
	OnStatusChange(v *View, n *node.Node, s node.Status)
	SuggestReplacement(v *View, current *node.Node, err error) *node.Node
	// ScheduleTask submits task once (interval < 1ms) or at a fixed rate,
	// unless current is still pending. It returns nil when nothing was
	// submitted.
	ScheduleTask(current schedule.Future, task func(), interval time.Duration) schedule.Future
	// Scheduler is nil when background maintenance is disabled.
	Scheduler() schedule.Scheduler
	Queries() Queries
}

// KindOf reports which built-in variant p is.
func KindOf(p Policy) Kind {
	switch p.(type) {
	case *defaultPolicy:
		return KindDefault
	case *firstAlivePolicy:
		return KindFirstAlive
	case *randomPolicy:
		return KindRandom
	case *roundRobinPolicy:
		return KindRoundRobin
	default:
		return KindCustom
	}
}

// NewPolicy builds a built-in variant. KindDefault ignores sched.
func NewPolicy(k Kind, sched schedule.Scheduler) (Policy, error) {
	switch k {
	case KindDefault:
		return &defaultPolicy{Base: NewBase(nil, Queries{})}, nil
	case KindFirstAlive:
		return &firstAlivePolicy{Base: NewBase(sched, Queries{})}, nil
	case KindRandom:
		return &randomPolicy{Base: NewBase(sched, Queries{})}, nil
	case KindRoundRobin:
		return &roundRobinPolicy{Base: NewBase(sched, Queries{})}, nil
	default:
		return nil, failure.Configuration("%s is not a built-in policy", k)
	}
}

// Base carries the shared algorithms. Custom policies embed it and
// override what they need.
type Base struct {
	sched   schedule.Scheduler
	queries Queries
}

// NewBase returns a Base scheduling on sched. Zero queries mean
// DefaultQueries.
func NewBase(sched schedule.Scheduler, q Queries) Base {
	if q == (Queries{}) {
		q = DefaultQueries
	}
	return Base{sched: sched, queries: q}
}

func (b Base) Scheduler() schedule.Scheduler { return b.sched }
func (b Base) Queries() Queries              { return b.queries }

// Select scans from the pool's cursor.
func (b Base) Select(v *View, sel node.Selector) (*node.Node, error) {
	return scan(v, sel, v.Cursor())
}

// scan walks the healthy list remembering the last match and stops at the
// first match at or past position idx. Without a healthy match it walks the
// faulty list the same way, validating each node against sel.
func scan(v *View, sel node.Selector, idx int) (*node.Node, error) {
	var found *node.Node
	i := 0
	for _, n := range v.Healthy() {
		if sel.Matches(n) {
			found = n
		}
		if i >= idx && found != nil {
			return found, nil
		}
		i++
	}
	if found != nil {
		return found, nil
	}
	for _, n := range v.Faulty() {
		if r, err := n.Resolve(sel); err == nil {
			found = r
		}
		if i >= idx && found != nil {
			return found, nil
		}
		i++
	}
	if found != nil {
		return found, nil
	}
	return nil, failure.Selection(v.String(), sel.String())
}

// OnStatusChange applies the membership table:
//
//	MANAGED     attach; add to faulty when the protocol is unresolved, else
//	            healthy; a node owned by another sink is left alone
//	HEALTHY     leave faulty; join healthy
//	FAULTY      leave healthy; join faulty and schedule a health check
//	STANDALONE  leave both; detach when something was removed
//	UNMANAGED   same as STANDALONE
//
// HEALTHY and FAULTY move the pool's own instance of n. An equal copy
// reported from outside never replaces it.
func (b Base) OnStatusChange(v *View, n *node.Node, s node.Status) {
	if s == node.StatusHealthy || s == node.StatusFaulty {
		if n = v.Member(n); n == nil {
			return
		}
	}
	switch s {
	case node.StatusManaged:
		if !v.Attach(n) || v.InHealthy(n) || v.InFaulty(n) {
			return
		}
		if n.Protocol() == node.ProtocolAny {
			v.AddFaulty(n)
		} else {
			v.AddHealthy(n)
		}
	case node.StatusHealthy:
		v.RemoveFaulty(n)
		v.AddHealthy(n)
	case node.StatusFaulty:
		v.RemoveHealthy(n)
		if v.AddFaulty(n) {
			v.ScheduleHealthCheck()
		}
	case node.StatusStandalone, node.StatusUnmanaged:
		h := v.RemoveHealthy(n)
		f := v.RemoveFaulty(n)
		if h || f {
			v.Detach(n)
		}
	}
}

// SuggestReplacement fails over only on connection-level failures, to the
// first healthy node on another endpoint that the pool's selector accepts.
func (b Base) SuggestReplacement(v *View, current *node.Node, err error) *node.Node {
	if current == nil || !failure.IsConnectionFailure(err) {
		return current
	}
	sel := v.Selector()
	for _, n := range v.Healthy() {
		if !n.SameEndpoint(current) && sel.Matches(n) {
			return n
		}
	}
	return current
}

func (b Base) ScheduleTask(current schedule.Future, task func(), interval time.Duration) schedule.Future {
	if b.sched == nil || schedule.Pending(current) {
		return nil
	}
	if interval < time.Millisecond {
		return b.sched.Schedule(task, 0, 0)
	}
	return b.sched.Schedule(task, 0, interval)
}

// defaultPolicy never schedules background work.
type defaultPolicy struct{ Base }

func (*defaultPolicy) Name() string { return KindDefault.String() }

// firstAlivePolicy always prefers the earliest healthy node. Recovered
// nodes return to their original position.
type firstAlivePolicy struct{ Base }

func (*firstAlivePolicy) Name() string { return KindFirstAlive.String() }

func (p *firstAlivePolicy) Select(v *View, sel node.Selector) (*node.Node, error) {
	return scan(v, sel, 0)
}

func (p *firstAlivePolicy) OnStatusChange(v *View, n *node.Node, s node.Status) {
	if s == node.StatusHealthy {
		if n = v.Member(n); n == nil {
			return
		}
		v.RemoveFaulty(n)
		v.AddHealthyInOrder(n)
		return
	}
	p.Base.OnStatusChange(v, n, s)
}

// randomPolicy starts each scan at a random position.
type randomPolicy struct{ Base }

func (*randomPolicy) Name() string { return KindRandom.String() }

func (p *randomPolicy) Select(v *View, sel node.Selector) (*node.Node, error) {
	idx := 0
	if size := len(v.Healthy()); size > 0 {
		idx = rand.IntN(size)
	}
	v.SetCursor(idx)
	return scan(v, sel, idx)
}

// roundRobinPolicy advances the cursor once per selection.
type roundRobinPolicy struct{ Base }

func (*roundRobinPolicy) Name() string { return KindRoundRobin.String() }

func (p *roundRobinPolicy) Select(v *View, sel node.Selector) (*node.Node, error) {
	return scan(v, sel, v.AdvanceCursor(len(v.Healthy())))
}
