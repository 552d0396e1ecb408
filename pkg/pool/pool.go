// Package pool keeps the set of candidate nodes for one endpoint
// configuration, picks a node per operation, demotes and promotes nodes by
// observed health, discovers cluster members and suggests failover targets.
//
// Request-path calls (Select, SuggestReplacement) only take a read lock.
// Maintenance passes (Check, Discover) snapshot state under the lock, do
// their network I/O without it and write results back through
// ReportStatus.
package pool

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

// Pool is a managed set of nodes. Create it with New or through a Registry.
type Pool struct {
	id       string
	template *node.Node
	policy   Policy
	selector node.Selector
	single   bool

	groupSize           int
	checkInterval       time.Duration
	checkAll            bool
	healthCheckInterval time.Duration
	discoveryInterval   time.Duration
	discoveryLimit      int

	prober     Prober
	ownProber  io.Closer
	meta       metadata.Source
	log        hclog.Logger
	now        func() time.Time
	probeLimit int

	checking atomic.Bool
	closed   atomic.Bool
	cursor   atomic.Int64

	mu            sync.RWMutex
	healthy       []*node.Node
	faulty        []*node.Node
	checked       map[string]time.Time
	rank          map[string]uint64
	nextRank      uint64
	discoveryTask schedule.Future
	healthTask    schedule.Future
	retryTask     schedule.Future
	retry         *backoff.ExponentialBackOff

	events eventBus
}

// New builds a pool over nodes. Pool-wide settings come from template;
// when template is nil the first node serves as template. Every node is
// handed to the new pool, which may take it away from a previous one.
func New(nodes []*node.Node, template *node.Node, opts Options) (*Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, failure.Configuration("pool: at least one node is required")
	}
	if template == nil {
		template = nodes[0]
	}
	opts.Logger = logutil.Or(opts.Logger, "pool")
	opts.withDefaults()

	cfg := template.Config()
	policy := opts.Policy
	if policy == nil {
		ps := opts.Policies
		if ps == nil {
			ps = NewPolicies(nil)
		}
		var err error
		if policy, err = ps.Get(cfg.Policy); err != nil {
			return nil, err
		}
	}

	owned := opts.ownProber()
	id := uuid.NewString()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitial
	retry.MaxInterval = opts.RetryMax
	p := &Pool{
		id:                  id,
		template:            template,
		policy:              policy,
		selector:            node.TagSelector(cfg.PreferredTags()...),
		single:              len(nodes) == 1,
		groupSize:           cfg.GroupSize,
		checkInterval:       cfg.CheckInterval,
		checkAll:            cfg.CheckAllNodes,
		healthCheckInterval: cfg.HealthCheckInterval,
		discoveryInterval:   cfg.DiscoveryInterval,
		discoveryLimit:      cfg.DiscoveryLimit,
		prober:              opts.Prober,
		ownProber:           owned,
		meta:                opts.Metadata,
		log:                 opts.Logger.With("pool", id[:8]),
		now:                 opts.Now,
		probeLimit:          opts.ProbeConcurrency,
		checked:             map[string]time.Time{},
		rank:                map[string]uint64{},
		retry:               retry,
	}

	autoDiscovery := false
	for _, n := range nodes {
		n.SetSink(p)
		autoDiscovery = autoDiscovery || n.Config().AutoDiscovery
	}
	p.log.Info("pool created", "policy", policy.Name(), "nodes", len(nodes), "template", template.String())
	if autoDiscovery {
		p.TriggerDiscovery()
	}
	p.TriggerHealthCheck()
	return p, nil
}

func (p *Pool) ID() string               { return p.id }
func (p *Pool) Template() *node.Node     { return p.template }
func (p *Pool) Policy() Policy           { return p.policy }
func (p *Pool) Selector() node.Selector  { return p.selector }
func (p *Pool) GroupSize() int           { return p.groupSize }
func (p *Pool) IsSingleNode() bool       { return p.single }
func (p *Pool) String() string           { return fmt.Sprintf("pool %s %s", p.id[:8], p.template.BaseURI()) }

// Select picks a node for an operation. An empty selector means the pool's
// own selector. It fails with an error matching failure.ErrSelection when
// neither list holds a match.
func (p *Pool) Select(sel node.Selector) (*node.Node, error) {
	if sel.IsEmpty() {
		sel = p.selector
	}
	p.mu.RLock()
	n, err := p.policy.Select(&View{p: p}, sel)
	p.mu.RUnlock()
	metrics.Selections.WithLabelValues(metrics.Result(err)).Inc()
	return n, err
}

// SuggestReplacement returns the node to retry on after current failed
// with err. It returns current itself unless err is a connection failure
// and another endpoint is available.
func (p *Pool) SuggestReplacement(current *node.Node, err error) *node.Node {
	p.mu.RLock()
	n := p.policy.SuggestReplacement(&View{p: p}, current, err)
	p.mu.RUnlock()
	if n != nil && n != current {
		metrics.Failovers.WithLabelValues("replaced").Inc()
		p.log.Debug("suggesting failover", "from", current.String(), "to", n.String(), "error", err)
	} else {
		metrics.Failovers.WithLabelValues("kept").Inc()
	}
	return n
}

// ReportStatus applies s to n. A MANAGED report for a node owned by
// another sink moves the node here first.
func (p *Pool) ReportStatus(n *node.Node, s node.Status) {
	if n == nil {
		return
	}
	if s == node.StatusManaged {
		if cur := n.Sink(); cur != nil && cur != node.StatusSink(p) {
			n.SetSink(p)
			return
		}
	}
	p.mu.Lock()
	changed := p.applyLocked(n, s)
	h, f := len(p.healthy), len(p.faulty)
	p.mu.Unlock()
	p.observe(changed, h, f, statusChange{n, s})
}

// replace swaps old for repl in one write-locked step.
func (p *Pool) replace(old, repl *node.Node) {
	p.mu.Lock()
	addedNew := p.applyLocked(repl, node.StatusManaged)
	removedOld := p.applyLocked(old, node.StatusStandalone)
	h, f := len(p.healthy), len(p.faulty)
	p.mu.Unlock()
	p.observe(addedNew, h, f, statusChange{repl, node.StatusManaged})
	p.observe(removedOld, h, f, statusChange{old, node.StatusStandalone})
}

type statusChange struct {
	n *node.Node
	s node.Status
}

func (p *Pool) applyLocked(n *node.Node, s node.Status) bool {
	if p.checkInterval > 0 {
		p.checked[n.Key()] = p.now()
	}
	wasH, wasF := indexOf(p.healthy, n) >= 0, indexOf(p.faulty, n) >= 0
	p.policy.OnStatusChange(&View{p: p, writable: true}, n, s)
	isH, isF := indexOf(p.healthy, n) >= 0, indexOf(p.faulty, n) >= 0
	return wasH != isH || wasF != isF
}

func (p *Pool) observe(changed bool, healthy, faulty int, c statusChange) {
	metrics.StatusChanges.WithLabelValues(c.s.String()).Inc()
	if !changed {
		return
	}
	metrics.PoolNodes.WithLabelValues(p.id, "healthy").Set(float64(healthy))
	metrics.PoolNodes.WithLabelValues(p.id, "faulty").Set(float64(faulty))
	p.log.Debug("node status changed", "node", c.n.String(), "status", c.s.String(), "healthy", healthy, "faulty", faulty)
	p.events.publish(Event{Pool: p.id, Node: c.n, Status: c.s, At: p.now(), Healthy: healthy, Faulty: faulty})
}

func (p *Pool) rankOf(n *node.Node) uint64 {
	if r, ok := p.rank[n.Key()]; ok {
		return r
	}
	p.nextRank++
	p.rank[n.Key()] = p.nextRank
	return p.nextRank
}

// HealthyNodes returns a snapshot of the healthy list.
func (p *Pool) HealthyNodes() []*node.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.healthy)
}

// FaultyNodes returns a snapshot of the faulty list.
func (p *Pool) FaultyNodes() []*node.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.faulty)
}

// PickHealthy returns up to limit healthy nodes accepted by sel. A limit
// below 1 means no cap.
func (p *Pool) PickHealthy(sel node.Selector, limit int) []*node.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pick(p.healthy, sel, limit)
}

// PickFaulty is PickHealthy for the faulty list.
func (p *Pool) PickFaulty(sel node.Selector, limit int) []*node.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pick(p.faulty, sel, limit)
}

func pick(list []*node.Node, sel node.Selector, limit int) []*node.Node {
	var out []*node.Node
	for _, n := range list {
		if limit > 0 && len(out) >= limit {
			break
		}
		if sel.Matches(n) {
			out = append(out, n)
		}
	}
	return out
}

// TriggerHealthCheck submits a health-check pass unless one is pending.
// It returns the new handle, or nil when nothing was submitted.
func (p *Pool) TriggerHealthCheck() schedule.Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduleHealthCheckLocked()
}

func (p *Pool) scheduleHealthCheckLocked() schedule.Future {
	if p.closed.Load() {
		return nil
	}
	f := p.policy.ScheduleTask(p.healthTask, p.runHealthCheck, p.healthCheckInterval)
	if f != nil {
		p.healthTask = f
	}
	return f
}

// TriggerDiscovery submits a discovery pass unless one is pending.
func (p *Pool) TriggerDiscovery() schedule.Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil
	}
	f := p.policy.ScheduleTask(p.discoveryTask, p.runDiscovery, p.discoveryInterval)
	if f != nil {
		p.discoveryTask = f
	}
	return f
}

func (p *Pool) runHealthCheck() { p.Check(context.Background()) }
func (p *Pool) runDiscovery()   { p.Discover(context.Background()) }

// afterCheck resets the retry backoff after a clean pass and, when no
// periodic health check runs, schedules a delayed retry after a failed one.
func (p *Pool) afterCheck(failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !failed {
		p.retry.Reset()
		return
	}
	if p.healthCheckInterval > 0 || p.closed.Load() {
		return
	}
	sched := p.policy.Scheduler()
	if sched == nil || schedule.Pending(p.retryTask) {
		return
	}
	d := p.retry.NextBackOff()
	if d == backoff.Stop {
		return
	}
	p.log.Debug("retrying failed health check", "after", d)
	p.retryTask = sched.Schedule(func() { p.TriggerHealthCheck() }, d, 0)
}

// Shutdown cancels pending maintenance and closes the default prober.
// Probes already running finish on their own.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	for _, f := range []schedule.Future{p.discoveryTask, p.healthTask, p.retryTask} {
		if schedule.Pending(f) {
			f.Cancel()
		}
	}
	p.mu.Unlock()
	if p.ownProber != nil {
		if err := p.ownProber.Close(); err != nil {
			p.log.Warn("closing prober failed", "error", err)
		}
	}
	p.log.Info("pool shut down")
}
