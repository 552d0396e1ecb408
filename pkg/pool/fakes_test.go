package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

type fakeFuture struct {
	done      atomic.Bool
	cancelled atomic.Bool
}

func (f *fakeFuture) Done() bool      { return f.done.Load() }
func (f *fakeFuture) Cancelled() bool { return f.cancelled.Load() }
func (f *fakeFuture) Cancel() bool {
	if f.done.Load() {
		return false
	}
	return f.cancelled.CompareAndSwap(false, true)
}

type scheduled struct {
	task     func()
	delay    time.Duration
	interval time.Duration
	future   *fakeFuture
}

// fakeScheduler records submissions and never runs anything by itself.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *fakeScheduler) Schedule(task func(), delay, interval time.Duration) schedule.Future {
	f := &fakeFuture{}
	s.mu.Lock()
	s.calls = append(s.calls, scheduled{task: task, delay: delay, interval: interval, future: f})
	s.mu.Unlock()
	return f
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeScheduler) all() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.calls...)
}

// finishAll marks every submitted task done without running it.
func (s *fakeScheduler) finishAll() {
	for _, c := range s.all() {
		c.future.done.Store(true)
	}
}

// fakeProber answers from tables keyed by host.
type fakeProber struct {
	mu       sync.Mutex
	down     map[string]bool
	protos   map[string]node.Protocol
	panicOn  string
	pings    atomic.Int32
	resolves atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: map[string]bool{}, protos: map[string]node.Protocol{}}
}

func (f *fakeProber) setDown(host string, down bool) {
	f.mu.Lock()
	f.down[host] = down
	f.mu.Unlock()
}

func (f *fakeProber) isDown(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down[host]
}

func (f *fakeProber) Resolve(_ context.Context, n *node.Node) (*node.Node, error) {
	f.resolves.Add(1)
	if f.isDown(n.Host()) {
		return nil, errors.New("connection refused")
	}
	f.mu.Lock()
	p, ok := f.protos[n.Host()]
	f.mu.Unlock()
	if !ok {
		p = node.ProtocolHTTP
	}
	return node.NewBuilder(n).Protocol(p).Build()
}

func (f *fakeProber) Ping(_ context.Context, n *node.Node) error {
	f.pings.Add(1)
	if n.Host() == f.panicOn {
		panic("probe exploded")
	}
	if f.isDown(n.Host()) {
		return errors.New("connection refused")
	}
	return nil
}

// fakeSource serves discovery queries per seed host.
type fakeSource struct {
	mu      sync.Mutex
	local   map[string][]metadata.Row
	others  map[string][]metadata.Row
	fail    map[string]error
	queries []metadata.Query
}

func newFakeSource() *fakeSource {
	return &fakeSource{local: map[string][]metadata.Row{}, others: map[string][]metadata.Row{}, fail: map[string]error{}}
}

func (f *fakeSource) Query(_ context.Context, seed *node.Node, q metadata.Query) ([]metadata.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.fail[seed.Host()]; err != nil {
		return nil, err
	}
	if q.Kind == metadata.KindNonLocal {
		return f.others[seed.Host()], nil
	}
	var out []metadata.Row
	for _, r := range f.local[seed.Host()] {
		if q.Kind == metadata.KindAllLocal || r.Cluster == q.Cluster {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) recorded() []metadata.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]metadata.Query(nil), f.queries...)
}

// recordingPolicy wraps a policy and counts calls.
type recordingPolicy struct {
	Policy
	updates   atomic.Int32
	schedules atomic.Int32
}

func (r *recordingPolicy) OnStatusChange(v *View, n *node.Node, s node.Status) {
	r.updates.Add(1)
	r.Policy.OnStatusChange(v, n, s)
}

func (r *recordingPolicy) ScheduleTask(cur schedule.Future, task func(), interval time.Duration) schedule.Future {
	r.schedules.Add(1)
	return r.Policy.ScheduleTask(cur, task, interval)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	pool   *Pool
	sched  *fakeScheduler
	prober *fakeProber
	source *fakeSource
	policy *recordingPolicy
	clock  *fakeClock
}

// newHarness builds a pool over uris. The first uri doubles as template
// unless templateURI is set.
func newHarness(t *testing.T, kind Kind, templateURI string, uris ...string) *harness {
	t.Helper()
	h := &harness{
		sched:  &fakeScheduler{},
		prober: newFakeProber(),
		source: newFakeSource(),
		clock:  newFakeClock(),
	}
	base, err := NewPolicy(kind, h.sched)
	require.NoError(t, err)
	h.policy = &recordingPolicy{Policy: base}

	var template *node.Node
	if templateURI != "" {
		template = mustNode(t, templateURI)
	}
	nodes := make([]*node.Node, len(uris))
	for i, u := range uris {
		nodes[i], err = node.Parse(u, template)
		require.NoError(t, err)
	}
	h.pool, err = New(nodes, template, Options{
		Policy:   h.policy,
		Prober:   h.prober,
		Metadata: h.source,
		Logger:   hclog.NewNullLogger(),
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(h.pool.Shutdown)
	return h
}

func mustNode(t *testing.T, uri string) *node.Node {
	t.Helper()
	n, err := node.Parse(uri, nil)
	require.NoError(t, err)
	return n
}

func hosts(nodes []*node.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Host()
	}
	return out
}

func (h *harness) requireDisjoint(t *testing.T) {
	t.Helper()
	h.pool.mu.RLock()
	defer h.pool.mu.RUnlock()
	for _, n := range h.pool.healthy {
		require.False(t, indexOf(h.pool.faulty, n) >= 0, "%s in both lists", n)
	}
}
