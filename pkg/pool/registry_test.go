package pool

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

// lastHealthyPolicy always picks the tail of the healthy list.
type lastHealthyPolicy struct{ Base }

func (*lastHealthyPolicy) Name() string { return "lastHealthy" }

func (p *lastHealthyPolicy) Select(v *View, sel node.Selector) (*node.Node, error) {
	h := v.Healthy()
	for i := len(h) - 1; i >= 0; i-- {
		if sel.Matches(h[i]) {
			return h[i], nil
		}
	}
	return p.Base.Select(v, sel)
}

func TestPoliciesBuiltinsAreShared(t *testing.T) {
	ps := NewPolicies(&fakeScheduler{})
	a, err := ps.Get("round_robin")
	require.NoError(t, err)
	b, err := ps.Get("roundRobin")
	require.NoError(t, err)
	assert.Same(t, a, b)

	d, err := ps.Get("")
	require.NoError(t, err)
	assert.Equal(t, KindDefault, KindOf(d))

	_, err = ps.Get("weighted")
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestPoliciesRegisterCustom(t *testing.T) {
	sched := &fakeScheduler{}
	ps := NewPolicies(sched)
	var got schedule.Scheduler
	require.NoError(t, ps.Register("lastHealthy", func(s schedule.Scheduler) (Policy, error) {
		got = s
		return &lastHealthyPolicy{Base: NewBase(s, Queries{})}, nil
	}))
	assert.ErrorIs(t, ps.Register("random", func(schedule.Scheduler) (Policy, error) { return nil, nil }), failure.ErrConfiguration)
	assert.ErrorIs(t, ps.Register("", nil), failure.ErrConfiguration)
	assert.Equal(t, []string{"default", "firstAlive", "random", "roundRobin", "lasthealthy"}, ps.Names())

	p, err := ps.Get("last_healthy")
	require.NoError(t, err)
	assert.Same(t, sched, got)
	assert.Equal(t, KindCustom, KindOf(p))

	nodes := []*node.Node{mustNode(t, "http://a"), mustNode(t, "http://b")}
	pool, err := New(nodes, nil, Options{Policy: p, Prober: newFakeProber(), Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	defer pool.Shutdown()
	n, err := pool.Select(node.EmptySelector)
	require.NoError(t, err)
	assert.Equal(t, "b", n.Host())
}

func TestPoliciesFactoryReturningNothing(t *testing.T) {
	ps := NewPolicies(nil)
	require.NoError(t, ps.Register("broken", func(schedule.Scheduler) (Policy, error) { return nil, nil }))
	_, err := ps.Get("broken")
	assert.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestRegistryReusesPools(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRegistry(RegistryOptions{Scheduler: sched, Prober: newFakeProber(), Logger: hclog.NewNullLogger()})
	defer r.Close()

	a, err := r.Get("http://a,b?load_balancing_policy=roundRobin", nil)
	require.NoError(t, err)
	b, err := r.Get(" http://a,b?load_balancing_policy=roundRobin ", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, KindRoundRobin, KindOf(a.Policy()))
	assert.Same(t, sched, a.Policy().Scheduler())

	c, err := r.Get("http://a,b?load_balancing_policy=roundRobin", map[string]string{"failover": "1"})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, r.Len())

	_, err = r.Get("http://a?load_balancing_policy=nope", nil)
	require.Error(t, err)
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove("http://a,b?load_balancing_policy=roundRobin", nil))
	assert.False(t, r.Remove("http://a,b?load_balancing_policy=roundRobin", nil))
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, a.TriggerHealthCheck(), "removed pool is shut down")

	r.Close()
	assert.Zero(t, r.Len())
	assert.Nil(t, c.TriggerHealthCheck())
}
