package pool

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

func TestDiscoverWithoutSeedsDoesNothing(t *testing.T) {
	h := newHarness(t, KindRoundRobin, "", "http://a", "http://b")
	updates := h.policy.updates.Load()

	h.pool.Discover(context.Background())
	assert.Empty(t, h.source.recorded())
	assert.Equal(t, updates, h.policy.updates.Load())
	assert.Equal(t, []string{"a", "b"}, hosts(h.pool.HealthyNodes()))
}

func TestDiscoverSkippedWithoutSource(t *testing.T) {
	n := mustNode(t, "http://s1?auto_discovery=true")
	p, err := New([]*node.Node{n}, nil, Options{Prober: newFakeProber(), Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	defer p.Shutdown()

	p.Discover(context.Background())
	assert.Equal(t, []string{"s1"}, hosts(p.HealthyNodes()))
}

func discoveryHarness(t *testing.T) *harness {
	h := newHarness(t, KindRoundRobin, "", "http://s1?auto_discovery=true", "http://f1")
	h.source.local["s1"] = []metadata.Row{
		{Cluster: "c", Address: "10.0.0.1", Host: "s1", Replica: 1, Shard: 1, Weight: 1},
	}
	h.source.others["s1"] = []metadata.Row{
		{Cluster: "c", Address: "s2", Host: "s2", Replica: 2, Shard: 1, Weight: 1},
	}
	return h
}

func TestDiscoverFindsClusterMembers(t *testing.T) {
	h := discoveryHarness(t)
	seed := h.pool.HealthyNodes()[0]

	h.pool.Discover(context.Background())

	healthy := h.pool.HealthyNodes()
	require.Equal(t, []string{"f1", "s1"}, hosts(healthy))
	found := healthy[1]
	assert.Equal(t, "c", found.Cluster())
	assert.Equal(t, 1, found.Replica())
	assert.Equal(t, 1, found.Shard())
	assert.True(t, found.Config().AutoDiscovery)
	assert.Nil(t, seed.Sink(), "original seed was replaced")

	faulty := h.pool.FaultyNodes()
	require.Equal(t, []string{"s2"}, hosts(faulty))
	member := faulty[0]
	assert.Equal(t, "c", member.Cluster())
	assert.Equal(t, 2, member.Replica())
	assert.Equal(t, seed.Port(), member.Port())
	assert.False(t, member.Config().AutoDiscovery)
	_, ok := member.Option(node.OptAutoDiscovery)
	assert.False(t, ok)

	qs := h.source.recorded()
	require.Len(t, qs, 2)
	assert.Equal(t, metadata.KindAllLocal, qs[0].Kind)
	assert.Equal(t, DefaultQueries.AllLocal, qs[0].SQL)
	assert.Equal(t, metadata.KindNonLocal, qs[1].Kind)
	assert.Equal(t, []string{"c"}, qs[1].Clusters)
	assert.Equal(t, metadata.HostName, qs[1].HostColumn)
	assert.Equal(t, 100, qs[1].Limit)
	assert.Contains(t, qs[1].SQL, "select distinct cluster, host_name,")
	assert.Contains(t, qs[1].SQL, "cluster in ('c')")
	assert.True(t, strings.HasSuffix(qs[1].SQL, " limit 100"), qs[1].SQL)
}

func TestDiscoverIsStableOnceConverged(t *testing.T) {
	h := discoveryHarness(t)
	h.pool.Discover(context.Background())
	h.pool.Check(context.Background())
	require.Equal(t, []string{"f1", "s1", "s2"}, hosts(h.pool.HealthyNodes()))
	updates := h.policy.updates.Load()
	before := h.pool.HealthyNodes()

	h.pool.Discover(context.Background())
	assert.Equal(t, updates, h.policy.updates.Load())
	assert.Equal(t, hosts(before), hosts(h.pool.HealthyNodes()))
	assert.Empty(t, h.pool.FaultyNodes())
	for i, n := range h.pool.HealthyNodes() {
		assert.Same(t, before[i], n)
		assert.Same(t, node.StatusSink(h.pool), n.Sink(), n.Host())
	}

	qs := h.source.recorded()
	require.Len(t, qs, 4)
	assert.Equal(t, metadata.KindClusterLocal, qs[2].Kind)
	assert.Equal(t, "c", qs[2].Cluster)
	assert.Contains(t, qs[2].SQL, "cluster='c'")
}

func TestDiscoverKeepsPromotedMemberAttached(t *testing.T) {
	h := discoveryHarness(t)
	h.pool.Discover(context.Background())
	h.pool.Check(context.Background())
	h.pool.Discover(context.Background())
	h.pool.Check(context.Background())

	healthy := h.pool.HealthyNodes()
	require.Equal(t, []string{"f1", "s1", "s2"}, hosts(healthy))
	s2 := healthy[2]
	assert.Same(t, node.StatusSink(h.pool), s2.Sink())

	s2.ReportStatus(node.StatusFaulty)
	assert.Equal(t, []string{"f1", "s1"}, hosts(h.pool.HealthyNodes()))
	assert.Equal(t, []string{"s2"}, hosts(h.pool.FaultyNodes()))
}

func TestDiscoverLeavesFaultyMemberFaulty(t *testing.T) {
	h := discoveryHarness(t)
	h.pool.Discover(context.Background())
	member := h.pool.FaultyNodes()[0]
	updates := h.policy.updates.Load()

	h.pool.Discover(context.Background())
	assert.Equal(t, updates, h.policy.updates.Load())
	require.Len(t, h.pool.FaultyNodes(), 1)
	assert.Same(t, member, h.pool.FaultyNodes()[0])
	assert.Same(t, node.StatusSink(h.pool), member.Sink())
}

func TestDiscoverKeepsMembersWithoutAutoDiscovery(t *testing.T) {
	h := discoveryHarness(t)
	h.pool.Discover(context.Background())
	updates := h.policy.updates.Load()

	h.source.mu.Lock()
	h.source.others["s1"] = nil
	h.source.mu.Unlock()
	h.pool.Discover(context.Background())

	assert.Equal(t, []string{"s2"}, hosts(h.pool.FaultyNodes()))
	assert.Equal(t, []string{"f1", "s1"}, hosts(h.pool.HealthyNodes()))
	assert.Equal(t, updates, h.policy.updates.Load())
}

func TestDiscoverTriggersHealthCheckAfterReplacingSeed(t *testing.T) {
	h := newHarness(t, KindRoundRobin, "", "http://s1?auto_discovery=true")
	h.source.local["s1"] = []metadata.Row{{Cluster: "c", Address: "10.0.0.1", Host: "s1", Replica: 1, Shard: 1, Weight: 1}}
	h.sched.finishAll()
	attempts := h.policy.schedules.Load()

	h.pool.Discover(context.Background())
	require.Len(t, h.pool.HealthyNodes(), 1)
	assert.Equal(t, "c", h.pool.HealthyNodes()[0].Cluster())
	assert.Greater(t, h.policy.schedules.Load(), attempts)
}

func TestDiscoverMarksFailingSeedFaulty(t *testing.T) {
	h := newHarness(t, KindRoundRobin, "", "http://s1?auto_discovery=true", "http://f1")
	h.source.fail["s1"] = errors.New("code 516: authentication failed")

	h.pool.Discover(context.Background())
	assert.Equal(t, []string{"f1"}, hosts(h.pool.HealthyNodes()))
	assert.Equal(t, []string{"s1"}, hosts(h.pool.FaultyNodes()))
}

func TestDiscoverUnreachableWildcardSeed(t *testing.T) {
	h := newHarness(t, KindRoundRobin, "", "any://s1?auto_discovery=true", "http://f1")
	h.prober.setDown("s1", true)

	h.pool.Discover(context.Background())
	assert.Empty(t, h.source.recorded())
	assert.Equal(t, []string{"s1"}, hosts(h.pool.FaultyNodes()))
	assert.Equal(t, []string{"f1"}, hosts(h.pool.HealthyNodes()))
}

func TestDiscoverResolvesWildcardSeed(t *testing.T) {
	h := newHarness(t, KindRoundRobin, "", "any://s1?auto_discovery=true")
	h.prober.protos["s1"] = node.ProtocolHTTP
	wildcard := h.pool.FaultyNodes()[0]

	h.pool.Discover(context.Background())
	require.Len(t, h.pool.HealthyNodes(), 1)
	assert.Equal(t, node.ProtocolHTTP, h.pool.HealthyNodes()[0].Protocol())
	assert.Empty(t, h.pool.FaultyNodes())
	assert.Nil(t, wildcard.Sink())
}
