package node

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/failure"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Status
}

func (r *recordingSink) ReportStatus(_ *Node, s Status) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recordingSink) seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.events...)
}

func TestBuilderDefaults(t *testing.T) {
	n, err := NewBuilder(nil).Build()
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, n.Host())
	assert.Equal(t, ProtocolAny, n.Protocol())
	assert.Equal(t, 8123, n.Port())
	assert.Equal(t, DefaultDatabase, n.Database())
	assert.Equal(t, DefaultWeight, n.Weight())
	assert.Equal(t, "", n.Cluster())
	assert.Nil(t, n.Credentials())
	assert.Equal(t, DefaultConfig(), n.Config())
	assert.Equal(t, "any://localhost:8123", n.BaseURI())
}

func TestBuilderRoundTrip(t *testing.T) {
	orig := NewBuilder(nil).
		Host("ch1").Port(9000).Protocol(ProtocolTCP).
		Credentials("u", "p").Database("db").Cluster("c").
		Replica(2).Shard(3, 4).Weight(5).
		Tags("b", "a").Option("compress", "1").MustBuild()

	copied, err := NewBuilder(orig).Build()
	require.NoError(t, err)
	assert.True(t, copied.Equal(orig))
	assert.Equal(t, orig.Key(), copied.Key())
	assert.Equal(t, []string{"a", "b"}, copied.Tags())

	changed := NewBuilder(orig).Weight(6).MustBuild()
	assert.False(t, changed.Equal(orig))
	assert.True(t, changed.SameEndpoint(orig))
}

func TestEqualityFields(t *testing.T) {
	base := NewBuilder(nil).Host("h").Protocol(ProtocolHTTP).MustBuild()
	variants := map[string]*Node{
		"host":     NewBuilder(base).Host("x").MustBuild(),
		"port":     NewBuilder(base).Port(1).MustBuild(),
		"protocol": NewBuilder(base).Protocol(ProtocolGRPC).MustBuild(),
		"cluster":  NewBuilder(base).Cluster("c").MustBuild(),
		"creds":    NewBuilder(base).Credentials("u", "").MustBuild(),
		"password": NewBuilder(base).Credentials("", "secret").MustBuild(),
		"database": NewBuilder(base).Database("d").MustBuild(),
		"tags":     NewBuilder(base).Tags("t").MustBuild(),
		"weight":   NewBuilder(base).Weight(9).MustBuild(),
		"replica":  NewBuilder(base).Replica(1).MustBuild(),
		"shard":    NewBuilder(base).Shard(1, 0).MustBuild(),
		"option":   NewBuilder(base).Option("k", "v").MustBuild(),
	}
	for name, v := range variants {
		assert.False(t, v.Equal(base), name)
	}
	assert.True(t, NewBuilder(base).Tags("a", "b").MustBuild().Equal(NewBuilder(base).Tags("b", "a", "a").MustBuild()))
	assert.False(t, base.Equal(nil))
}

func TestBuilderOptionsRouteTypedFields(t *testing.T) {
	n := NewBuilder(nil).Options(map[string]string{
		OptCluster:     "prod",
		OptReplica:     "2",
		OptShard:       "3",
		OptShardWeight: "7",
		OptWeight:      "4",
		OptUser:        "alice",
		OptPassword:    "pw",
		OptDatabase:    "logs",
		"max_threads":  "8",
	}).MustBuild()
	assert.Equal(t, "prod", n.Cluster())
	assert.Equal(t, 2, n.Replica())
	assert.Equal(t, 3, n.Shard())
	assert.Equal(t, 7, n.ShardWeight())
	assert.Equal(t, 4, n.Weight())
	assert.Equal(t, &Credentials{User: "alice", Password: "pw"}, n.Credentials())
	assert.Equal(t, "logs", n.Database())
	assert.Equal(t, map[string]string{"max_threads": "8"}, n.Options())

	_, err := NewBuilder(nil).Option(OptWeight, "heavy").Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrConfiguration))
}

func TestSecurePortDefault(t *testing.T) {
	n := NewBuilder(nil).Protocol(ProtocolTCP).Option(OptSSL, "true").MustBuild()
	assert.Equal(t, 9440, n.Port())
	assert.True(t, n.IsSecure())
	assert.Equal(t, "tcps://localhost:9440", n.BaseURI())
}

func TestSetSink(t *testing.T) {
	n := NewBuilder(nil).Host("a").MustBuild()
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}

	n.SetSink(first)
	assert.Equal(t, []Status{StatusManaged}, first.seen())
	n.SetSink(first)
	assert.Equal(t, []Status{StatusManaged}, first.seen(), "same sink twice is a no-op")

	n.SetSink(second)
	assert.Equal(t, []Status{StatusManaged, StatusUnmanaged}, first.seen())
	assert.Equal(t, []Status{StatusManaged}, second.seen())
	assert.Same(t, second, n.Sink())

	n.ReportStatus(StatusFaulty)
	assert.Equal(t, []Status{StatusManaged, StatusFaulty}, second.seen())

	n.SetSink(nil)
	assert.Nil(t, n.Sink())
	assert.Equal(t, []Status{StatusManaged, StatusFaulty, StatusUnmanaged}, second.seen())
	n.ReportStatus(StatusHealthy)
	assert.Len(t, second.seen(), 3)
}

func TestAttachDetach(t *testing.T) {
	n := NewBuilder(nil).MustBuild()
	a, b := &recordingSink{}, &recordingSink{}

	assert.True(t, n.Attach(a))
	assert.True(t, n.Attach(a))
	assert.False(t, n.Attach(b))
	assert.False(t, n.Detach(b))
	assert.True(t, n.Detach(a))
	assert.Nil(t, n.Sink())
	assert.Empty(t, a.seen())
}

func TestSetSinkConcurrentWithReport(t *testing.T) {
	n := NewBuilder(nil).MustBuild()
	sinks := []*recordingSink{{}, {}, {}}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			n.SetSink(sinks[i%len(sinks)])
		}(i)
		go func() {
			defer wg.Done()
			n.ReportStatus(StatusHealthy)
		}()
	}
	wg.Wait()
	assert.NotNil(t, n.Sink())
}

func TestResolve(t *testing.T) {
	httpNode := NewBuilder(nil).Protocol(ProtocolHTTP).Tags("x").MustBuild()
	got, err := httpNode.Resolve(ProtocolSelector(ProtocolHTTP))
	require.NoError(t, err)
	assert.Same(t, httpNode, got)

	_, err = httpNode.Resolve(NewSelector([]Protocol{ProtocolGRPC}, nil))
	assert.True(t, errors.Is(err, failure.ErrSelection))

	_, err = httpNode.Resolve(TagSelector("y"))
	assert.True(t, errors.Is(err, failure.ErrSelection))

	anyNode := NewBuilder(nil).MustBuild()
	got, err = anyNode.Resolve(ProtocolSelector(ProtocolGRPC))
	require.NoError(t, err)
	assert.Same(t, anyNode, got)
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]string{
		OptAutoDiscovery:       "true",
		OptCheckInterval:       "1500",
		OptHealthCheckInterval: "2s",
		OptGroupSize:           "7",
		OptCheckAllNodes:       "1",
		OptPolicy:              "roundRobin",
		OptTags:                "a, b",
		"unrelated":            "x",
	})
	require.NoError(t, err)
	assert.True(t, cfg.AutoDiscovery)
	assert.Equal(t, 1500*time.Millisecond, cfg.CheckInterval)
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 7, cfg.GroupSize)
	assert.True(t, cfg.CheckAllNodes)
	assert.Equal(t, "roundRobin", cfg.Policy)
	assert.Equal(t, []string{"a", "b"}, cfg.PreferredTags())
	assert.Equal(t, 100, cfg.DiscoveryLimit)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)

	_, err = DecodeConfig(map[string]string{OptGroupSize: "many"})
	assert.True(t, errors.Is(err, failure.ErrConfiguration))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "standalone", StatusStandalone.String())
	assert.Equal(t, "unmanaged", StatusUnmanaged.String())
	assert.NotEqual(t, StatusStandalone, StatusUnmanaged)
	assert.Equal(t, "unknown", Status(42).String())
}
