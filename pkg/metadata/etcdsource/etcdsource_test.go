package etcdsource

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// memKV serves Put, Get and Delete from a map. Prefix gets are assumed.
type memKV struct {
	clientv3.KV
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (m *memKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return &clientv3.DeleteResponse{}, nil
}

func (m *memKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &clientv3.GetResponse{}
	for k, v := range m.data {
		if strings.HasPrefix(k, key) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	sort.Slice(resp.Kvs, func(i, j int) bool { return string(resp.Kvs[i].Key) < string(resp.Kvs[j].Key) })
	return resp, nil
}

func TestPublishAndQuery(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	s := NewFromKV(kv, "/topo", hclog.NewNullLogger())
	assert.Equal(t, "/topo/", s.Prefix())

	require.NoError(t, s.Publish(ctx, "ch-1", []metadata.Row{{Cluster: "c", Address: "10.0.0.1", Host: "ch-1", Replica: 1, Shard: 1, Weight: 1}}, 0))
	require.NoError(t, s.Publish(ctx, "ch-2", []metadata.Row{{Cluster: "c", Address: "10.0.0.2", Replica: 1, Shard: 2, Weight: 5}}, 0))
	kv.data["/topo/broken"] = "{"
	kv.data["/other/ch-3"] = `[{"cluster":"c","address":"10.0.0.3"}]`

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "10.0.0.2", rows[1].Host, "host defaults to the address")

	local, err := s.Query(ctx, node.MustParse("http://10.0.0.1"), metadata.Query{Kind: metadata.KindAllLocal})
	require.NoError(t, err)
	assert.Equal(t, []metadata.Row{{Cluster: "c", Address: "10.0.0.1", Host: "ch-1", Replica: 1, Shard: 1, Weight: 1}}, local)

	others, err := s.Query(ctx, node.MustParse("http://ch-1"), metadata.Query{Kind: metadata.KindNonLocal, Clusters: []string{"c"}, HostColumn: metadata.HostAddress})
	require.NoError(t, err)
	assert.Equal(t, []metadata.Row{{Cluster: "c", Address: "10.0.0.2", Host: "10.0.0.2", Replica: 1, Shard: 2, Weight: 5}}, others)

	require.NoError(t, s.Withdraw(ctx, "ch-2"))
	others, err = s.Query(ctx, node.MustParse("http://ch-1"), metadata.Query{Kind: metadata.KindNonLocal, Clusters: []string{"c"}})
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestPublishRejectsEmptyMember(t *testing.T) {
	s := NewFromKV(newMemKV(), "", hclog.NewNullLogger())
	assert.Equal(t, DefaultPrefix, s.Prefix())
	assert.Error(t, s.Publish(context.Background(), "", nil, 0))
	assert.NoError(t, s.Close())
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
