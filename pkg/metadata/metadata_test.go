package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

func TestRender(t *testing.T) {
	cases := []struct {
		tpl    string
		params map[string]string
		want   string
	}{
		{"where cluster=:cluster", map[string]string{"cluster": Quote("a")}, "where cluster='a'"},
		{"select :host, x from t where c in :cluster", map[string]string{"host": HostName, "cluster": Tuple([]string{"a", "b"})},
			"select host_name, x from t where c in ('a', 'b')"},
		{"select 1::UInt8, :missing", map[string]string{"cluster": "x"}, "select 1::UInt8, :missing"},
		{"trailing :", nil, "trailing :"},
		{":cluster_name vs :cluster", map[string]string{"cluster": "C"}, ":cluster_name vs C"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Render(tc.tpl, tc.params), tc.tpl)
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'it\'s'`, Quote("it's"))
	assert.Equal(t, `'a\\b'`, Quote(`a\b`))
	assert.Equal(t, "()", Tuple(nil))
	assert.Equal(t, "q limit 3", WithLimit("q", 3))
	assert.Equal(t, "q", WithLimit("q", 0))
}

func TestRowFromValues(t *testing.T) {
	r, err := RowFromValues([]any{"c", "10.0.0.1", "ch1", float64(2), "3", int64(4)})
	require.NoError(t, err)
	assert.Equal(t, Row{Cluster: "c", Address: "10.0.0.1", Host: "ch1", Replica: 2, Shard: 3, Weight: 4}, r)

	r, err = RowFromValues([]any{[]byte("c"), []byte("ch2"), uint32(1), uint64(1), nil})
	require.NoError(t, err)
	assert.Equal(t, Row{Cluster: "c", Address: "ch2", Host: "ch2", Replica: 1, Shard: 1}, r)

	_, err = RowFromValues([]any{"too", "few"})
	assert.Error(t, err)
	_, err = RowFromValues([]any{"c", "h", "x", 1, 1})
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	rows := []Row{
		{Cluster: "c1", Address: "10.0.0.1", Host: "ch1", Replica: 1, Shard: 1, Weight: 1},
		{Cluster: "c2", Address: "10.0.0.1", Host: "ch1", Replica: 1, Shard: 1, Weight: 1},
		{Cluster: "c1", Address: "10.0.0.2", Host: "ch2", Replica: 2, Shard: 1, Weight: 1},
		{Cluster: "c1", Address: "10.0.0.3", Host: "ch3", Replica: 1, Shard: 2, Weight: 5},
		{Cluster: "c3", Address: "10.0.0.4", Host: "ch4", Replica: 1, Shard: 1, Weight: 1},
	}

	all := Filter(rows, "ch1", Query{Kind: KindAllLocal})
	assert.Len(t, all, 2)

	one := Filter(rows, "10.0.0.1", Query{Kind: KindClusterLocal, Cluster: "c2"})
	require.Len(t, one, 1)
	assert.Equal(t, "c2", one[0].Cluster)

	others := Filter(rows, "ch1", Query{Kind: KindNonLocal, Clusters: []string{"c1"}, HostColumn: HostName})
	require.Len(t, others, 2)
	assert.Equal(t, "ch3", others[0].Host, "heavier shard first")
	assert.Equal(t, "ch2", others[1].Address)

	limited := Filter(rows, "ch1", Query{Kind: KindNonLocal, Clusters: []string{"c1", "c3"}, HostColumn: HostAddress, Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "10.0.0.3", limited[0].Host)
}

func TestRouter(t *testing.T) {
	httpSrc := SourceFunc(func(context.Context, *node.Node, Query) ([]Row, error) { return []Row{{Cluster: "http"}}, nil })
	fallback := SourceFunc(func(context.Context, *node.Node, Query) ([]Row, error) { return []Row{{Cluster: "fallback"}}, nil })

	r := NewRouter(fallback, map[node.Protocol]Source{node.ProtocolHTTP: httpSrc, node.ProtocolTCP: nil})
	rows, err := r.Query(context.Background(), node.MustParse("http://a"), Query{})
	require.NoError(t, err)
	assert.Equal(t, "http", rows[0].Cluster)

	rows, err = r.Query(context.Background(), node.MustParse("tcp://a"), Query{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", rows[0].Cluster)

	_, err = NewRouter(nil, nil).Query(context.Background(), node.MustParse("grpc://a"), Query{})
	assert.Error(t, err)
}
