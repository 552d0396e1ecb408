// Package metadata defines how the pool learns cluster topology: a Source
// answers discovery queries against a seed node with topology rows.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Kind says which discovery question a query asks.
type Kind int

const (
	// KindAllLocal asks for the seed's own memberships in every cluster.
	KindAllLocal Kind = iota
	// KindClusterLocal asks for the seed's membership in Query.Cluster.
	KindClusterLocal
	// KindNonLocal asks for the other members of Query.Clusters.
	KindNonLocal
)

func (k Kind) String() string {
	switch k {
	case KindAllLocal:
		return "all-local"
	case KindClusterLocal:
		return "cluster-local"
	case KindNonLocal:
		return "non-local"
	default:
		return "unknown"
	}
}

// Host columns accepted for non-local queries.
const (
	HostAddress = "host_address"
	HostName    = "host_name"
)

// Query is one rendered discovery query. SQL-speaking sources run SQL;
// in-memory sources evaluate the structured fields instead.
type Query struct {
	Kind       Kind
	SQL        string
	Cluster    string
	Clusters   []string
	HostColumn string
	Limit      int
}

// Row is one topology tuple. For non-local queries Address and Host both
// carry the selected host column.
type Row struct {
	Cluster string `json:"cluster"`
	Address string `json:"address"`
	Host    string `json:"host"`
	Replica int    `json:"replica"`
	Shard   int    `json:"shard"`
	Weight  int    `json:"weight"`
}

// Source runs discovery queries against seed.
type Source interface {
	Query(ctx context.Context, seed *node.Node, q Query) ([]Row, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, seed *node.Node, q Query) ([]Row, error)

func (f SourceFunc) Query(ctx context.Context, seed *node.Node, q Query) ([]Row, error) {
	return f(ctx, seed, q)
}

// Render substitutes :name placeholders found in params. Unknown names and
// "::" casts are left untouched.
func Render(tpl string, params map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(tpl); {
		c := tpl[i]
		if c != ':' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(tpl) && tpl[i+1] == ':' {
			b.WriteString("::")
			i += 2
			continue
		}
		j := i + 1
		for j < len(tpl) && isIdent(tpl[j], j == i+1) {
			j++
		}
		if v, ok := params[tpl[i+1:j]]; ok && j > i+1 {
			b.WriteString(v)
		} else {
			b.WriteString(tpl[i:j])
		}
		i = j
	}
	return b.String()
}

func isIdent(c byte, first bool) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (!first && c >= '0' && c <= '9')
}

// Quote renders s as a SQL string literal.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// Tuple renders values as a parenthesized list of string literals.
func Tuple(values []string) string {
	q := make([]string, len(values))
	for i, v := range values {
		q[i] = Quote(v)
	}
	return "(" + strings.Join(q, ", ") + ")"
}

// WithLimit appends a limit clause when limit > 0.
func WithLimit(sql string, limit int) string {
	if limit <= 0 {
		return sql
	}
	return sql + " limit " + strconv.Itoa(limit)
}

// RowFromValues converts one result row. Local queries return six columns
// (cluster, host_address, host_name, replica, shard, weight); non-local
// queries return five (cluster, host, replica, shard, weight).
func RowFromValues(vals []any) (Row, error) {
	var r Row
	var err error
	switch len(vals) {
	case 6:
		r.Cluster, r.Address, r.Host = toString(vals[0]), toString(vals[1]), toString(vals[2])
		vals = vals[3:]
	case 5:
		r.Cluster, r.Host = toString(vals[0]), toString(vals[1])
		r.Address = r.Host
		vals = vals[2:]
	default:
		return r, errors.Newf("metadata: expected 5 or 6 columns, got %d", len(vals))
	}
	if r.Replica, err = toInt(vals[0]); err != nil {
		return r, errors.Wrap(err, "replica_num")
	}
	if r.Shard, err = toInt(vals[1]); err != nil {
		return r, errors.Wrap(err, "shard_num")
	}
	if r.Weight, err = toInt(vals[2]); err != nil {
		return r, errors.Wrap(err, "shard_weight")
	}
	return r, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		return int(x), nil
	case json.Number:
		return strconv.Atoi(x.String())
	case string:
		return strconv.Atoi(x)
	case []byte:
		return strconv.Atoi(string(x))
	default:
		return 0, errors.Newf("unsupported value %T", v)
	}
}

// Filter evaluates q over an in-memory topology for sources that do not
// speak SQL. A row is local to seedHost when its address or host matches.
func Filter(rows []Row, seedHost string, q Query) []Row {
	local := func(r Row) bool { return r.Address == seedHost || r.Host == seedHost }
	var out []Row
	switch q.Kind {
	case KindAllLocal, KindClusterLocal:
		for _, r := range rows {
			if local(r) && (q.Kind == KindAllLocal || r.Cluster == q.Cluster) {
				out = append(out, r)
			}
		}
	case KindNonLocal:
		seen := map[Row]bool{}
		for _, r := range rows {
			if local(r) || !slices.Contains(q.Clusters, r.Cluster) {
				continue
			}
			h := r.Address
			if q.HostColumn == HostName {
				h = r.Host
			}
			r.Address, r.Host = h, h
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		slices.SortStableFunc(out, func(a, b Row) int {
			if a.Weight != b.Weight {
				return b.Weight - a.Weight
			}
			return a.Shard - b.Shard
		})
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
	}
	return out
}

// Router sends each query to the source registered for the seed's
// protocol, or to the fallback.
type Router struct {
	routes   map[node.Protocol]Source
	fallback Source
}

// NewRouter builds a Router. Either argument may be empty.
func NewRouter(fallback Source, routes map[node.Protocol]Source) *Router {
	r := &Router{routes: map[node.Protocol]Source{}, fallback: fallback}
	for p, s := range routes {
		if s != nil {
			r.routes[p] = s
		}
	}
	return r
}

func (r *Router) Query(ctx context.Context, seed *node.Node, q Query) ([]Row, error) {
	if s, ok := r.routes[seed.Protocol()]; ok {
		return s.Query(ctx, seed, q)
	}
	if r.fallback != nil {
		return r.fallback.Query(ctx, seed, q)
	}
	return nil, errors.Newf("metadata: no source for %s", seed.Protocol())
}
