// Package node describes database servers a client can talk to. A Node is
// immutable apart from a reference to the StatusSink (usually a pool) that
// currently manages it.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/amirimatin/go-nodepool/pkg/failure"
)

// Process-wide defaults for fields left unset on a builder.
const (
	DefaultHost     = "localhost"
	DefaultProtocol = ProtocolAny
	DefaultDatabase = "default"
	DefaultWeight   = 1
	DefaultCluster  = ""
)

// Node is one server endpoint. Build it with NewBuilder or Parse.
type Node struct {
	host        string
	port        int
	protocol    Protocol
	credentials *Credentials
	database    string
	cluster     string
	replica     int
	shard       int
	shardWeight int
	weight      int
	tags        []string
	options     map[string]string
	config      Config

	key     string
	baseURI string

	sink atomic.Pointer[sinkRef]
}

type sinkRef struct{ s StatusSink }

func (r *sinkRef) get() StatusSink {
	if r == nil {
		return nil
	}
	return r.s
}

func (n *Node) Host() string         { return n.host }
func (n *Node) Port() int            { return n.port }
func (n *Node) Address() string      { return net.JoinHostPort(n.host, strconv.Itoa(n.port)) }
func (n *Node) Protocol() Protocol   { return n.protocol }
func (n *Node) Database() string     { return n.database }
func (n *Node) Cluster() string      { return n.cluster }
func (n *Node) Replica() int         { return n.replica }
func (n *Node) Shard() int           { return n.shard }
func (n *Node) ShardWeight() int     { return n.shardWeight }
func (n *Node) Weight() int          { return n.weight }
func (n *Node) Tags() []string       { return slices.Clone(n.tags) }
func (n *Node) Config() Config       { return n.config }
func (n *Node) IsSecure() bool       { return n.config.SSL }
func (n *Node) HasTag(t string) bool { return slices.Contains(n.tags, t) }

// Credentials returns a copy of the node's credentials, or nil.
func (n *Node) Credentials() *Credentials {
	if n.credentials == nil {
		return nil
	}
	c := *n.credentials
	return &c
}

// Options returns a copy of the raw options.
func (n *Node) Options() map[string]string { return maps.Clone(n.options) }

func (n *Node) Option(key string) (string, bool) {
	v, ok := n.options[key]
	return v, ok
}

// BaseURI is scheme://host:port.
func (n *Node) BaseURI() string { return n.baseURI }

// Key is the identity string used for equality. Not meant for display.
func (n *Node) Key() string { return n.key }

// Equal reports structural equality: host, port, protocol, cluster,
// credentials, database, tags, weight, replica, shard, shard weight and raw
// options all agree.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n == o || n.key == o.key
}

// SameEndpoint reports whether both nodes point at the same scheme, host
// and port regardless of their other attributes.
func (n *Node) SameEndpoint(o *Node) bool {
	if n == nil || o == nil {
		return false
	}
	return n.baseURI == o.baseURI
}

// Resolve returns n if sel accepts it.
func (n *Node) Resolve(sel Selector) (*Node, error) {
	if sel.Matches(n) {
		return n, nil
	}
	return nil, failure.Selection(n.String(), sel.String())
}

// Sink returns the current status sink, or nil.
func (n *Node) Sink() StatusSink { return n.sink.Load().get() }

// SetSink hands the node to s. A previous, different sink hears
// StatusUnmanaged before s hears StatusManaged. Setting the current sink
// again does nothing. Passing nil detaches the node.
func (n *Node) SetSink(s StatusSink) {
	for {
		cur := n.sink.Load()
		prev := cur.get()
		if prev == s {
			return
		}
		var next *sinkRef
		if s != nil {
			next = &sinkRef{s: s}
		}
		if !n.sink.CompareAndSwap(cur, next) {
			continue
		}
		if prev != nil {
			prev.ReportStatus(n, StatusUnmanaged)
		}
		if s != nil {
			s.ReportStatus(n, StatusManaged)
		}
		return
	}
}

// ReportStatus forwards s to the current sink, if any.
func (n *Node) ReportStatus(s Status) {
	if sink := n.Sink(); sink != nil {
		sink.ReportStatus(n, s)
	}
}

// Attach sets the sink to s without notifying anyone, but only when the
// node is unattached. It reports whether s is now the sink.
func (n *Node) Attach(s StatusSink) bool {
	for {
		cur := n.sink.Load()
		if prev := cur.get(); prev != nil {
			return prev == s
		}
		if n.sink.CompareAndSwap(cur, &sinkRef{s: s}) {
			return true
		}
	}
}

// Detach clears the sink without notification if it is still s.
func (n *Node) Detach(s StatusSink) bool {
	for {
		cur := n.sink.Load()
		if cur.get() != s || s == nil {
			return false
		}
		if n.sink.CompareAndSwap(cur, nil) {
			return true
		}
	}
}

// URI renders the node so that Parse yields an equal node. The password is
// never included.
func (n *Node) URI() string {
	u := url.URL{
		Scheme: n.protocol.Scheme(n.config.SSL && n.protocol != ProtocolPostgreSQL),
		Host:   n.Address(),
		Path:   "/" + n.database,
	}
	if n.credentials != nil && n.credentials.User != "" {
		u.User = url.User(n.credentials.User)
	}
	q := url.Values{}
	for k, v := range n.options {
		q.Set(k, v)
	}
	if n.cluster != "" {
		q.Set(OptCluster, n.cluster)
	}
	if n.replica != 0 {
		q.Set(OptReplica, strconv.Itoa(n.replica))
	}
	if n.shard != 0 {
		q.Set(OptShard, strconv.Itoa(n.shard))
	}
	if n.shardWeight != 0 {
		q.Set(OptShardWeight, strconv.Itoa(n.shardWeight))
	}
	if n.weight != DefaultWeight {
		q.Set(OptWeight, strconv.Itoa(n.weight))
	}
	u.RawQuery = q.Encode()
	u.Fragment = strings.Join(n.tags, ",")
	return u.String()
}

func (n *Node) String() string {
	var b strings.Builder
	b.WriteString(n.baseURI)
	b.WriteByte('/')
	b.WriteString(n.database)
	if n.cluster != "" {
		b.WriteString("?cluster=")
		b.WriteString(n.cluster)
	}
	if len(n.tags) > 0 {
		b.WriteByte('#')
		b.WriteString(strings.Join(n.tags, ","))
	}
	return b.String()
}

func (n *Node) computeKey() string {
	var b strings.Builder
	field := func(s string) {
		b.WriteString(strconv.Quote(s))
		b.WriteByte('|')
	}
	field(n.protocol.String())
	field(n.host)
	field(strconv.Itoa(n.port))
	field(n.cluster)
	if n.credentials != nil {
		sum := sha256.Sum256([]byte(n.credentials.Password))
		field(n.credentials.User + ":" + hex.EncodeToString(sum[:8]))
	} else {
		field("")
	}
	field(n.database)
	field(strings.Join(n.tags, ","))
	field(strconv.Itoa(n.weight))
	field(strconv.Itoa(n.replica))
	field(strconv.Itoa(n.shard))
	field(strconv.Itoa(n.shardWeight))
	keys := slices.Sorted(maps.Keys(n.options))
	for _, k := range keys {
		field(k + "=" + n.options[k])
	}
	return b.String()
}
