package node

import (
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-nodepool/pkg/failure"
)

// Builder assembles an immutable Node. It is not safe for concurrent use.
type Builder struct {
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
	weightSet   bool
	tags        []string
	options     map[string]string
	err         error
}

// NewBuilder starts a builder, copying every field from base when given.
func NewBuilder(base *Node) *Builder {
	b := &Builder{protocol: DefaultProtocol, options: map[string]string{}}
	if base == nil {
		return b
	}
	b.host = base.host
	b.port = base.port
	b.protocol = base.protocol
	b.credentials = base.Credentials()
	b.database = base.database
	b.cluster = base.cluster
	b.replica = base.replica
	b.shard = base.shard
	b.shardWeight = base.shardWeight
	b.weight = base.weight
	b.weightSet = true
	b.tags = slices.Clone(base.tags)
	b.options = maps.Clone(base.options)
	if b.options == nil {
		b.options = map[string]string{}
	}
	return b
}

func (b *Builder) Host(h string) *Builder { b.host = h; return b }

// Port sets the port; zero or negative falls back to the protocol default.
func (b *Builder) Port(p int) *Builder { b.port = p; return b }

// Address sets host and port from a host:port string. A string without a
// port only replaces the host and resets the port to the protocol default.
func (b *Builder) Address(hostport string) *Builder {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		b.host = strings.Trim(hostport, "[]")
		b.port = 0
		return b
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		b.fail(failure.Configuration("invalid port in %q", hostport))
		return b
	}
	b.host, b.port = host, p
	return b
}

// Protocol sets the protocol. An explicitly set port is kept.
func (b *Builder) Protocol(p Protocol) *Builder { b.protocol = p; return b }

// Credentials sets per-node credentials; an empty user clears them.
func (b *Builder) Credentials(user, password string) *Builder {
	if user == "" && password == "" {
		b.credentials = nil
		return b
	}
	b.credentials = &Credentials{User: user, Password: password}
	return b
}

func (b *Builder) Database(db string) *Builder   { b.database = db; return b }
func (b *Builder) Cluster(name string) *Builder  { b.cluster = name; return b }
func (b *Builder) Replica(num int) *Builder      { b.replica = num; return b }
func (b *Builder) Weight(w int) *Builder         { b.weight, b.weightSet = w, true; return b }
func (b *Builder) Tags(tags ...string) *Builder  { b.tags = slices.Clone(tags); return b }
func (b *Builder) AddTags(tags ...string) *Builder { b.tags = append(b.tags, tags...); return b }

// Shard sets the shard number and weight.
func (b *Builder) Shard(num, weight int) *Builder {
	b.shard, b.shardWeight = num, weight
	return b
}

func (b *Builder) RemoveTag(t string) *Builder {
	b.tags = slices.DeleteFunc(b.tags, func(s string) bool { return s == t })
	return b
}

// Option sets a raw option. Keys that map to typed fields (cluster,
// replica_num, shard_num, shard_weight, weight, database, user, password)
// update those fields instead.
func (b *Builder) Option(key, value string) *Builder {
	switch key {
	case OptCluster:
		b.cluster = value
	case OptDatabase:
		b.database = value
	case OptUser:
		pw := ""
		if b.credentials != nil {
			pw = b.credentials.Password
		}
		b.Credentials(value, pw)
	case OptPassword:
		user := ""
		if b.credentials != nil {
			user = b.credentials.User
		}
		b.Credentials(user, value)
	case OptReplica:
		b.replica = b.atoi(key, value)
	case OptShard:
		b.shard = b.atoi(key, value)
	case OptShardWeight:
		b.shardWeight = b.atoi(key, value)
	case OptWeight:
		b.Weight(b.atoi(key, value))
	default:
		b.options[key] = value
	}
	return b
}

// Options applies Option for every entry.
func (b *Builder) Options(opts map[string]string) *Builder {
	for _, k := range slices.Sorted(maps.Keys(opts)) {
		b.Option(k, opts[k])
	}
	return b
}

func (b *Builder) RemoveOption(key string) *Builder {
	delete(b.options, key)
	return b
}

func (b *Builder) atoi(key, value string) int {
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		b.fail(failure.Configuration("option %s: %q is not an integer", key, value))
	}
	return v
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build materializes the node. Unset fields take the process defaults.
func (b *Builder) Build() (*Node, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg, err := DecodeConfig(b.options)
	if err != nil {
		return nil, errors.Wrapf(err, "build node %s", b.host)
	}
	n := &Node{
		host:        b.host,
		port:        b.port,
		protocol:    b.protocol,
		database:    b.database,
		cluster:     b.cluster,
		replica:     b.replica,
		shard:       b.shard,
		shardWeight: b.shardWeight,
		weight:      b.weight,
		tags:        normalizeTags(b.tags),
		options:     maps.Clone(b.options),
		config:      cfg,
	}
	if b.credentials != nil {
		c := *b.credentials
		n.credentials = &c
	}
	if n.host == "" {
		n.host = DefaultHost
	}
	if n.port <= 0 {
		if cfg.SSL {
			n.port = n.protocol.DefaultSecurePort()
		} else {
			n.port = n.protocol.DefaultPort()
		}
	}
	if n.database == "" {
		n.database = DefaultDatabase
	}
	if !b.weightSet {
		n.weight = DefaultWeight
	}
	n.baseURI = n.protocol.Scheme(cfg.SSL && n.protocol != ProtocolPostgreSQL) + "://" + n.Address()
	n.key = n.computeKey()
	return n, nil
}

// MustBuild is Build for static definitions; it panics on error.
func (b *Builder) MustBuild() *Node {
	n, err := b.Build()
	if err != nil {
		panic(err)
	}
	return n
}
