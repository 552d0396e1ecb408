package pool

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/observability/tracing"
)

// nodeSet is an insertion-ordered set keyed by node identity.
type nodeSet []*node.Node

func (s *nodeSet) add(n *node.Node) bool {
	if s.has(n) {
		return false
	}
	*s = append(*s, n)
	return true
}

func (s *nodeSet) remove(n *node.Node) bool {
	var ok bool
	*s, ok = remove(*s, n)
	return ok
}

func (s nodeSet) has(n *node.Node) bool { return indexOf(s, n) >= 0 }

// discovery accumulates what one pass observed. members holds non-local
// rows; only those not yet in the pool are reported, as FAULTY.
type discovery struct {
	observed nodeSet
	healthy  nodeSet
	faulty   nodeSet
	members  nodeSet
	obsolete nodeSet
	failed   bool
}

// Discover runs one discovery pass. Nodes with auto_discovery set act as
// seeds: each is probed and asked for its cluster memberships and for the
// other members of those clusters. Nodes in the pool that the pass did not
// observe are dropped. Per-seed failures mark that seed faulty and the
// pass moves on.
func (p *Pool) Discover(ctx context.Context) {
	var seeds []*node.Node
	res := &discovery{}
	p.mu.RLock()
	for _, n := range slices.Concat(p.healthy, p.faulty) {
		if n.Config().AutoDiscovery {
			seeds = append(seeds, n)
		} else {
			res.observed.add(n)
		}
	}
	p.mu.RUnlock()
	if len(seeds) == 0 {
		return
	}
	if p.meta == nil {
		p.log.Debug("discovery skipped, no metadata source", "seeds", len(seeds))
		return
	}

	ctx, end := tracing.StartSpan(ctx, "pool.discover",
		attribute.String("pool", p.id), attribute.Int("seeds", len(seeds)))
	defer end()

	for _, seed := range seeds {
		p.discoverFrom(ctx, seed, res)
	}

	p.mu.RLock()
	for _, n := range p.healthy {
		if !res.observed.remove(n) {
			res.obsolete.add(n)
		}
		res.healthy.remove(n)
		res.members.remove(n)
	}
	for _, n := range p.faulty {
		if !res.observed.remove(n) {
			res.obsolete.add(n)
		}
		res.faulty.remove(n)
		res.members.remove(n)
	}
	for _, n := range res.healthy {
		res.members.remove(n)
	}
	p.mu.RUnlock()

	if res.failed {
		metrics.Discoveries.WithLabelValues("error").Inc()
	} else {
		metrics.Discoveries.WithLabelValues("ok").Inc()
	}
	if len(res.observed)+len(res.healthy)+len(res.faulty)+len(res.members)+len(res.obsolete) == 0 {
		return
	}
	p.log.Debug("discovery finished", "new", len(res.observed), "healthy", len(res.healthy),
		"faulty", len(res.faulty), "members", len(res.members), "obsolete", len(res.obsolete))

	for _, n := range res.observed {
		p.ReportStatus(n, node.StatusManaged)
	}
	for _, n := range res.healthy {
		p.ReportStatus(n, node.StatusHealthy)
	}
	for _, n := range res.faulty {
		p.ReportStatus(n, node.StatusFaulty)
	}
	for _, n := range res.members {
		p.ReportStatus(n, node.StatusFaulty)
	}
	for _, n := range res.obsolete {
		p.ReportStatus(n, node.StatusStandalone)
	}
	if len(res.obsolete) > 0 {
		p.TriggerHealthCheck()
	}
}

func (p *Pool) discoverFrom(ctx context.Context, seed *node.Node, res *discovery) {
	cfg := seed.Config()
	server := seed
	if seed.Protocol() == node.ProtocolAny {
		pctx, cancel := context.WithTimeout(ctx, orDefault(cfg.ConnectTimeout, node.DefaultConfig().ConnectTimeout))
		r, err := p.prober.Resolve(pctx, seed)
		cancel()
		if err != nil {
			p.log.Warn("seed unreachable", "seed", seed.String(), "error", err)
			res.failed = true
			res.observed.add(seed)
			res.faulty.add(seed)
			return
		}
		server = r
	}
	if !server.Equal(seed) {
		res.obsolete.add(seed)
	}
	res.observed.add(server)

	ctx, cancel := context.WithTimeout(ctx, orDefault(cfg.SocketTimeout, node.DefaultConfig().SocketTimeout))
	defer cancel()
	queries := p.policy.Queries()

	q := metadata.Query{Kind: metadata.KindAllLocal, SQL: queries.AllLocal}
	if c := server.Cluster(); c != "" {
		q = metadata.Query{
			Kind:    metadata.KindClusterLocal,
			Cluster: c,
			SQL:     metadata.Render(queries.ClusterLocal, map[string]string{"cluster": metadata.Quote(c)}),
		}
	}
	rows, err := p.queryMetadata(ctx, server, q)
	if err != nil {
		p.seedFailed(server, q, err, res)
		return
	}

	var clusters []string
	column := metadata.HostAddress
	for _, r := range rows {
		if !slices.Contains(clusters, r.Cluster) {
			clusters = append(clusters, r.Cluster)
		}
		switch server.Host() {
		case r.Address:
			column = metadata.HostAddress
		case r.Host:
			column = metadata.HostName
		default:
			p.log.Warn("seed host matches neither host_address nor host_name",
				"seed", server.String(), "address", r.Address, "host", r.Host)
		}
		found, err := node.NewBuilder(server).Cluster(r.Cluster).Replica(r.Replica).Shard(r.Shard, r.Weight).Build()
		if err != nil {
			p.log.Warn("skipping local row", "row", r, "error", err)
			continue
		}
		if found.Equal(server) {
			res.healthy.add(server)
			continue
		}
		res.observed.remove(server)
		res.observed.add(found)
		res.healthy.add(found)
		res.obsolete.add(server)
	}
	if len(clusters) == 0 {
		return
	}

	q = metadata.Query{
		Kind:       metadata.KindNonLocal,
		Clusters:   clusters,
		HostColumn: column,
		Limit:      p.discoveryLimit,
		SQL: metadata.WithLimit(metadata.Render(queries.NonLocal, map[string]string{
			"host":    column,
			"cluster": metadata.Tuple(clusters),
		}), p.discoveryLimit),
	}
	rows, err = p.queryMetadata(ctx, server, q)
	if err != nil {
		p.seedFailed(server, q, err, res)
		return
	}
	for _, r := range rows {
		n, err := node.NewBuilder(server).
			Host(r.Host).Cluster(r.Cluster).Replica(r.Replica).Shard(r.Shard, r.Weight).
			RemoveOption(node.OptAutoDiscovery).Build()
		if err != nil {
			p.log.Warn("skipping member row", "row", r, "error", err)
			continue
		}
		res.observed.add(n)
		res.members.add(n)
	}
}

func (p *Pool) queryMetadata(ctx context.Context, server *node.Node, q metadata.Query) ([]metadata.Row, error) {
	ctx, end := tracing.StartSpan(ctx, "metadata.query",
		attribute.String("seed", server.BaseURI()), attribute.String("kind", q.Kind.String()))
	defer end()
	rows, err := p.meta.Query(ctx, server, q)
	if err != nil {
		tracing.Fail(ctx, err)
		return nil, failure.Discovery(server.BaseURI(), err)
	}
	return rows, nil
}

func (p *Pool) seedFailed(server *node.Node, q metadata.Query, err error, res *discovery) {
	p.log.Warn("discovery query failed", "seed", server.String(), "query", q.Kind.String(), "error", err)
	res.failed = true
	res.healthy.remove(server)
	if !res.obsolete.has(server) {
		res.faulty.add(server)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
