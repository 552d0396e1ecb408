package pool

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/observability/tracing"
)

// Check runs one health-check pass. It returns at once when another pass
// is still taking its snapshot. Probes run without the pool lock, at most
// ProbeConcurrency at a time, and report their verdicts through
// ReportStatus.
func (p *Pool) Check(ctx context.Context) {
	if !p.checking.CompareAndSwap(false, true) {
		return
	}
	now := p.now()
	p.mu.RLock()
	candidates := p.stale(p.faulty, nil, now)
	faultyCount := len(candidates)
	if p.checkAll {
		candidates = p.stale(p.healthy, candidates, now)
	}
	p.mu.RUnlock()
	p.checking.Store(false)

	var failed atomic.Bool
	if len(candidates) > 0 {
		var end func()
		ctx, end = tracing.StartSpan(ctx, "pool.check",
			attribute.String("pool", p.id), attribute.Int("candidates", len(candidates)))
		defer end()
		metrics.HealthChecks.Inc()

		var g errgroup.Group
		g.SetLimit(p.probeLimit)
		for i, n := range candidates {
			wasFaulty := i < faultyCount
			g.Go(func() error {
				if !p.checkNode(ctx, n, wasFaulty) {
					failed.Store(true)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if failed.Load() || p.checkAll {
		p.TriggerHealthCheck()
	}
	p.afterCheck(failed.Load())
}

// stale appends to dst the nodes of src that match the pool selector and
// are due for a recheck, stopping once dst holds groupSize nodes.
func (p *Pool) stale(src, dst []*node.Node, now time.Time) []*node.Node {
	for _, n := range src {
		if p.groupSize > 0 && len(dst) >= p.groupSize {
			break
		}
		if !p.selector.Matches(n) {
			continue
		}
		if p.checkInterval <= 0 || now.Sub(p.checked[n.Key()]) >= p.checkInterval {
			dst = append(dst, n)
		}
	}
	return dst
}

// checkNode probes one candidate and reports whether it is alive. A node
// whose probe resolves it to a different endpoint is replaced and gets the
// verdict directly; otherwise only transitions out of the candidate's
// snapshot list are reported.
func (p *Pool) checkNode(ctx context.Context, n *node.Node, wasFaulty bool) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("probe panicked", "node", n.String(), "panic", r)
			alive = false
			if !wasFaulty {
				p.ReportStatus(n, node.StatusFaulty)
			}
		}
	}()

	target, err := p.probe(ctx, n)
	alive = err == nil
	if !alive {
		p.log.Warn("probe failed", "node", target.String(), "error", err)
	}
	if !target.Equal(n) {
		p.log.Info("node resolved", "from", n.String(), "to", target.String())
		p.replace(n, target)
		if alive {
			p.ReportStatus(target, node.StatusHealthy)
		} else {
			p.ReportStatus(target, node.StatusFaulty)
		}
		return alive
	}
	switch {
	case alive && wasFaulty:
		p.ReportStatus(n, node.StatusHealthy)
	case !alive && !wasFaulty:
		p.ReportStatus(n, node.StatusFaulty)
	}
	return alive
}

// probe resolves a wildcard node and pings the result, bounded by the
// node's connect timeout.
func (p *Pool) probe(ctx context.Context, n *node.Node) (*node.Node, error) {
	timeout := n.Config().ConnectTimeout
	if timeout <= 0 {
		timeout = node.DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := n
	if n.Protocol() == node.ProtocolAny {
		r, err := p.prober.Resolve(ctx, n)
		if err != nil {
			return n, failure.Probe(n.BaseURI(), err)
		}
		if r != nil {
			target = r
		}
	}
	if err := p.prober.Ping(ctx, target); err != nil {
		return target, failure.Probe(target.BaseURI(), err)
	}
	return target, nil
}
