package pool

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/probe"
)

// Prober checks nodes on behalf of the pool's maintenance passes.
type Prober interface {
	// Resolve turns a wildcard-protocol node into a concrete one. Nodes
	// with a known protocol are returned unchanged.
	Resolve(ctx context.Context, n *node.Node) (*node.Node, error)
	// Ping performs a minimal liveness check.
	Ping(ctx context.Context, n *node.Node) error
}

// Options configure a Pool. Everything the template's options say about
// the pool (policy name, tags, intervals, group size) is read from the
// template node instead.
type Options struct {
	// Policies resolves the template's load_balancing_policy. When nil a
	// registry without a scheduler is used, so no background maintenance
	// runs.
	Policies *Policies
	// Policy, when set, wins over the template's policy name.
	Policy Policy
	// Prober defaults to probe.New with the pool's logger. A default
	// prober is closed by Shutdown; a supplied one is left to the caller.
	Prober Prober
	// Metadata answers discovery queries. Discovery is skipped when nil.
	Metadata metadata.Source
	Logger   hclog.Logger
	// Now is the clock used for recheck stamps. Defaults to time.Now.
	Now func() time.Time
	// ProbeConcurrency bounds parallel probes per pass. Defaults to 8.
	ProbeConcurrency int
	// RetryInitial and RetryMax bound the backoff used to retry failed
	// health checks when no periodic health check is configured.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (o *Options) Validate() error {
	if o.ProbeConcurrency < 0 {
		return failure.Configuration("pool: probe concurrency must be >= 0")
	}
	if o.RetryInitial < 0 || o.RetryMax < 0 {
		return failure.Configuration("pool: retry bounds must be >= 0")
	}
	if o.RetryInitial > 0 && o.RetryMax > 0 && o.RetryMax < o.RetryInitial {
		return failure.Configuration("pool: retry max %s is below retry initial %s", o.RetryMax, o.RetryInitial)
	}
	return nil
}

func (o *Options) withDefaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ProbeConcurrency == 0 {
		o.ProbeConcurrency = 8
	}
	if o.RetryInitial == 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax == 0 {
		o.RetryMax = time.Minute
	}
}

// ownProber fills in the default prober and returns it so the pool can
// close it. It returns nil when the caller supplied one.
func (o *Options) ownProber() io.Closer {
	if o.Prober != nil {
		return nil
	}
	m := probe.New(probe.Options{Logger: o.Logger})
	o.Prober = m
	return m
}
