// Package probe answers two questions about a server endpoint: which
// protocol a wildcard endpoint speaks, and whether an endpoint is alive.
package probe

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/observability/tracing"
	"github.com/amirimatin/go-nodepool/pkg/security/tlsconfig"
)

// Pinger performs a liveness check against one protocol.
type Pinger interface {
	Ping(ctx context.Context, n *node.Node) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, n *node.Node) error

func (f PingerFunc) Ping(ctx context.Context, n *node.Node) error { return f(ctx, n) }

// Dialer opens raw connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure a Multi.
type Options struct {
	Logger hclog.Logger
	// Dialer is used for sniffing and TCP pings.
	Dialer Dialer
	// GRPCConnTTL is how long idle gRPC probe connections stay cached.
	GRPCConnTTL time.Duration
	// Pingers replace the built-in check for a protocol.
	Pingers map[node.Protocol]Pinger
}

// Multi resolves and pings nodes of every protocol.
type Multi struct {
	log     hclog.Logger
	dialer  Dialer
	grpc    *ConnManager
	pingers map[node.Protocol]Pinger

	mu         sync.Mutex
	tlsConfigs map[tlsconfig.Options]*tls.Config
	transports map[tlsconfig.Options]*http.Transport
}

func New(opts Options) *Multi {
	m := &Multi{
		log:        logutil.Or(opts.Logger, "probe"),
		dialer:     opts.Dialer,
		grpc:       NewConnManager(opts.GRPCConnTTL),
		pingers:    map[node.Protocol]Pinger{},
		tlsConfigs: map[tlsconfig.Options]*tls.Config{},
		transports: map[tlsconfig.Options]*http.Transport{},
	}
	if m.dialer == nil {
		m.dialer = &net.Dialer{KeepAlive: -1}
	}
	m.pingers[node.ProtocolHTTP] = PingerFunc(m.pingHTTP)
	m.pingers[node.ProtocolGRPC] = PingerFunc(m.pingGRPC)
	m.pingers[node.ProtocolTCP] = PingerFunc(m.pingTCP)
	m.pingers[node.ProtocolMySQL] = PingerFunc(m.pingMySQL)
	m.pingers[node.ProtocolPostgreSQL] = PingerFunc(m.pingPostgres)
	for p, pg := range opts.Pingers {
		m.pingers[p] = pg
	}
	return m
}

// Ping checks that n answers. Wildcard nodes are resolved first.
func (m *Multi) Ping(ctx context.Context, n *node.Node) (err error) {
	if n.Protocol() == node.ProtocolAny {
		if n, err = m.Resolve(ctx, n); err != nil {
			return err
		}
	}
	proto := n.Protocol().String()
	ctx, end := tracing.StartSpan(ctx, "probe.ping",
		attribute.String("endpoint", n.BaseURI()), attribute.String("protocol", proto))
	defer end()
	ctx, cancel := withConnectTimeout(ctx, n)
	defer cancel()

	start := time.Now()
	pg, ok := m.pingers[n.Protocol()]
	if !ok {
		err = failure.Configuration("no pinger for protocol %s", proto)
	} else {
		err = pg.Ping(ctx, n)
	}
	metrics.ProbeDuration.WithLabelValues(proto).Observe(time.Since(start).Seconds())
	metrics.Probes.WithLabelValues(proto, metrics.Result(err)).Inc()
	if err != nil {
		tracing.Fail(ctx, err)
		m.log.Trace("ping failed", "node", n.String(), "error", err)
	}
	return err
}

// Close releases cached connections.
func (m *Multi) Close() error {
	m.grpc.Close()
	m.mu.Lock()
	for _, t := range m.transports {
		t.CloseIdleConnections()
	}
	m.mu.Unlock()
	return nil
}

// tlsFor returns the client TLS settings for n, or nil when n is plain.
func (m *Multi) tlsFor(n *node.Node) (*tls.Config, error) {
	o := tlsconfig.FromNode(n)
	if !o.Enable {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.tlsConfigs[o]; ok {
		return cfg, nil
	}
	cfg, err := o.ClientHotReload()
	if err != nil {
		return nil, failure.Configuration("tls for %s: %v", n.BaseURI(), err)
	}
	m.tlsConfigs[o] = cfg
	return cfg, nil
}

func (m *Multi) transportFor(n *node.Node) (*http.Transport, error) {
	cfg, err := m.tlsFor(n)
	if err != nil {
		return nil, err
	}
	o := tlsconfig.FromNode(n)
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transports[o]; ok {
		return t, nil
	}
	t := &http.Transport{
		DialContext:         m.dialer.DialContext,
		TLSClientConfig:     cfg,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
	}
	m.transports[o] = t
	return t, nil
}

func withConnectTimeout(ctx context.Context, n *node.Node) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	d := n.Config().ConnectTimeout
	if d <= 0 {
		d = node.DefaultConfig().ConnectTimeout
	}
	return context.WithTimeout(ctx, d)
}
