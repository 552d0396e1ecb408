package dns

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-nodepool/pkg/discovery"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records or hostnames to resolve.
	// Examples: "_clickhouse._tcp.example.com" (SRV) or "ch.example.com" (A/AAAA).
	Names []string

	// Scheme is prefixed to every resolved entry ("grpc", "https", ...).
	// Empty leaves entries as host:port so the endpoint list decides.
	Scheme string

	// Port used when resolving A/AAAA records. Zero means the scheme's
	// default port.
	Port int

	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration

	// Resolver optionally overrides the DNS resolver used.
	Resolver *net.Resolver

	Logger hclog.Logger
}

type impl struct {
	opts  Options
	log   hclog.Logger
	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names
// and caches results for the Refresh duration.
func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = defaultPort(opts.Scheme)
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &impl{opts: opts, log: logutil.Or(opts.Logger, "discovery.dns")}
}

func defaultPort(scheme string) int {
	p, secure, ok := node.ParseScheme(scheme)
	if !ok {
		p = node.DefaultProtocol
	}
	if secure {
		return p.DefaultSecurePort()
	}
	return p.DefaultPort()
}

func (d *impl) Seeds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return slices.Clone(d.cache)
	}
	d.cache = d.resolveAll(context.Background())
	d.last = time.Now()
	return slices.Clone(d.cache)
}

func (d *impl) resolveAll(ctx context.Context) []string {
	var out []string
	add := func(hp string) {
		if d.opts.Scheme != "" {
			hp = d.opts.Scheme + "://" + hp
		}
		if !slices.Contains(out, hp) {
			out = append(out, hp)
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		// already host:port
		if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
			add(name)
			continue
		}
		if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
			if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
				for _, hp := range recs {
					add(hp)
				}
				continue
			}
		}
		for _, hp := range d.lookupHost(ctx, name, d.opts.Port) {
			add(hp)
		}
	}
	slices.Sort(out)
	return out
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		d.log.Debug("srv lookup failed", "name", fqdn, "error", err)
		return nil
	}
	var out []string
	for _, a := range addrs {
		host := strings.TrimSuffix(a.Target, ".")
		out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	}
	return out
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) []string {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		d.log.Debug("host lookup failed", "name", host, "error", err)
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return out
}

func parseSRVName(fqdn string) (service, proto, name string) {
	// _service._proto.name
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
