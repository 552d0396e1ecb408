package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-nodepool/pkg/bootstrap"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/pool"
)

// globals are the flags every pool command shares.
type globals struct {
	config    string
	endpoints string
	options   map[string]string
	metadata  string
	trace     bool
}

func (g *globals) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&g.config, "config", "", "config file (yaml, json or toml); NODEPOOL_* env vars override it")
	f.StringVar(&g.endpoints, "endpoints", "", "endpoint list, e.g. http://a,b:8124/db?load_balancing_policy=roundRobin")
	f.StringToStringVarP(&g.options, "option", "o", nil, "pool or node option key=value (repeatable)")
	f.StringVar(&g.metadata, "metadata", "", "metadata source: server|gossip|etcd|none")
	f.BoolVar(&g.trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
}

// runtime loads the config, applies flag overrides and returns the pool
// they describe.
func (g *globals) runtime(ctx context.Context) (*bootstrap.Runtime, *pool.Pool, error) {
	cfg, err := bootstrap.LoadConfig(g.config)
	if err != nil {
		return nil, nil, err
	}
	if g.endpoints != "" {
		cfg.Endpoints = g.endpoints
	}
	if len(g.options) > 0 {
		if cfg.Options == nil {
			cfg.Options = map[string]string{}
		}
		for k, v := range g.options {
			cfg.Options[k] = v
		}
	}
	if g.metadata != "" {
		cfg.Metadata.Kind = g.metadata
	}
	if g.trace {
		cfg.Trace = true
	}
	cfg.Logger = logutil.New("poolctl")
	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	p, err := rt.Pool()
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return rt, p, nil
}

// AddAll attaches the pool subcommands to root.
func AddAll(root *cobra.Command) {
	g := &globals{}
	g.register(root)
	root.AddCommand(newSelectCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newCheckCmd(g))
	root.AddCommand(newDiscoverCmd(g))
	root.AddCommand(newWatchCmd(g))
}

// NewPoolCommand returns a parent "pool" command holding every subcommand,
// for services that embed the CLI.
func NewPoolCommand() *cobra.Command {
	parent := &cobra.Command{Use: "pool", Short: "node pool commands"}
	AddAll(parent)
	return parent
}

// newSelectCmd returns the "select" command.
func newSelectCmd(g *globals) *cobra.Command {
	var (
		tags, protocols string
		check           bool
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select a node the way a request would",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			rt, p, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if check {
				p.Check(ctx)
			}
			sel, err := parseSelector(protocols, tags)
			if err != nil {
				return err
			}
			n, err := p.Select(sel)
			if err != nil {
				return fmt.Errorf("select: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.URI())
			return nil
		},
	}
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags the node must carry")
	cmd.Flags().StringVar(&protocols, "protocols", "", "comma-separated acceptable protocols (http,grpc,tcp,mysql,postgresql)")
	cmd.Flags().BoolVar(&check, "check", false, "run a health-check pass before selecting")
	return cmd
}

// newStatusCmd returns the "status" command.
func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print pool membership as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			rt, p, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return writeStatus(cmd.OutOrStdout(), p)
		},
	}
}

// newCheckCmd returns the "check" command.
func newCheckCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one health-check pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelT := context.WithTimeout(ctx, timeout)
			defer cancelT()
			rt, p, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			p.Check(ctx)
			return writeStatus(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

// newDiscoverCmd returns the "discover" command.
func newDiscoverCmd(g *globals) *cobra.Command {
	var (
		timeout time.Duration
		check   bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelT := context.WithTimeout(ctx, timeout)
			defer cancelT()
			rt, p, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			p.Discover(ctx)
			if check {
				p.Check(ctx)
			}
			return writeStatus(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	cmd.Flags().BoolVar(&check, "check", false, "health-check discovered nodes afterwards")
	return cmd
}

// newWatchCmd returns the "watch" command.
func newWatchCmd(g *globals) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run background maintenance and print membership events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			rt, p, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						rt.Log.Error("metrics server failed", "addr", metricsAddr, "error", err)
					}
				}()
				defer srv.Close()
			}

			evs := p.Subscribe(ctx)
			p.TriggerHealthCheck()
			p.TriggerDiscovery()
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s. Press Ctrl+C to exit.\n", p)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range evs {
				if err := enc.Encode(eventView(e)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func parseSelector(protocols, tags string) (node.Selector, error) {
	var ps []node.Protocol
	for _, s := range splitCSV(protocols) {
		p, ok := node.ParseProtocol(s)
		if !ok {
			return node.Selector{}, fmt.Errorf("unknown protocol %q", s)
		}
		ps = append(ps, p)
	}
	return node.NewSelector(ps, splitCSV(tags)), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type nodeView struct {
	URI      string   `json:"uri"`
	Protocol string   `json:"protocol"`
	Cluster  string   `json:"cluster,omitempty"`
	Shard    int      `json:"shard,omitempty"`
	Replica  int      `json:"replica,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type statusView struct {
	ID      string     `json:"id"`
	Policy  string     `json:"policy"`
	Healthy []nodeView `json:"healthy"`
	Faulty  []nodeView `json:"faulty"`
}

func nodesView(ns []*node.Node) []nodeView {
	out := make([]nodeView, 0, len(ns))
	for _, n := range ns {
		out = append(out, nodeView{
			URI:      n.URI(),
			Protocol: n.Protocol().String(),
			Cluster:  n.Cluster(),
			Shard:    n.Shard(),
			Replica:  n.Replica(),
			Tags:     n.Tags(),
		})
	}
	return out
}

func writeStatus(w io.Writer, p *pool.Pool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusView{
		ID:      p.ID(),
		Policy:  p.Policy().Name(),
		Healthy: nodesView(p.HealthyNodes()),
		Faulty:  nodesView(p.FaultyNodes()),
	})
}

type eventJSON struct {
	At      time.Time `json:"at"`
	Node    string    `json:"node"`
	Status  string    `json:"status"`
	Healthy int       `json:"healthy"`
	Faulty  int       `json:"faulty"`
}

func eventView(e pool.Event) eventJSON {
	return eventJSON{At: e.At, Node: e.Node.URI(), Status: e.Status.String(), Healthy: e.Healthy, Faulty: e.Faulty}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
