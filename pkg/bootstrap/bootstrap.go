// Package bootstrap assembles a pool runtime from a configuration file so
// services and the CLI share one wiring path.
package bootstrap

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"

	"github.com/amirimatin/go-nodepool/pkg/discovery"
	dDNS "github.com/amirimatin/go-nodepool/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-nodepool/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-nodepool/pkg/discovery/static"
	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/metadata/etcdsource"
	"github.com/amirimatin/go-nodepool/pkg/metadata/gossip"
	"github.com/amirimatin/go-nodepool/pkg/metadata/httpsource"
	"github.com/amirimatin/go-nodepool/pkg/metadata/sqlsource"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/metrics"
	"github.com/amirimatin/go-nodepool/pkg/observability/tracing"
	"github.com/amirimatin/go-nodepool/pkg/pool"
	"github.com/amirimatin/go-nodepool/pkg/probe"
	"github.com/amirimatin/go-nodepool/pkg/schedule"
)

// EnvPrefix prefixes environment overrides: NODEPOOL_DISCOVERY_SEEDS
// overrides discovery.seeds.
const EnvPrefix = "NODEPOOL"

// Config is the process-level configuration.
type Config struct {
	// Endpoints is a pool endpoint list. When empty it is built from
	// Discovery seeds.
	Endpoints string `mapstructure:"endpoints"`
	// Options are pool and node options applied to every endpoint.
	Options   map[string]string `mapstructure:"options"`
	Discovery DiscoveryConfig   `mapstructure:"discovery"`
	Metadata  MetadataConfig    `mapstructure:"metadata"`

	// Workers caps concurrently running maintenance tasks.
	Workers     int           `mapstructure:"workers"`
	GRPCConnTTL time.Duration `mapstructure:"grpc_conn_ttl"`
	Trace       bool          `mapstructure:"trace"`
	LogJSON     bool          `mapstructure:"log_json"`

	Logger hclog.Logger `mapstructure:"-"`
}

// DiscoveryConfig selects where seed entries come from.
type DiscoveryConfig struct {
	Kind     string        `mapstructure:"kind"` // static (default), dns or file
	Seeds    string        `mapstructure:"seeds"`
	DNSNames string        `mapstructure:"dns_names"`
	Scheme   string        `mapstructure:"scheme"`
	Port     int           `mapstructure:"port"`
	FilePath string        `mapstructure:"file_path"`
	FileEnv  string        `mapstructure:"file_env"`
	Refresh  time.Duration `mapstructure:"refresh"`
	// Suffix is appended to the joined seeds: /database?options#tags.
	Suffix string `mapstructure:"suffix"`
}

// MetadataConfig selects the topology source used by discovery.
type MetadataConfig struct {
	// Kind is server (default: query the seed over HTTP or its SQL
	// interface), gossip, etcd or none.
	Kind     string        `mapstructure:"kind"`
	HTTPPort int           `mapstructure:"http_port"`
	Attempts int           `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Gossip   GossipConfig  `mapstructure:"gossip"`
	Etcd     EtcdConfig    `mapstructure:"etcd"`
}

type GossipConfig struct {
	Name      string   `mapstructure:"name"`
	Bind      string   `mapstructure:"bind"`
	Advertise string   `mapstructure:"advertise"`
	Join      []string `mapstructure:"join"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

const (
	MetadataServer = "server"
	MetadataGossip = "gossip"
	MetadataEtcd   = "etcd"
	MetadataNone   = "none"
)

var (
	discoveryKinds = []string{"", "static", "dns", "file"}
	metadataKinds  = []string{"", MetadataServer, MetadataGossip, MetadataEtcd, MetadataNone}
)

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoints) == "" && (c.Discovery.Kind == "static" || c.Discovery.Kind == "") && strings.TrimSpace(c.Discovery.Seeds) == "" {
		return failure.Configuration("bootstrap: neither endpoints nor discovery seeds are configured")
	}
	if !slices.Contains(discoveryKinds, c.Discovery.Kind) {
		return failure.Configuration("bootstrap: unknown discovery kind %q", c.Discovery.Kind)
	}
	if !slices.Contains(metadataKinds, c.Metadata.Kind) {
		return failure.Configuration("bootstrap: unknown metadata kind %q", c.Metadata.Kind)
	}
	if c.Workers < 0 {
		return failure.Configuration("bootstrap: workers must be >= 0")
	}
	switch c.Metadata.Kind {
	case MetadataGossip:
		if c.Metadata.Gossip.Name == "" || c.Metadata.Gossip.Bind == "" {
			return failure.Configuration("bootstrap: gossip metadata needs name and bind")
		}
	case MetadataEtcd:
		if len(c.Metadata.Etcd.Endpoints) == 0 {
			return failure.Configuration("bootstrap: etcd metadata needs endpoints")
		}
	}
	return nil
}

// Defaults registers every key with v so environment overrides apply to
// keys missing from the file.
func Defaults(v *viper.Viper) {
	v.SetDefault("endpoints", "")
	v.SetDefault("options", map[string]string{})
	v.SetDefault("workers", 4)
	v.SetDefault("grpc_conn_ttl", 5*time.Minute)
	v.SetDefault("trace", false)
	v.SetDefault("log_json", false)

	v.SetDefault("discovery.kind", "static")
	v.SetDefault("discovery.seeds", "")
	v.SetDefault("discovery.dns_names", "")
	v.SetDefault("discovery.scheme", "")
	v.SetDefault("discovery.port", 0)
	v.SetDefault("discovery.file_path", "")
	v.SetDefault("discovery.file_env", "")
	v.SetDefault("discovery.refresh", 5*time.Second)
	v.SetDefault("discovery.suffix", "")

	v.SetDefault("metadata.kind", MetadataServer)
	v.SetDefault("metadata.http_port", 0)
	v.SetDefault("metadata.attempts", 3)
	v.SetDefault("metadata.timeout", 30*time.Second)
	v.SetDefault("metadata.gossip.name", "")
	v.SetDefault("metadata.gossip.bind", "")
	v.SetDefault("metadata.gossip.advertise", "")
	v.SetDefault("metadata.gossip.join", []string{})
	v.SetDefault("metadata.etcd.endpoints", []string{})
	v.SetDefault("metadata.etcd.prefix", etcdsource.DefaultPrefix)
	v.SetDefault("metadata.etcd.username", "")
	v.SetDefault("metadata.etcd.password", "")
	v.SetDefault("metadata.etcd.dial_timeout", 5*time.Second)
}

// LoadConfig reads path (YAML, JSON or TOML by extension) and applies
// NODEPOOL_* environment overrides. An empty path uses defaults and the
// environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "bootstrap: read config %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "bootstrap: decode config")
	}
	return cfg, nil
}

// NewDiscovery builds the seed supplier selected by c.
func NewDiscovery(c DiscoveryConfig, log hclog.Logger) (discovery.Discovery, error) {
	switch c.Kind {
	case "dns":
		return dDNS.New(dDNS.Options{
			Names:   dStatic.Parse(c.DNSNames),
			Scheme:  c.Scheme,
			Port:    c.Port,
			Refresh: c.Refresh,
			Logger:  log,
		}), nil
	case "file":
		return dFile.New(dFile.Options{Path: c.FilePath, Env: c.FileEnv, Refresh: c.Refresh}), nil
	case "static", "":
		return dStatic.New(dStatic.Parse(c.Seeds)...), nil
	default:
		return nil, failure.Configuration("bootstrap: unknown discovery kind %q", c.Kind)
	}
}

// Runtime owns the shared collaborators of every pool in the process.
type Runtime struct {
	Config    Config
	Log       hclog.Logger
	Executor  *schedule.Executor
	Prober    *probe.Multi
	Metadata  metadata.Source
	Registry  *pool.Registry
	Discovery discovery.Discovery
	Gossip    *gossip.Source

	closers []func() error
}

// Build assembles a Runtime. Background work stops when ctx is done or
// Close is called.
func Build(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogJSON {
		logutil.SetJSON(true)
	}
	log := logutil.Or(cfg.Logger, "bootstrap")
	metrics.Register()

	rt := &Runtime{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if cfg.Trace {
		shutdown, err := tracing.Setup(true)
		if err != nil {
			log.Warn("tracing setup failed", "error", err)
		} else {
			rt.closers = append(rt.closers, func() error { return shutdown(context.Background()) })
		}
	}

	exec, err := schedule.New(schedule.Options{Workers: cfg.Workers, Logger: log.Named("schedule")})
	if err != nil {
		return nil, err
	}
	rt.Executor = exec
	rt.closers = append(rt.closers, exec.Close)

	rt.Prober = probe.New(probe.Options{Logger: log.Named("probe"), GRPCConnTTL: cfg.GRPCConnTTL})
	rt.closers = append(rt.closers, rt.Prober.Close)

	if rt.Metadata, err = rt.buildMetadata(ctx); err != nil {
		return nil, err
	}
	if rt.Discovery, err = NewDiscovery(cfg.Discovery, log.Named("discovery")); err != nil {
		return nil, err
	}

	rt.Registry = pool.NewRegistry(pool.RegistryOptions{
		Scheduler: exec,
		Prober:    rt.Prober,
		Metadata:  rt.Metadata,
		Logger:    log,
	})
	// pools first so their tasks stop before the executor closes
	rt.closers = append(rt.closers, func() error { rt.Registry.Close(); return nil })
	ok = true
	return rt, nil
}

func (rt *Runtime) buildMetadata(ctx context.Context) (metadata.Source, error) {
	mc := rt.Config.Metadata
	switch mc.Kind {
	case MetadataNone:
		return nil, nil
	case MetadataGossip:
		g, err := gossip.New(gossip.Options{
			Name:      mc.Gossip.Name,
			Bind:      mc.Gossip.Bind,
			Advertise: mc.Gossip.Advertise,
			Logger:    rt.Log.Named("gossip"),
		})
		if err != nil {
			return nil, err
		}
		if err := g.Start(ctx); err != nil {
			return nil, err
		}
		rt.Gossip = g
		rt.closers = append(rt.closers, g.Stop)
		if n, err := g.Join(mc.Gossip.Join); err != nil {
			rt.Log.Warn("gossip join failed", "peers", mc.Gossip.Join, "error", err)
		} else if n > 0 {
			rt.Log.Info("gossip joined", "reached", n)
		}
		return g, nil
	case MetadataEtcd:
		e, err := etcdsource.New(etcdsource.Options{
			Endpoints:   mc.Etcd.Endpoints,
			DialTimeout: mc.Etcd.DialTimeout,
			Username:    mc.Etcd.Username,
			Password:    mc.Etcd.Password,
			Prefix:      mc.Etcd.Prefix,
			Logger:      rt.Log.Named("etcd"),
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, e.Close)
		return e, nil
	default:
		hs, err := httpsource.New(httpsource.Options{
			Logger:   rt.Log.Named("metadata"),
			Port:     mc.HTTPPort,
			Attempts: mc.Attempts,
			Timeout:  mc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { hs.Close(); return nil })
		ss := sqlsource.New(rt.Prober, rt.Log.Named("metadata"))
		routes := map[node.Protocol]metadata.Source{}
		for _, p := range ss.Protocols() {
			routes[p] = ss
		}
		return metadata.NewRouter(hs, routes), nil
	}
}

// Endpoints is the configured endpoint list, or one joined from the
// current discovery seeds.
func (rt *Runtime) Endpoints() (string, error) {
	if e := strings.TrimSpace(rt.Config.Endpoints); e != "" {
		return e, nil
	}
	seeds := rt.Discovery.Seeds()
	if len(seeds) == 0 {
		return "", failure.Configuration("bootstrap: discovery returned no seeds")
	}
	return discovery.Join(seeds, rt.Config.Discovery.Suffix), nil
}

// Pool returns the registry's pool for the configured endpoints.
func (rt *Runtime) Pool() (*pool.Pool, error) {
	e, err := rt.Endpoints()
	if err != nil {
		return nil, err
	}
	return rt.Registry.Get(e, rt.Config.Options)
}

// Close releases everything in reverse construction order.
func (rt *Runtime) Close() error {
	var errs error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errs
}
