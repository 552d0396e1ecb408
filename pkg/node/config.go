package node

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/amirimatin/go-nodepool/pkg/failure"
)

// Option keys understood by nodes and pools.
const (
	OptAutoDiscovery       = "auto_discovery"
	OptCheckInterval       = "node_check_interval"
	OptGroupSize           = "node_group_size"
	OptDiscoveryInterval   = "node_discovery_interval"
	OptDiscoveryLimit      = "node_discovery_limit"
	OptHealthCheckInterval = "health_check_interval"
	OptCheckAllNodes       = "check_all_nodes"
	OptPolicy              = "load_balancing_policy"
	OptTags                = "load_balancing_tags"
	OptFailover            = "failover"
	OptConnectTimeout      = "connect_timeout"
	OptSocketTimeout       = "socket_timeout"
	OptSSL                 = "ssl"
	OptSSLMode             = "sslmode"

	OptCluster     = "cluster"
	OptReplica     = "replica_num"
	OptShard       = "shard_num"
	OptShardWeight = "shard_weight"
	OptWeight      = "weight"
	OptDatabase    = "database"
	OptUser        = "user"
	OptPassword    = "password"
)

// PoolKeys are options that configure the pool as a whole. They are read
// from the template node only.
var PoolKeys = []string{
	OptPolicy, OptTags, OptFailover, OptDiscoveryInterval, OptDiscoveryLimit,
	OptHealthCheckInterval, OptGroupSize, OptCheckAllNodes,
}

// Config is the typed view of a node's options. Durations given as bare
// integers are milliseconds.
type Config struct {
	AutoDiscovery       bool          `mapstructure:"auto_discovery"`
	CheckInterval       time.Duration `mapstructure:"node_check_interval"`
	GroupSize           int           `mapstructure:"node_group_size"`
	DiscoveryInterval   time.Duration `mapstructure:"node_discovery_interval"`
	DiscoveryLimit      int           `mapstructure:"node_discovery_limit"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	CheckAllNodes       bool          `mapstructure:"check_all_nodes"`
	Policy              string        `mapstructure:"load_balancing_policy"`
	Tags                string        `mapstructure:"load_balancing_tags"`
	Failover            int           `mapstructure:"failover"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	SocketTimeout       time.Duration `mapstructure:"socket_timeout"`
	SSL                 bool          `mapstructure:"ssl"`
	SSLMode             string        `mapstructure:"sslmode"`
	SSLRootCert         string        `mapstructure:"sslrootcert"`
	SSLCert             string        `mapstructure:"sslcert"`
	SSLKey              string        `mapstructure:"sslkey"`
}

// DefaultConfig returns the values used for options that are not set.
func DefaultConfig() Config {
	return Config{
		GroupSize:      50,
		DiscoveryLimit: 100,
		ConnectTimeout: 5 * time.Second,
		SocketTimeout:  30 * time.Second,
		SSLMode:        "strict",
	}
}

// PreferredTags splits the load-balancing tag list.
func (c Config) PreferredTags() []string { return SplitList(c.Tags) }

// DecodeConfig overlays opts on DefaultConfig. Unknown keys are ignored.
func DecodeConfig(opts map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if len(opts) == 0 {
		return cfg, nil
	}
	in := make(map[string]any, len(opts))
	for k, v := range opts {
		in[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(millisHook),
	})
	if err != nil {
		return cfg, failure.Configuration("options decoder: %v", err)
	}
	if err := dec.Decode(in); err != nil {
		return cfg, failure.Configuration("invalid options: %v", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func millisHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Duration(0), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// SplitList splits a comma or whitespace separated list, dropping blanks.
func SplitList(s string) []string {
	f := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(f) == 0 {
		return nil
	}
	return f
}
