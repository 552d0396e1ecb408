// Package etcdsource reads cluster topology published as JSON rows under an
// etcd key prefix.
package etcdsource

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// DefaultPrefix is used when Options.Prefix is empty.
const DefaultPrefix = "/nodepool/topology/"

// Options configures a Source backed by a new etcd client.
type Options struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string
	Logger      hclog.Logger
}

func (o *Options) Validate() error {
	if len(o.Endpoints) == 0 {
		return errors.New("etcdsource: no endpoints")
	}
	return nil
}

// Source keeps one key per member; each value is a JSON array of rows.
type Source struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	client *clientv3.Client
	prefix string
	log    hclog.Logger
}

func New(opts Options) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcdsource: create client")
	}
	s := NewFromKV(c.KV, opts.Prefix, opts.Logger)
	s.lease, s.client = c.Lease, c
	return s, nil
}

// NewFromKV wraps an existing KV. Published rows never expire.
func NewFromKV(kv clientv3.KV, prefix string, log hclog.Logger) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Source{kv: kv, prefix: prefix, log: logutil.Or(log, "metadata.etcd")}
}

// Prefix is the key prefix rows live under.
func (s *Source) Prefix() string { return s.prefix }

// Publish stores the rows of member. A positive ttl attaches a lease so
// the rows vanish when the member stops refreshing them.
func (s *Source) Publish(ctx context.Context, member string, rows []metadata.Row, ttl time.Duration) error {
	if member == "" {
		return errors.New("etcdsource: empty member")
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	var opts []clientv3.OpOption
	if ttl > 0 && s.lease != nil {
		l, err := s.lease.Grant(ctx, int64(max(ttl/time.Second, 1)))
		if err != nil {
			return errors.Wrap(err, "etcdsource: grant lease")
		}
		opts = append(opts, clientv3.WithLease(l.ID))
	}
	if _, err := s.kv.Put(ctx, s.prefix+member, string(b), opts...); err != nil {
		return errors.Wrapf(err, "etcdsource: publish %s", member)
	}
	return nil
}

// Withdraw removes the rows of member.
func (s *Source) Withdraw(ctx context.Context, member string) error {
	_, err := s.kv.Delete(ctx, s.prefix+member)
	return errors.Wrapf(err, "etcdsource: withdraw %s", member)
}

// Rows lists every published row. Undecodable values are skipped.
func (s *Source) Rows(ctx context.Context) ([]metadata.Row, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrap(err, "etcdsource: list")
	}
	var out []metadata.Row
	for _, kv := range resp.Kvs {
		var rows []metadata.Row
		if err := json.Unmarshal(kv.Value, &rows); err != nil {
			s.log.Warn("ignoring topology entry", "key", string(kv.Key), "error", err)
			continue
		}
		for _, r := range rows {
			if r.Host == "" {
				r.Host = r.Address
			}
			out = append(out, r)
		}
	}
	s.log.Trace("topology listed", "prefix", s.prefix, "keys", len(resp.Kvs), "rows", len(out))
	return out, nil
}

// Query implements metadata.Source.
func (s *Source) Query(ctx context.Context, seed *node.Node, q metadata.Query) ([]metadata.Row, error) {
	rows, err := s.Rows(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.Filter(rows, seed.Host(), q), nil
}

// Close releases the client created by New.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
