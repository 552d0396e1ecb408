// Package gossip publishes and reads cluster topology over memberlist.
//
// Every member advertises the topology rows it belongs to as its node
// metadata. Queries are answered from the union of all live members' rows.
package gossip

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Options configures a gossip Source.
type Options struct {
	// Name is the unique member name.
	Name string
	// Bind is host:port. Port 0 picks a free port.
	Bind string
	// Advertise is the host:port peers use to reach this member. Empty
	// derives it from Bind.
	Advertise string
	// Rows is the topology this member advertises. Rows with an empty
	// Address get the member's advertised IP.
	Rows   []metadata.Row
	Logger hclog.Logger

	// Zero keeps the memberlist LAN defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// Source is a memberlist member answering metadata queries.
type Source struct {
	opts Options
	log  hclog.Logger
	meta *nodeDelegate

	mu sync.RWMutex
	ml *memberlist.Memberlist
}

func New(opts Options) (*Source, error) {
	if opts.Name == "" {
		return nil, errors.New("gossip: empty member name")
	}
	if opts.Bind == "" {
		return nil, errors.New("gossip: empty bind address")
	}
	s := &Source{opts: opts, log: logutil.Or(opts.Logger, "metadata.gossip"), meta: &nodeDelegate{}}
	if err := s.meta.set(opts.Rows); err != nil {
		return nil, err
	}
	return s, nil
}

// Start creates the memberlist instance. It shuts down when ctx is done.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ml != nil {
		return nil
	}
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = s.opts.Name
	host, port, err := splitHostPort(s.opts.Bind)
	if err != nil {
		return errors.Wrapf(err, "gossip: bind %q", s.opts.Bind)
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if s.opts.Advertise != "" {
		host, port, err := splitHostPort(s.opts.Advertise)
		if err != nil {
			return errors.Wrapf(err, "gossip: advertise %q", s.opts.Advertise)
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = host, port
	}
	if s.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = s.opts.ProbeInterval
	}
	if s.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = s.opts.ProbeTimeout
	}
	if s.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = s.opts.SuspicionMult
	}
	cfg.Logger = logutil.Standard(s.log.Named("memberlist"))
	cfg.Events = &eventDelegate{log: s.log}
	cfg.Delegate = s.meta

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return errors.Wrap(err, "gossip: create memberlist")
	}
	s.ml = ml
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

func (s *Source) list() (*memberlist.Memberlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ml == nil {
		return nil, errors.New("gossip: not started")
	}
	return s.ml, nil
}

// Join contacts existing members. It returns the number reached.
func (s *Source) Join(peers []string) (int, error) {
	ml, err := s.list()
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		return 0, nil
	}
	return ml.Join(peers)
}

// LocalAddr is the host:port this member gossips on.
func (s *Source) LocalAddr() string {
	ml, err := s.list()
	if err != nil {
		return ""
	}
	n := ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members is the number of live members, this one included.
func (s *Source) Members() int {
	ml, err := s.list()
	if err != nil {
		return 0
	}
	return ml.NumMembers()
}

// Advertise replaces the rows this member publishes.
func (s *Source) Advertise(rows []metadata.Row) error {
	if err := s.meta.set(rows); err != nil {
		return err
	}
	ml, err := s.list()
	if err != nil {
		return nil
	}
	return ml.UpdateNode(time.Second)
}

// Rows is the topology currently known from all live members.
func (s *Source) Rows() []metadata.Row {
	ml, err := s.list()
	if err != nil {
		return nil
	}
	var out []metadata.Row
	for _, m := range ml.Members() {
		rows, err := decodeMeta(m.Meta)
		if err != nil {
			s.log.Warn("ignoring member metadata", "member", m.Name, "error", err)
			continue
		}
		for _, r := range rows {
			if r.Address == "" {
				r.Address = m.Addr.String()
			}
			if r.Host == "" {
				r.Host = r.Address
			}
			out = append(out, r)
		}
	}
	return out
}

// Query implements metadata.Source.
func (s *Source) Query(_ context.Context, seed *node.Node, q metadata.Query) ([]metadata.Row, error) {
	if _, err := s.list(); err != nil {
		return nil, err
	}
	return metadata.Filter(s.Rows(), seed.Host(), q), nil
}

// Leave broadcasts departure and waits up to timeout.
func (s *Source) Leave(timeout time.Duration) error {
	ml, err := s.list()
	if err != nil {
		return nil
	}
	return ml.Leave(timeout)
}

// Stop shuts memberlist down. It is safe to call more than once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ml == nil {
		return nil
	}
	err := s.ml.Shutdown()
	s.ml = nil
	return err
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.Newf("invalid port %q", ps)
	}
	return host, port, nil
}

// Rows travel as compact arrays to stay under memberlist.MetaMaxSize.
func encodeMeta(rows []metadata.Row) ([]byte, error) {
	vals := make([][]any, len(rows))
	for i, r := range rows {
		vals[i] = []any{r.Cluster, r.Address, r.Host, r.Replica, r.Shard, r.Weight}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	if len(b) > memberlist.MetaMaxSize {
		return nil, errors.Newf("gossip: %d rows encode to %d bytes, limit is %d", len(rows), len(b), memberlist.MetaMaxSize)
	}
	return b, nil
}

func decodeMeta(b []byte) ([]metadata.Row, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var vals [][]any
	if err := json.Unmarshal(b, &vals); err != nil {
		return nil, err
	}
	rows := make([]metadata.Row, 0, len(vals))
	for _, v := range vals {
		r, err := metadata.RowFromValues(v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

type nodeDelegate struct {
	mu   sync.RWMutex
	meta []byte
}

func (d *nodeDelegate) set(rows []metadata.Row) error {
	b, err := encodeMeta(rows)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.meta = b
	d.mu.Unlock()
	return nil
}

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}

type eventDelegate struct{ log hclog.Logger }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	d.log.Debug("member joined", "member", n.Name, "addr", n.Address())
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	d.log.Info("member left", "member", n.Name, "addr", n.Address())
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	d.log.Debug("member updated", "member", n.Name)
}
