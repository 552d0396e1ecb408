// Package httpsource runs discovery queries over the HTTP interface.
package httpsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/amirimatin/go-nodepool/pkg/internal/logutil"
	"github.com/amirimatin/go-nodepool/pkg/metadata"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/security/tlsconfig"
)

// Format is the output format requested from the server.
const Format = "JSONCompactEachRow"

// Options configure a Source.
type Options struct {
	Logger hclog.Logger
	// Port is used for seeds that do not speak HTTP themselves. Zero means
	// the default HTTP port for the seed's TLS setting.
	Port int
	// Attempts bounds retries of transport errors and 5xx replies.
	Attempts int
	// Timeout caps one request when the context has no deadline.
	Timeout time.Duration
}

func (o *Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return errors.Newf("httpsource: invalid port %d", o.Port)
	}
	if o.Attempts < 0 {
		return errors.New("httpsource: attempts must be >= 0")
	}
	return nil
}

// Source posts the rendered SQL of each query to the seed.
type Source struct {
	opts Options
	log  hclog.Logger

	mu      sync.Mutex
	clients map[tlsconfig.Options]*http.Client
}

func New(opts Options) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Source{opts: opts, log: logutil.Or(opts.Logger, "metadata.http"), clients: map[tlsconfig.Options]*http.Client{}}, nil
}

// Query implements metadata.Source.
func (s *Source) Query(ctx context.Context, seed *node.Node, q metadata.Query) ([]metadata.Row, error) {
	httpc, err := s.client(seed)
	if err != nil {
		return nil, err
	}
	endpoint := s.Endpoint(seed)
	var lastErr error
	for attempt := 0; attempt < s.opts.Attempts; attempt++ {
		rows, retry, err := s.do(ctx, httpc, endpoint, seed, q.SQL)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !retry {
			break
		}
		s.log.Debug("metadata query failed, retrying", "endpoint", endpoint, "attempt", attempt+1, "error", err)
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return nil, errors.CombineErrors(ctx.Err(), lastErr)
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

// Endpoint is the URL queries against seed are posted to.
func (s *Source) Endpoint(seed *node.Node) string {
	secure := seed.IsSecure()
	port := seed.Port()
	if seed.Protocol() != node.ProtocolHTTP {
		switch {
		case s.opts.Port > 0:
			port = s.opts.Port
		case secure:
			port = node.ProtocolHTTP.DefaultSecurePort()
		default:
			port = node.ProtocolHTTP.DefaultPort()
		}
	}
	v := url.Values{}
	v.Set("database", seed.Database())
	v.Set("default_format", Format)
	return node.ProtocolHTTP.Scheme(secure) + "://" + net.JoinHostPort(seed.Host(), strconv.Itoa(port)) + "/?" + v.Encode()
}

func (s *Source) do(ctx context.Context, httpc *http.Client, endpoint string, seed *node.Node, sql string) ([]metadata.Row, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(sql))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c := seed.Credentials(); c != nil {
		req.Header.Set("X-ClickHouse-User", c.User)
		if c.Password != "" {
			req.Header.Set("X-ClickHouse-Key", c.Password)
		}
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, resp.StatusCode >= 500, errors.Newf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	rows, err := Decode(resp.Body)
	return rows, false, err
}

// Decode reads JSONCompactEachRow output: one JSON array per line.
func Decode(r io.Reader) ([]metadata.Row, error) {
	var rows []metadata.Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var vals []any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&vals); err != nil {
			return nil, errors.Wrapf(err, "decode line %d", line)
		}
		row, err := metadata.RowFromValues(vals)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

func (s *Source) client(seed *node.Node) (*http.Client, error) {
	o := tlsconfig.FromNode(seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[o]; ok {
		return c, nil
	}
	cfg, err := o.Client()
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: s.opts.Timeout, Transport: &http.Transport{TLSClientConfig: cfg}}
	s.clients[o] = c
	return c, nil
}

// Close drops idle connections.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.CloseIdleConnections()
	}
}
