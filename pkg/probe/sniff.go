package probe

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/node"
	"github.com/amirimatin/go-nodepool/pkg/observability/tracing"
)

const sniffRequest = "GET /ping HTTP/1.1\r\n\r\n"

// sniffLen covers "HTTP/1.x nnn".
const sniffLen = 12

// Resolve works out which protocol a wildcard node speaks and returns a
// copy of n using it. Nodes with a known protocol are returned as is.
// Only a failed dial is an error; a server that accepts the connection
// but answers in an unknown way is taken to be HTTP.
func (m *Multi) Resolve(ctx context.Context, n *node.Node) (*node.Node, error) {
	if n.Protocol() != node.ProtocolAny {
		return n, nil
	}
	ctx, end := tracing.StartSpan(ctx, "probe.resolve", attribute.String("endpoint", n.Address()))
	defer end()
	ctx, cancel := withConnectTimeout(ctx, n)
	defer cancel()

	p, err := m.sniff(ctx, n)
	if err != nil {
		tracing.Fail(ctx, err)
		return nil, failure.Probe(n.BaseURI(), err)
	}
	m.log.Debug("protocol resolved", "node", n.String(), "protocol", p.String())
	return node.NewBuilder(n).Protocol(p).Build()
}

func (m *Multi) sniff(ctx context.Context, n *node.Node) (node.Protocol, error) {
	conn, err := m.dialer.DialContext(ctx, "tcp", n.Address())
	if err != nil {
		return node.ProtocolAny, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	secure := n.IsSecure()
	if secure {
		cfg, err := m.tlsFor(n)
		if err != nil {
			return node.ProtocolAny, err
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			// MySQL has no TLS listener and PostgreSQL never answers.
			m.log.Debug("tls handshake failed while sniffing", "node", n.String(), "error", err)
			return node.ProtocolHTTP, nil
		}
		conn = tc
	}

	if _, err := io.WriteString(conn, sniffRequest); err != nil {
		m.log.Debug("sniff write failed", "node", n.String(), "error", err)
		return node.ProtocolHTTP, nil
	}
	buf := make([]byte, sniffLen)
	read, err := io.ReadFull(conn, buf)
	if err != nil && read == 0 {
		m.log.Debug("no sniff response", "node", n.String(), "error", err)
	}
	return classify(buf[:read], secure, errors.Is(err, io.EOF)), nil
}

// classify maps the first bytes a server sends back after sniffRequest to
// a protocol. gRPC servers answer with an HTTP/2 frame header, MySQL with
// a packet whose length fits in three bytes, and the native TCP port with
// "HTTP/1.0 400". Over TLS a gRPC server closes the connection without a
// reply, so eof reports whether the read ended that way.
func classify(b []byte, secure, eof bool) node.Protocol {
	if secure {
		switch {
		case len(b) == 0 && eof:
			return node.ProtocolGRPC
		case len(b) > 9 && b[0] == 'H' && b[9] == '4':
			return node.ProtocolTCP
		}
		return node.ProtocolHTTP
	}
	switch {
	case len(b) == sniffLen && b[0] == 0:
		return node.ProtocolGRPC
	case len(b) > 3 && b[0] != 0 && b[3] == 0:
		return node.ProtocolMySQL
	case len(b) > 9 && b[0] == 'H' && b[9] == '4':
		return node.ProtocolTCP
	}
	return node.ProtocolHTTP
}

func (m *Multi) pingTCP(ctx context.Context, n *node.Node) error {
	conn, err := m.dialer.DialContext(ctx, "tcp", n.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}
