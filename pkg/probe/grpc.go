package probe

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// pingGRPC runs the standard health check. Servers without the health
// service are alive as far as the transport is concerned.
func (m *Multi) pingGRPC(ctx context.Context, n *node.Node) error {
	key := n.BaseURI()
	cc, release, err := m.grpc.Get(ctx, key, func(context.Context) (*grpc.ClientConn, error) {
		return m.dialGRPC(n)
	})
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
	release()
	switch {
	case status.Code(err) == codes.Unimplemented:
		return nil
	case err != nil:
		m.grpc.Evict(key)
		return err
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		return errors.Newf("grpc health %s: %s", n.BaseURI(), resp.GetStatus())
	}
	return nil
}

func (m *Multi) dialGRPC(n *node.Node) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	cfg, err := m.tlsFor(n)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		creds = credentials.NewTLS(cfg)
	}
	return grpc.NewClient(n.Address(),
		grpc.WithTransportCredentials(creds),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return m.dialer.DialContext(ctx, "tcp", addr)
		}),
	)
}
