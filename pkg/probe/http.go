package probe

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// pingHTTP expects 200 from GET /ping.
func (m *Multi) pingHTTP(ctx context.Context, n *node.Node) error {
	t, err := m.transportFor(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURI()+"/ping", nil)
	if err != nil {
		return err
	}
	if c := n.Credentials(); c != nil && c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}
	resp, err := (&http.Client{Transport: t}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("ping %s: status %d", n.BaseURI(), resp.StatusCode)
	}
	return nil
}
