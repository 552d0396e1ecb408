package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

// Options defines client TLS inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// FromNode reads the ssl, sslmode, sslrootcert, sslcert and sslkey options
// of n. sslmode=none disables verification.
func FromNode(n *node.Node) Options {
	cfg := n.Config()
	return Options{
		Enable:             cfg.SSL,
		CAFile:             cfg.SSLRootCert,
		CertFile:           cfg.SSLCert,
		KeyFile:            cfg.SSLKey,
		InsecureSkipVerify: strings.EqualFold(cfg.SSLMode, "none"),
		ServerName:         n.Host(),
	}
}

func (o Options) Validate() error {
	if (o.CertFile == "") != (o.KeyFile == "") {
		return errors.New("tls: client cert and key must be given together")
	}
	return nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "tls: load client key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ClientHotReload returns a client tls.Config that reloads the client
// certificate from disk on demand. CA roots are loaded once.
func (o Options) ClientHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	if o.CertFile == "" {
		return cfg, nil
	}
	var (
		mu       sync.RWMutex
		cached   *tls.Certificate
		lastLoad time.Time
	)
	load := func() (*tls.Certificate, error) {
		mu.RLock()
		if cached != nil && time.Since(lastLoad) < 10*time.Second {
			c := *cached
			mu.RUnlock()
			return &c, nil
		}
		mu.RUnlock()
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "tls: reload client key pair")
		}
		mu.Lock()
		cached = &cert
		lastLoad = time.Now()
		mu.Unlock()
		return &cert, nil
	}
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return load()
	}
	return cfg, nil
}

func (o Options) base() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName} //nolint:gosec
	if o.CAFile != "" {
		ca, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "tls: read root certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.Newf("tls: no certificates in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
