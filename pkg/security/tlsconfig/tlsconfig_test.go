package tlsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

func TestFromNode(t *testing.T) {
	n := node.MustParse("https://db.example:8443?sslmode=none&sslrootcert=/etc/ca.pem")
	o := FromNode(n)
	assert.True(t, o.Enable)
	assert.True(t, o.InsecureSkipVerify)
	assert.Equal(t, "/etc/ca.pem", o.CAFile)
	assert.Equal(t, "db.example", o.ServerName)

	plain := FromNode(node.MustParse("http://db.example"))
	assert.False(t, plain.Enable)
	assert.False(t, plain.InsecureSkipVerify)
}

func TestClientDisabled(t *testing.T) {
	cfg, err := Options{}.Client()
	require.NoError(t, err)
	assert.Nil(t, cfg)
	cfg, err = Options{}.ClientHotReload()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestClientSettings(t *testing.T) {
	cfg, err := Options{Enable: true, InsecureSkipVerify: true, ServerName: "ch"}.Client()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "ch", cfg.ServerName)
	assert.Nil(t, cfg.RootCAs)
}

func TestClientErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))

	cases := map[string]Options{
		"cert without key": {Enable: true, CertFile: "c.pem"},
		"missing ca":       {Enable: true, CAFile: filepath.Join(dir, "absent.pem")},
		"junk ca":          {Enable: true, CAFile: junk},
		"missing pair":     {Enable: true, CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "k.pem")},
	}
	for name, o := range cases {
		_, err := o.Client()
		assert.Error(t, err, name)
	}
	_, err := cases["junk ca"].ClientHotReload()
	assert.Error(t, err)
}

func TestClientHotReloadDefersKeyPair(t *testing.T) {
	dir := t.TempDir()
	o := Options{Enable: true, CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "k.pem")}
	cfg, err := o.ClientHotReload()
	require.NoError(t, err)
	require.NotNil(t, cfg.GetClientCertificate)
	_, err = cfg.GetClientCertificate(nil)
	assert.Error(t, err, "files do not exist yet")
}
