package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-nodepool/pkg/node"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "poolctl", SilenceUsage: true, SilenceErrors: true}
	AddAll(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStatusPrintsMembership(t *testing.T) {
	out, err := run(t, "status", "--metadata", "none", "--endpoints", "http://127.0.0.1:1,127.0.0.1:2#hot", "-o", "load_balancing_policy=firstAlive")
	require.NoError(t, err)

	var st statusView
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "firstAlive", st.Policy)
	assert.NotEmpty(t, st.ID)
	all := append(st.Healthy, st.Faulty...)
	require.Len(t, all, 2)
	assert.Equal(t, "HTTP", all[0].Protocol)
	assert.Equal(t, []string{"hot"}, all[0].Tags)
}

func TestSelectPrintsURI(t *testing.T) {
	out, err := run(t, "select", "--metadata", "none", "--endpoints", "http://127.0.0.1:1", "--protocols", "http")
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1:1")

	_, err = run(t, "select", "--metadata", "none", "--endpoints", "http://127.0.0.1:1", "--tags", "missing")
	assert.Error(t, err)
}

func TestRejectsMissingEndpoints(t *testing.T) {
	_, err := run(t, "status", "--metadata", "none")
	assert.Error(t, err)
}

func TestParseSelector(t *testing.T) {
	sel, err := parseSelector("http, grpc", "a,,b")
	require.NoError(t, err)
	assert.Equal(t, []node.Protocol{node.ProtocolHTTP, node.ProtocolGRPC}, sel.Protocols())
	assert.ElementsMatch(t, []string{"a", "b"}, sel.Tags())

	_, err = parseSelector("smtp", "")
	assert.Error(t, err)

	sel, err = parseSelector("", "")
	require.NoError(t, err)
	assert.True(t, sel.IsEmpty())
}

func TestPoolCommandHasSubcommands(t *testing.T) {
	var names []string
	for _, c := range NewPoolCommand().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"select", "status", "check", "discover", "watch"}, names)
}
