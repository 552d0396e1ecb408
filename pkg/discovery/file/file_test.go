package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(f, []byte("a:1\n"), 0o644))

	const envName = "TEST_NODEPOOL_SEEDS"
	t.Setenv(envName, "y:8,x:9")

	d := New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond})
	assert.Equal(t, []string{"x:9", "y:8"}, d.Seeds())
}

func TestFileReadAndCacheRefresh(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(f, []byte("# replicas\nb:2\na:1\n(grpc://g:9100?x=1,2)\n"), 0o644))

	d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
	assert.Equal(t, []string{"a:1", "b:2", "grpc://g:9100?x=1,2"}, d.Seeds())

	require.NoError(t, os.WriteFile(f, []byte("b:2\nc:3\n"), 0o644))
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, []string{"b:2", "c:3"}, d.Seeds())
}

func TestGlobReadsUniqueSorted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2, c:3\n"), 0o644))

	d := New(Options{Path: filepath.Join(dir, "*.txt"), Refresh: 5 * time.Millisecond})
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, d.Seeds())
}

func TestMissingFile(t *testing.T) {
	d := New(Options{Path: filepath.Join(t.TempDir(), "none.txt")})
	assert.Empty(t, d.Seeds())
	assert.Empty(t, New(Options{}).Seeds())
}
