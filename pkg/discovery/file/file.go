package file

import (
	"bufio"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-nodepool/pkg/discovery"
	"github.com/amirimatin/go-nodepool/pkg/discovery/static"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file (or glob) with one seed per line or comma-separated
	// seeds. Lines starting with # are comments.
	Path string
	// Env names a variable that overrides the file when non-empty.
	Env string
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return normalize(static.Parse(v))
		}
	}
	if i.opts.Path == "" {
		return nil
	}
	now := time.Now()
	if stat, err := os.Stat(i.opts.Path); err == nil {
		if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
			i.cache = loadFile(i.opts.Path)
			i.last = now
			i.mtime = stat.ModTime()
		}
		return slices.Clone(i.cache)
	}
	if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 {
		var all []string
		for _, m := range matches {
			all = append(all, loadFile(m)...)
		}
		i.cache = normalize(all)
		i.last = now
	}
	return slices.Clone(i.cache)
}

func loadFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var seeds []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, static.Parse(line)...)
	}
	if s.Err() != nil {
		return nil
	}
	return normalize(seeds)
}

// normalize sorts and de-duplicates.
func normalize(seeds []string) []string {
	slices.Sort(seeds)
	return slices.Compact(seeds)
}
