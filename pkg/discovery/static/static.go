package static

import (
	"slices"
	"strings"

	"github.com/amirimatin/go-nodepool/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds() []string { return slices.Clone(s.seeds) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
	return &staticSeeds{seeds: clean(seeds)}
}

// Parse converts a comma-separated list into seeds. Parenthesized URIs
// may themselves contain commas inside their option list.
func Parse(csv string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(csv); i++ {
		switch csv[i] {
		case '(', '{':
			depth++
		case ')', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, csv[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, csv[start:])
	return clean(parts)
}

func clean(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if len(v) > 1 && (v[0] == '(' && v[len(v)-1] == ')' || v[0] == '{' && v[len(v)-1] == '}') {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
