package pool

import (
	"maps"
	"slices"
	"strings"

	"github.com/amirimatin/go-nodepool/pkg/failure"
	"github.com/amirimatin/go-nodepool/pkg/node"
)

// ParseEndpoints reads an endpoint list of the form
//
//	[scheme://]entry[,entry...][/database][?key=value...][#tags]
//
// An entry is host[:port], scheme://host[:port], or any node URI wrapped
// in parentheses or braces. Entries are separated by commas or
// whitespace. The leading scheme and the trailing part apply to every
// entry through the returned template, which also carries options.
// Pool-wide keys given on an entry are dropped in favour of the template.
func ParseEndpoints(endpoints string, options map[string]string) ([]*node.Node, *node.Node, error) {
	s := strings.TrimSpace(endpoints)
	if s == "" {
		return nil, nil, failure.Configuration("empty endpoint list")
	}

	scheme := node.DefaultProtocol.Scheme(false)
	pos := 0
	if i := strings.Index(s, "://"); i > 0 && !strings.ContainsAny(s[:i], ",(){}/ \t") {
		if p, _, ok := node.ParseScheme(s[:i]); ok && p != node.ProtocolAny {
			scheme = s[:i]
			pos = i + 3
		}
	}

	var entries []string
	defaults := ""
	for pos < len(s) {
		c := s[pos]
		switch {
		case c == ',' || isSpace(c):
			pos++
			continue
		case c == '/' || c == '?' || c == '#':
			defaults = s[pos:]
			pos = len(s)
			continue
		case c == '(' || c == '{':
			closing := byte(')')
			if c == '{' {
				closing = '}'
			}
			end := strings.IndexByte(s[pos+1:], closing)
			if end < 0 {
				return nil, nil, failure.Configuration("unbalanced %q in %q", string(c), endpoints)
			}
			if e := strings.TrimSpace(s[pos+1 : pos+1+end]); e != "" {
				entries = append(entries, e)
			}
			pos += end + 2
			continue
		}
		start := pos
		if i := strings.Index(s[pos:], "://"); i > 0 && !strings.ContainsAny(s[pos:pos+i], ",/?# \t") {
			pos += i + 3
		}
		for pos < len(s) && !strings.ContainsRune(",/?# \t\r\n", rune(s[pos])) {
			pos++
		}
		entries = append(entries, s[start:pos])
	}
	if len(entries) == 0 {
		return nil, nil, failure.Configuration("no endpoints in %q", endpoints)
	}

	template, err := node.Parse(scheme+"://"+node.DefaultHost+defaults, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(options) > 0 {
		if template, err = node.NewBuilder(template).Options(options).Build(); err != nil {
			return nil, nil, err
		}
	}

	nodes := make([]*node.Node, 0, len(entries))
	for _, e := range entries {
		n, err := node.Parse(e, template)
		if err != nil {
			return nil, nil, err
		}
		if n, err = stripPoolKeys(n, template); err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, template, nil
}

// stripPoolKeys resets pool-wide options on n to the template's values.
func stripPoolKeys(n, template *node.Node) (*node.Node, error) {
	b := node.NewBuilder(n)
	changed := false
	for _, k := range node.PoolKeys {
		v, ok := n.Option(k)
		tv, tok := template.Option(k)
		switch {
		case ok && tok && v != tv:
			b.Option(k, tv)
			changed = true
		case ok && !tok:
			b.RemoveOption(k)
			changed = true
		}
	}
	if !changed {
		return n, nil
	}
	return b.Build()
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

// CacheKey identifies a pool by its endpoint string and options.
func CacheKey(endpoints string, options map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(endpoints))
	for _, k := range slices.Sorted(maps.Keys(options)) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(options[k])
	}
	return b.String()
}
