package node

import (
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/amirimatin/go-nodepool/pkg/failure"
)

// Parse builds a node from
//
//	[scheme://][user[:password]@]host[:port][/database][?key=value...][#tag1,tag2]
//
// Parts that are missing come from template, then from the process
// defaults. A host given without a port uses the protocol's default port.
func Parse(raw string, template *Node) (*Node, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, failure.Configuration("empty node uri")
	}
	if !strings.Contains(s, "://") {
		scheme := DefaultProtocol.Scheme(false)
		if template != nil {
			scheme = template.protocol.Scheme(template.config.SSL && template.protocol != ProtocolPostgreSQL)
		}
		s = scheme + "://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, failure.Configuration("invalid node uri %q: %v", raw, err)
	}
	proto, secure, ok := ParseScheme(u.Scheme)
	if !ok {
		return nil, failure.Configuration("unknown scheme %q in %q", u.Scheme, raw)
	}

	b := NewBuilder(template).Protocol(proto)
	if secure {
		b.Option(OptSSL, "true")
	}
	if h := u.Hostname(); h != "" {
		b.Host(h).Port(0)
		if ps := u.Port(); ps != "" {
			port, err := strconv.Atoi(ps)
			if err != nil || port > 65535 {
				return nil, failure.Configuration("invalid port %q in %q", ps, raw)
			}
			b.Port(port)
		}
	} else if template == nil {
		b.Port(0)
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		b.Credentials(u.User.Username(), pw)
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		b.Database(db)
	}
	q := u.Query()
	for _, k := range slices.Sorted(maps.Keys(q)) {
		b.Option(k, q.Get(k))
	}
	if u.Fragment != "" {
		b.Tags(SplitList(u.Fragment)...)
	}
	return b.Build()
}

// MustParse is Parse without a template that panics on error.
func MustParse(raw string) *Node {
	n, err := Parse(raw, nil)
	if err != nil {
		panic(err)
	}
	return n
}
