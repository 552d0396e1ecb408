package node

import (
	"slices"
	"strings"
)

// Selector narrows which nodes are acceptable for an operation. The zero
// value is EmptySelector and matches every node.
type Selector struct {
	protocols []Protocol
	tags      []string
}

// EmptySelector matches everything.
var EmptySelector = Selector{}

// ProtocolAcceptor is implemented by clients that can speak some protocols.
type ProtocolAcceptor interface {
	Accepts(p Protocol) bool
}

// NewSelector builds a selector preferring the given protocols (in order)
// and requiring the given tags.
func NewSelector(protocols []Protocol, tags []string) Selector {
	var s Selector
	for _, p := range protocols {
		if !slices.Contains(s.protocols, p) {
			s.protocols = append(s.protocols, p)
		}
	}
	s.tags = normalizeTags(tags)
	return s
}

// TagSelector is a selector that only constrains tags.
func TagSelector(tags ...string) Selector { return NewSelector(nil, tags) }

// ProtocolSelector is a selector that only constrains protocols.
func ProtocolSelector(protocols ...Protocol) Selector { return NewSelector(protocols, nil) }

func (s Selector) Protocols() []Protocol { return slices.Clone(s.protocols) }
func (s Selector) Tags() []string        { return slices.Clone(s.tags) }
func (s Selector) IsEmpty() bool         { return len(s.protocols) == 0 && len(s.tags) == 0 }

// MatchesClient reports whether c accepts any preferred protocol. Unlike
// node matching, an empty preference list matches nothing here.
func (s Selector) MatchesClient(c ProtocolAcceptor) bool {
	if c == nil {
		return false
	}
	for _, p := range s.protocols {
		if c.Accepts(p) {
			return true
		}
	}
	return false
}

// Matches reports whether n speaks an acceptable protocol and carries every
// preferred tag.
func (s Selector) Matches(n *Node) bool {
	if n == nil {
		return false
	}
	return s.MatchesAnyProtocol(n.protocol) && s.MatchesAllTags(n.tags)
}

// MatchesAnyProtocol is true for the wildcard protocol, for an empty
// preference list, or for a listed protocol.
func (s Selector) MatchesAnyProtocol(p Protocol) bool {
	return len(s.protocols) == 0 || p == ProtocolAny || slices.Contains(s.protocols, p)
}

// MatchesAllTags reports whether tags is a superset of the preferred tags.
func (s Selector) MatchesAllTags(tags []string) bool {
	for _, t := range s.tags {
		if !slices.Contains(tags, t) {
			return false
		}
	}
	return true
}

// MatchesAnyTag reports whether tags shares at least one preferred tag.
// An empty preference matches anything.
func (s Selector) MatchesAnyTag(tags []string) bool {
	if len(s.tags) == 0 {
		return true
	}
	for _, t := range tags {
		if slices.Contains(s.tags, t) {
			return true
		}
	}
	return false
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString("selector[protocols=")
	for i, p := range s.protocols {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.String())
	}
	b.WriteString(" tags=")
	b.WriteString(strings.Join(s.tags, ","))
	b.WriteByte(']')
	return b.String()
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
