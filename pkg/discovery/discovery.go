// Package discovery supplies the seed entries a pool endpoint list is
// built from.
package discovery

import "strings"

// Discovery provides seed entries: host[:port] or a full node URI.
type Discovery interface {
	Seeds() []string
}

// Join renders seeds as a pool endpoint list. Entries that carry their own
// scheme or query are wrapped in parentheses; suffix (the
// /database?options#tags part) is appended as is.
func Join(seeds []string, suffix string) string {
	parts := make([]string, 0, len(seeds))
	for _, s := range seeds {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.ContainsAny(s, "/?#") {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",") + suffix
}
