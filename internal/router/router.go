// Package router holds the static route table that decides whether an
// inbound request is answered locally or forwarded, and to where. The table
// is built once at startup and never mutated, so concurrent lookups need no
// synchronization.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// HealthPath is answered by the gateway itself and is never eligible for
// forwarding, regardless of what the rule table contains.
const HealthPath = "/health"

// Target is a fixed upstream destination.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

// URL returns the base URL for the target, without a path.
func (t Target) URL() *url.URL {
	return &url.URL{
		Scheme: t.Scheme,
		Host:   fmt.Sprintf("%s:%d", t.Host, t.Port),
	}
}

func (t Target) String() string {
	return t.URL().String()
}

// Rule maps a path prefix to an upstream target. When StripPrefix is set the
// matched prefix is removed from the path before forwarding; the remainder
// and the query string are preserved verbatim.
type Rule struct {
	Prefix      string
	StripPrefix bool
	Target      Target
}

// Match is the outcome of a successful table lookup.
type Match struct {
	Rule Rule
	// Path is the path to send upstream, after any prefix strip.
	Path string
}

// Table is an immutable route table ordered by prefix specificity.
type Table struct {
	rules []Rule
}

// New validates the rules and builds the table. Two rules with the same
// prefix make routing ambiguous, which is fatal: the caller must refuse to
// start rather than run with an ambiguous table.
func New(rules []Rule) (*Table, error) {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if r.Prefix != "/" && strings.HasSuffix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must not end with /", r.Prefix)
		}
		if r.Prefix == HealthPath {
			return nil, fmt.Errorf("route prefix %q is reserved for the local health check", r.Prefix)
		}
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		if r.Target.Host == "" {
			return nil, fmt.Errorf("route prefix %q has no target host", r.Prefix)
		}
		if r.Target.Port <= 0 || r.Target.Port > 65535 {
			return nil, fmt.Errorf("route prefix %q has invalid target port %d", r.Prefix, r.Target.Port)
		}
		seen[r.Prefix] = struct{}{}
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Table{rules: sorted}, nil
}

// Len returns the number of configured rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the table in match order.
func (t *Table) Rules() []Rule {
	rules := make([]Rule, len(t.rules))
	copy(rules, t.rules)
	return rules
}

// Match finds the longest configured prefix matching path. Prefixes match on
// segment boundaries: /api matches /api and /api/x but never /apix. A miss
// is a defined terminal state, not an error.
func (t *Table) Match(path string) (Match, bool) {
	if path == HealthPath {
		return Match{}, false
	}

	for _, r := range t.rules {
		if !prefixMatches(path, r.Prefix) {
			continue
		}
		m := Match{Rule: r, Path: path}
		if r.StripPrefix && r.Prefix != "/" {
			rest := path[len(r.Prefix):]
			if rest == "" {
				rest = "/"
			}
			m.Path = rest
		}
		return m, true
	}
	return Match{}, false
}

func prefixMatches(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
