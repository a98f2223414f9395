// Package hostmatch resolves an inbound request's Host header to the
// service hostname pattern that owns it (spec §4.A). Exact patterns are
// tried before wildcard/regex patterns regardless of declaration order;
// within a category the first-declared pattern wins on an ambiguous match,
// mirroring the teacher's buildUpstreams preference for explicit static
// routes over its catch-all regex routes in internal/router.
package hostmatch

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/flowmesh/lbcore/internal/faults"
)

// category orders exact matches ahead of wildcard/regex matches.
type category int

const (
	categoryExact category = iota
	categoryPattern
)

// Pattern is one compiled hostname pattern belonging to a service.
type Pattern struct {
	Source   string
	Service  string
	category category
	re       *regexp.Regexp
}

// hasRegexMeta reports whether s contains a regex metacharacter beyond a
// literal dot, i.e. whether it is something other than a plain hostname.
func hasRegexMeta(s string) bool {
	const meta = `\^$.|?*+()[]{}`
	for _, r := range s {
		if strings.ContainsRune(meta, r) {
			return true
		}
	}
	return false
}

// isExact reports whether pattern is a plain hostname: no '*' and no
// regex metacharacter other than the dots that separate labels.
func isExact(pattern string) bool {
	if strings.Contains(pattern, "*") {
		return false
	}
	stripped := strings.ReplaceAll(pattern, ".", "")
	return !hasRegexMeta(stripped)
}

// compileWildcard turns a '*'-bearing pattern into an anchored capture-group
// regex, quoting every literal segment so dots in the pattern stay literal
// and each '*' becomes a capturing "(.*)" group (spec §4.A, §8 round-trip
// example).
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	expr := "^" + strings.Join(quoted, "(.*)") + "$"
	return regexp.Compile(expr)
}

// CompilePatterns compiles one service's declared hostname patterns,
// categorizing each as exact or wildcard/regex. An invalid regex pattern
// is a hard config_invalid error — there is no glob fallback (spec §9 open
// question resolution).
func CompilePatterns(service string, patterns []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			return nil, faults.New(faults.ClassConfigInvalid, 0, errors.Errorf("service %q: empty hostname pattern", service))
		}

		if isExact(p) {
			re, err := regexp.Compile("^" + regexp.QuoteMeta(p) + "$")
			if err != nil {
				return nil, faults.New(faults.ClassConfigInvalid, 0, errors.Wrapf(err, "service %q: pattern %q", service, p))
			}
			out = append(out, Pattern{Source: p, Service: service, category: categoryExact, re: re})
			continue
		}

		var re *regexp.Regexp
		var err error
		if strings.Contains(p, "*") {
			re, err = compileWildcard(p)
		} else {
			re, err = regexp.Compile("^" + p + "$")
		}
		if err != nil {
			return nil, faults.New(faults.ClassConfigInvalid, 0, errors.Wrapf(err, "service %q: pattern %q", service, p))
		}
		out = append(out, Pattern{Source: p, Service: service, category: categoryPattern, re: re})
	}
	return out, nil
}

// Match is one resolved hostname lookup (spec §4.A).
type Match struct {
	Service  string
	Pattern  string
	Captures []string
}

// Resolve finds the first pattern matching host, scanning all exact
// patterns across all services before any wildcard/regex pattern, and
// within a category preserving the caller-supplied declaration order.
// Returns a faults.Error of class no_matching_service when nothing matches.
func Resolve(host string, patterns []Pattern) (Match, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	for _, cat := range []category{categoryExact, categoryPattern} {
		for _, p := range patterns {
			if p.category != cat {
				continue
			}
			m := p.re.FindStringSubmatch(host)
			if m == nil {
				continue
			}
			return Match{Service: p.Service, Pattern: p.Source, Captures: m[1:]}, nil
		}
	}
	return Match{}, faults.New(faults.ClassNoMatchingService, 0, errors.Errorf("no service matches host %q", host))
}

// ExpandTemplate substitutes $1..$9 placeholders in template with the
// corresponding capture from a Resolve match (spec §8: "(.+)\.(.+)\.com"
// matching "a.b.com" expands "https://$1-$2.origin" to "https://a-b.origin").
func ExpandTemplate(template string, captures []string) string {
	out := template
	n := len(captures)
	if n > 9 {
		n = 9
	}
	for i := n; i >= 1; i-- {
		placeholder := "$" + itoa(i)
		out = strings.ReplaceAll(out, placeholder, captures[i-1])
	}
	return out
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	// capture groups beyond 9 are not addressed by the $1-$9 template syntax.
	return ""
}
