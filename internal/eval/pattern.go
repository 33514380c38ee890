package eval

import "strings"

// Pattern is a compiled resource URI pattern. Segments are split on "/":
// a literal segment matches itself, "*" matches any single segment, a trailing
// "*" matches the whole remainder, and "{name}" matches any single segment
// while binding its value for condition expressions. Compilation is
// deterministic: the same pattern string always matches the same URI set.
type Pattern struct {
	raw       string
	segments  []segment
	wildcards int
	trailing  bool
}

type segment struct {
	literal string
	param   string
	wild    bool
}

// CompilePattern parses a URI pattern. An empty pattern matches nothing.
func CompilePattern(raw string) Pattern {
	p := Pattern{raw: raw}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		if raw == "/" {
			p.segments = []segment{}
		}
		return p
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		switch {
		case part == "*":
			p.wildcards++
			if i == len(parts)-1 {
				p.trailing = true
			}
			p.segments = append(p.segments, segment{wild: true})
		case len(part) > 1 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			p.segments = append(p.segments, segment{param: part[1 : len(part)-1]})
		default:
			p.segments = append(p.segments, segment{literal: part})
		}
	}
	return p
}

// Raw returns the original pattern string.
func (p Pattern) Raw() string { return p.raw }

// Wildcards counts the pattern's "*" segments; MostSpecific prefers fewer.
func (p Pattern) Wildcards() int { return p.wildcards }

// Exact reports whether the pattern contains no wildcards or parameters.
func (p Pattern) Exact() bool {
	for _, s := range p.segments {
		if s.wild || s.param != "" {
			return false
		}
	}
	return p.raw != ""
}

// Match tests uri against the pattern. On success it returns the bound
// parameter values (nil when the pattern has none).
func (p Pattern) Match(uri string) (map[string]string, bool) {
	if p.raw == "" {
		return nil, false
	}
	trimmed := strings.Trim(uri, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}

	var params map[string]string
	for i, seg := range p.segments {
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case seg.wild:
			if p.trailing && i == len(p.segments)-1 {
				// trailing * swallows the remainder
				return params, true
			}
		case seg.param != "":
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
		default:
			if seg.literal != parts[i] {
				return nil, false
			}
		}
	}
	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

// MatchVerb tests a requested action against a permission's verb field. The
// field is either a single verb, a comma-separated verb set, or "*".
func MatchVerb(permVerb, requested string) bool {
	permVerb = strings.TrimSpace(permVerb)
	requested = strings.TrimSpace(requested)
	if permVerb == "" || requested == "" {
		return false
	}
	if permVerb == "*" {
		return true
	}
	for _, v := range strings.Split(permVerb, ",") {
		if strings.EqualFold(strings.TrimSpace(v), requested) {
			return true
		}
	}
	return false
}
