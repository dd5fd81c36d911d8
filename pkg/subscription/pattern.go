package subscription

import "strings"

// matcher is a compiled subscription pattern. Patterns are dotted paths
// with `*` matching exactly one segment and a trailing `**` matching
// zero-or-more trailing segments. A naive "replace first occurrence"
// string match breaks on multi-dot/multi-wildcard patterns, so
// subscriptions are compiled into segment matchers instead.
type matcher struct {
	segments  []string
	trailing  bool // pattern ends in "**"
	raw       string
}

func compile(pattern string) matcher {
	segs := strings.Split(pattern, ".")
	trailing := false
	if len(segs) > 0 && segs[len(segs)-1] == "**" {
		trailing = true
		segs = segs[:len(segs)-1]
	}
	return matcher{segments: segs, trailing: trailing, raw: pattern}
}

// match reports whether path satisfies the compiled pattern.
func (m matcher) match(path string) bool {
	pathSegs := strings.Split(path, ".")

	if m.trailing {
		if len(pathSegs) < len(m.segments) {
			return false
		}
	} else if len(pathSegs) != len(m.segments) {
		return false
	}

	for i, seg := range m.segments {
		if seg == "*" {
			continue
		}
		if seg != pathSegs[i] {
			return false
		}
	}
	return true
}
