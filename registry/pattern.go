package registry

import "strings"

// MatchPattern reports whether name matches pattern using Moleculer's
// event-pattern wildcard semantics: "*" matches exactly one dot-segment,
// "**" matches any number of trailing segments (including zero). A
// pattern with no wildcard must equal name exactly.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	nSegs := strings.Split(name, ".")

	for i, ps := range pSegs {
		if ps == "**" {
			return true // matches the rest, zero or more segments
		}
		if i >= len(nSegs) {
			return false
		}
		if ps == "*" {
			continue
		}
		if ps != nSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(nSegs)
}
