package extract

import (
	"regexp"
	"strings"

	"opskb/match"
)

// minRequirementLength is the minimum length of a business requirement after
// cleaning; shorter fragments are discarded as noise.
const minRequirementLength = 10

var (
	bulletRE   = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
	headingRE  = regexp.MustCompile(`^\s*#{1,6}\s+`)
	emphasisRE = regexp.MustCompile(`(\*\*|__|\*|_|` + "`" + `)`)
)

// stripMarkdown removes bullet prefixes, heading markers and emphasis from
// model output so persisted text is plain prose.
func stripMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = bulletRE.ReplaceAllString(line, "")
		line = headingRE.ReplaceAllString(line, "")
		lines[i] = line
	}
	out := strings.Join(lines, "\n")
	out = emphasisRE.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// cleanList strips markdown from every item and drops the ones shorter than
// minLen after cleaning.
func cleanList(items []string, minLen int) []string {
	var out []string
	for _, item := range items {
		cleaned := stripMarkdown(item)
		if len(cleaned) < minLen {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

// dedupeByName keeps the first entity per normalized name, preserving order.
func dedupeByName[T any](items []T, name func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		key := match.Normalize(name(item))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
