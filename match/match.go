// Package match implements the fuzzy name matching used when linking
// extracted entities: case-folded substring containment with an edit-ratio
// fallback.
package match

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultThreshold is the minimum edit ratio for two names to match.
const DefaultThreshold = 0.6

var dmp = diffmatchpatch.New()

// Normalize lowercases a name and collapses interior whitespace so that
// "Login  Page" and "login page" compare equal.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Ratio returns a similarity score in [0,1] between two strings based on
// Levenshtein distance over the longer input.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1 - float64(dist)/float64(longest)
}

// Names reports whether two entity names refer to the same thing: after
// normalization, one contains the other, or their edit ratio reaches
// DefaultThreshold.
func Names(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	return Ratio(na, nb) >= DefaultThreshold
}
