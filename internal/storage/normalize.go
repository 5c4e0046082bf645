package storage

import (
	"strings"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// Normalize folds case and trims whitespace so "  John DOE " and "john doe"
// compare equal across all store implementations.
func Normalize(value string) string {
	return foldCaser.String(strings.TrimSpace(value))
}

// MatchScore classifies how well a stored value matches a query value after
// normalization: exact (1.0), substring in either direction (partialScore),
// or no match (ok=false).
func MatchScore(stored, query string, partialScore float64) (score float64, source string, ok bool) {
	s := Normalize(stored)
	q := Normalize(query)
	if s == "" || q == "" {
		return 0, "", false
	}
	if s == q {
		return 1.0, "exact", true
	}
	if strings.Contains(s, q) || strings.Contains(q, s) {
		return partialScore, "partial", true
	}
	return 0, "", false
}
