// Package resolution implements the entity resolution engine: candidate
// scoring, decision thresholds, record synthesis, nested resolution, and the
// session entry point that ties them together.
package resolution

import (
	"sort"

	"entitylink/internal/types"
)

// MergeCandidates combines candidate lists from the semantic index and the
// record store into one ranked, deduplicated list. Duplicates (same id) keep
// the max score and its source. Ordering is deterministic: descending score,
// then source priority (semantic > exact > partial), then id ascending.
func MergeCandidates(lists ...[]types.Candidate) []types.Candidate {
	byID := make(map[string]types.Candidate)
	for _, list := range lists {
		for _, c := range list {
			existing, ok := byID[c.ID]
			if !ok {
				byID[c.ID] = c
				continue
			}
			if c.Score > existing.Score ||
				(c.Score == existing.Score && c.Source.Priority() > existing.Source.Priority()) {
				// Keep the richer data payload when the winner carries none.
				if len(c.Data) == 0 {
					c.Data = existing.Data
				}
				byID[c.ID] = c
			}
		}
	}

	merged := make([]types.Candidate, 0, len(byID))
	for _, c := range byID {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Source != merged[j].Source {
			return merged[i].Source.Priority() > merged[j].Source.Priority()
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
