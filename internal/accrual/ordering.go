package accrual

import (
	"sort"

	"vault-state-engine/internal/domain"
)

// SortEvents returns a copy of events ordered by (timestamp ASC, seq ASC).
// The sort is stable, so events equal on both keys keep their input order.
// The input slice is not modified.
func SortEvents(events []*domain.VaultEvent) []*domain.VaultEvent {
	sorted := make([]*domain.VaultEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareEvents(sorted[i], sorted[j]) < 0
	})
	return sorted
}

// compareEvents returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (timestamp ASC, seq ASC). Nil events sort last.
func compareEvents(a, b *domain.VaultEvent) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	return 0
}
