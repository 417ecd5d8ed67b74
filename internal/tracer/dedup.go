package tracer

import (
	"slices"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Dedupe orders events by ascending block (ties keep arrival order), drops
// repeated event identities and caps the result at limit. truncated reports
// that the unique events reached the cap. Dedupe is idempotent.
func Dedupe(events []models.TransferEvent, limit int) (out []models.TransferEvent, truncated bool) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b models.TransferEvent) int {
		switch {
		case a.BlockNumber < b.BlockNumber:
			return -1
		case a.BlockNumber > b.BlockNumber:
			return 1
		default:
			return 0
		}
	})

	seen := make(map[models.EventKey]struct{}, len(sorted))
	out = make([]models.TransferEvent, 0, min(len(sorted), max(limit, 0)))
	for _, ev := range sorted {
		if len(out) >= limit {
			break
		}
		k := ev.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	return out, limit > 0 && len(out) >= limit
}
