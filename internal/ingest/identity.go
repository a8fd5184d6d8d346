package ingest

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/shopspring/decimal"

	"mangasync/pkg/models"
)

// SentinelKey is the identity of a chapter without a usable number.
const SentinelKey = "-1"

// IdentityKey normalizes a chapter number so equal chapters from different
// sources map to the same key. Numbers are stored as NUMERIC(10,2), so the
// key is rounded the same way.
func IdentityKey(n *decimal.Decimal) string {
	if n == nil || n.IsNegative() {
		return SentinelKey
	}
	return n.Round(2).String()
}

// Truncate keeps the max highest-numbered records, sorted descending.
// Records without a number sort last. It returns the kept records and how
// many were dropped.
func Truncate(records []models.ChapterRecord, max int) ([]models.ChapterRecord, int) {
	out := make([]models.ChapterRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Number, out[j].Number
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.GreaterThan(*b)
		}
	})
	if max <= 0 || len(out) <= max {
		return out, 0
	}
	return out[:max], len(out) - max
}

// BatchKey is a stable digest of a series-source and the chapter identities
// in a batch, used to name the ingest job.
func BatchKey(seriesSourceID string, records []models.ChapterRecord) string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, IdentityKey(r.Number))
	}
	sort.Strings(keys)

	h := fnv.New64a()
	_, _ = h.Write([]byte(seriesSourceID))
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
	}
	return fmt.Sprintf("%s-%016x", seriesSourceID, h.Sum64())
}
