package metadata

import (
	"encoding/json"
	"fmt"

	kitchencache "github.com/mixmoji/kitchen-cache"
)

// document is the consumed shape of one per-anchor metadata document from
// the emoji-kitchen-backend repository. Fields we do not use are ignored.
type document struct {
	Combinations map[string][]combination `json:"combinations"`
}

type combination struct {
	Date     string `json:"date"`
	IsLatest bool   `json:"isLatest"`
}

// parseDocument extracts the partner->date entry map and the full set of
// embedded release dates from one raw metadata document. For each partner
// the entry flagged latest wins, else the first listed. Entries without a
// date are skipped.
func parseDocument(raw []byte) (map[kitchencache.Codepoint]string, []string, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding metadata document: %w", err)
	}

	entry := make(map[kitchencache.Codepoint]string)
	dateSet := make(map[string]struct{})

	for partner, combos := range doc.Combinations {
		var chosen *combination
		for i := range combos {
			if combos[i].Date != "" {
				dateSet[combos[i].Date] = struct{}{}
			}
			if chosen == nil && combos[i].IsLatest {
				chosen = &combos[i]
			}
		}
		if chosen == nil && len(combos) > 0 {
			chosen = &combos[0]
		}
		if chosen != nil && chosen.Date != "" {
			entry[kitchencache.Codepoint(partner)] = chosen.Date
		}
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	return entry, dates, nil
}
