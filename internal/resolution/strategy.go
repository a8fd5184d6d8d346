package resolution

import (
	"mangasync/pkg/models"
	"mangasync/pkg/utils"
)

// Strategy is the search space for one resolution attempt. Later attempts
// lower the similarity bar, look at more candidates and try more title
// variants, so a retry never repeats the previous query.
type Strategy struct {
	Name          string  `json:"name"`
	Threshold     float64 `json:"threshold"`
	MaxCandidates int     `json:"max_candidates"`
	AltTitles     bool    `json:"alt_titles"`
	StripSuffixes bool    `json:"strip_suffixes"`
	Simplify      bool    `json:"simplify"`
}

// StrategyFor returns the strategy for a 1-based attempt number.
func StrategyFor(attempt int) Strategy {
	switch {
	case attempt <= 1:
		return Strategy{Name: "tight", Threshold: 0.85, MaxCandidates: 5}
	case attempt == 2:
		return Strategy{Name: "alt-titles", Threshold: 0.75, MaxCandidates: 10, AltTitles: true}
	case attempt == 3:
		return Strategy{Name: "stripped", Threshold: 0.65, MaxCandidates: 15, AltTitles: true, StripSuffixes: true}
	default:
		return Strategy{Name: "desperate", Threshold: 0.5, MaxCandidates: 25, AltTitles: true, StripSuffixes: true, Simplify: true}
	}
}

// Queries lists the distinct normalized search strings for an entry.
func (s Strategy) Queries(e models.LibraryEntry) []string {
	titles := []string{e.Title}
	if s.AltTitles {
		titles = append(titles, e.AltTitles...)
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(q string) {
		q = utils.NormalizeTitle(q)
		if q == "" {
			return
		}
		if _, ok := seen[q]; ok {
			return
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}

	for _, t := range titles {
		add(t)
		if s.StripSuffixes {
			add(utils.StripTitleSuffixes(t))
		}
		if s.Simplify {
			add(utils.SimplifyTitle(t))
		}
	}
	return out
}
