package catalog

import "strings"

// Filter keeps datasets whose themes or keywords match any of filters.
// Matching is case-insensitive on trimmed values. No filters means no datasets.
func Filter(datasets []Dataset, filters []string) []Dataset {
	wanted := normalizeTags(filters)
	if len(wanted) == 0 {
		return nil
	}

	var out []Dataset
	for _, ds := range datasets {
		tags := normalizeTags(ds.Themes, ds.Keywords)
		for tag := range tags {
			if _, ok := wanted[tag]; ok {
				out = append(out, ds)
				break
			}
		}
	}
	return out
}

// NormalizeFilters returns the trimmed lower-case filters, for logging.
func NormalizeFilters(filters []string) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalizeTags(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, tag := range NormalizeFilters(list) {
			set[tag] = struct{}{}
		}
	}
	return set
}
