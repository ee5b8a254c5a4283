package catalog

import (
	"net/url"
	"strings"

	"cms-extractor/internal/naming"
)

// ResolvedDistribution is a CSV distribution with its derived names.
type ResolvedDistribution struct {
	Distribution
	// Ordinal is 1-based over the CSV distributions of the dataset.
	Ordinal  int
	Key      string
	FileStem string
}

// IsCSV reports whether a distribution can be handled as CSV.
func (d Distribution) IsCSV() bool {
	if strings.EqualFold(strings.TrimSpace(d.MediaType), "text/csv") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(d.Format), "csv") {
		return true
	}
	return hasCSVExtension(d.DownloadURL)
}

func hasCSVExtension(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasSuffix(strings.ToLower(raw), ".csv") {
		return true
	}
	// ".../export.csv?format=raw"
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".csv")
}

// Resolve returns the CSV distributions of ds in catalog order.
func Resolve(ds Dataset) []ResolvedDistribution {
	var out []ResolvedDistribution
	for _, dist := range ds.Distributions {
		if !dist.IsCSV() {
			continue
		}
		ordinal := len(out) + 1
		out = append(out, ResolvedDistribution{
			Distribution: dist,
			Ordinal:      ordinal,
			Key:          naming.DistributionKey(ds.Identifier, ordinal),
			FileStem:     naming.FileStem(ds.Identifier, ds.Title, ordinal),
		})
	}
	return out
}
