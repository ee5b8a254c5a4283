package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"cms-extractor/internal/httpx"
)

// Fetch downloads the catalog (a JSON array of datasets).
// Records that fail to decode are skipped with a warning; a failed request
// or a body that is not an array is returned as an error.
func Fetch(
	ctx context.Context,
	client *http.Client,
	apiURL, userAgent string,
	cfg httpx.RetryConfig,
	logger *slog.Logger,
) ([]Dataset, error) {
	var raw []json.RawMessage
	if err := httpx.DoJSON(ctx, client, httpx.NewGetRequest(apiURL, userAgent), &raw, cfg); err != nil {
		return nil, fmt.Errorf("catalog: fetch %s: %w", apiURL, err)
	}

	datasets := make([]Dataset, 0, len(raw))
	for i, item := range raw {
		var ds Dataset
		if err := json.Unmarshal(item, &ds); err != nil {
			logger.Warn("skipping undecodable catalog record", "index", i, "error", err)
			continue
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}
