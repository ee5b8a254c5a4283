package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cms-extractor/internal/catalog"
	"cms-extractor/internal/csvx"
	"cms-extractor/internal/httpx"
	"cms-extractor/internal/state"
)

// Snapshot is read-only access to the state loaded at job start.
type Snapshot interface {
	Lookup(key string) (state.Record, bool)
}

type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipMissingIdentifier SkipReason = "missing_identifier"
	SkipNoCSV             SkipReason = "no_csv"
	SkipUpToDate          SkipReason = "up_to_date"
)

type Status string

const (
	StatusCurrent         Status = "current"
	StatusProcessed       Status = "processed"
	StatusNoURL           Status = "no_url"
	StatusDownloadFailed  Status = "download_failed"
	StatusTransformFailed Status = "transform_failed"
)

// Outcome is what happened to one CSV distribution.
type Outcome struct {
	Key        string
	OutputFile string
	Status     Status
	Err        error
}

// Result of processing one dataset. Records holds one entry per distribution
// that was (re)processed; FirstSeen is left for the merge step.
type Result struct {
	Identifier string
	Title      string
	Modified   string
	Skip       SkipReason
	Records    []state.Record
	Outcomes   []Outcome
}

// Changed reports whether the dataset produced new records.
func (r Result) Changed() bool {
	return len(r.Records) > 0
}

// Failures counts distributions that could not be processed.
func (r Result) Failures() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusDownloadFailed || o.Status == StatusTransformFailed {
			n++
		}
	}
	return n
}

type Options struct {
	LandingDir      string
	OutputDir       string
	UserAgent       string
	DownloadTimeout time.Duration
	Retry           httpx.RetryConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

const DefaultDownloadTimeout = 10 * time.Minute

type Processor struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// New returns a Processor. client is shared and must be safe for concurrent use.
func New(client *http.Client, opts Options, logger *slog.Logger) *Processor {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{client: client, opts: opts, logger: logger}
}

// OutputPath is where the transformed file of a distribution lives.
func (p *Processor) OutputPath(d catalog.ResolvedDistribution) string {
	return filepath.Join(p.opts.OutputDir, d.FileStem+".csv")
}

func (p *Processor) landingPath(d catalog.ResolvedDistribution) string {
	return filepath.Join(p.opts.LandingDir, d.FileStem+".csv")
}

// Process decides, for every CSV distribution of ds, whether it is current,
// and downloads and transforms the ones that are not.
// Per-distribution failures are reported in Outcomes and never abort the dataset.
func (p *Processor) Process(ctx context.Context, ds catalog.Dataset, snap Snapshot) Result {
	res := Result{Identifier: ds.Identifier, Title: ds.Title, Modified: ds.Modified}

	if ds.Identifier == "" {
		res.Skip = SkipMissingIdentifier
		p.logger.Warn("skipping dataset without identifier", "title", ds.Title)
		return res
	}

	dists := catalog.Resolve(ds)
	if len(dists) == 0 {
		res.Skip = SkipNoCSV
		p.logger.Info("skipping dataset, no CSV distribution found", "dataset", ds.Identifier, "title", ds.Title)
		return res
	}

	current := make([]bool, len(dists))
	allCurrent := true
	for i, d := range dists {
		current[i] = p.isCurrent(ds, d, snap)
		allCurrent = allCurrent && current[i]
	}
	if allCurrent {
		res.Skip = SkipUpToDate
		p.logger.Info("skipping dataset, already up to date", "dataset", ds.Identifier, "title", ds.Title)
		return res
	}

	p.logger.Info("processing dataset", "dataset", ds.Identifier, "title", ds.Title, "distributions", len(dists))

	for i, d := range dists {
		out := Outcome{Key: d.Key, OutputFile: p.OutputPath(d)}
		switch {
		case current[i]:
			out.Status = StatusCurrent
		case d.DownloadURL == "":
			out.Status = StatusNoURL
			p.logger.Warn("distribution has no download URL", "dataset", ds.Identifier, "key", d.Key)
		default:
			out.Status, out.Err = p.processDistribution(ctx, d)
		}
		res.Outcomes = append(res.Outcomes, out)

		if out.Status != StatusProcessed {
			continue
		}
		p.logger.Info("processed distribution", "dataset", ds.Identifier, "output", out.OutputFile)
		res.Records = append(res.Records, state.Record{
			Identifier:     ds.Identifier,
			DistributionID: d.Key,
			LastModified:   ds.Modified,
			Title:          ds.Title,
			LastProcessed:  state.FormatTime(p.opts.Now()),
		})
	}
	return res
}

// isCurrent: same dataset modified token as stored, and the output is on disk.
// An empty token is never current.
func (p *Processor) isCurrent(ds catalog.Dataset, d catalog.ResolvedDistribution, snap Snapshot) bool {
	if ds.Modified == "" || snap == nil {
		return false
	}
	rec, ok := snap.Lookup(d.Key)
	if !ok || rec.LastModified != ds.Modified {
		return false
	}
	_, err := os.Stat(p.OutputPath(d))
	return err == nil
}

func (p *Processor) processDistribution(ctx context.Context, d catalog.ResolvedDistribution) (Status, error) {
	raw := p.landingPath(d)

	dctx, cancel := context.WithTimeout(ctx, p.opts.DownloadTimeout)
	defer cancel()

	n, err := httpx.Download(dctx, p.client, httpx.NewGetRequest(d.DownloadURL, p.opts.UserAgent), raw, p.opts.Retry)
	if err != nil {
		p.logger.Error("download failed", "url", d.DownloadURL, "key", d.Key, "error", err)
		return StatusDownloadFailed, fmt.Errorf("download %s: %w", d.DownloadURL, err)
	}
	p.logger.Debug("downloaded distribution", "url", d.DownloadURL, "bytes", n, "path", raw)

	if err := csvx.Transform(raw, p.OutputPath(d)); err != nil {
		if errors.Is(err, csvx.ErrEmptySource) {
			p.logger.Warn("empty source file", "path", raw, "key", d.Key)
		} else {
			p.logger.Error("transform failed", "path", raw, "key", d.Key, "error", err)
		}
		return StatusTransformFailed, fmt.Errorf("transform %s: %w", raw, err)
	}
	return StatusProcessed, nil
}
