// Package job runs one extraction: discover, filter, process in parallel,
// merge into the state file and commit, then the optional side effects.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cms-extractor/internal/catalog"
	"cms-extractor/internal/concurrency"
	"cms-extractor/internal/config"
	"cms-extractor/internal/history"
	"cms-extractor/internal/httpx"
	"cms-extractor/internal/metrics"
	"cms-extractor/internal/notify"
	"cms-extractor/internal/processor"
	"cms-extractor/internal/publish"
	"cms-extractor/internal/state"
)

// Fatal run errors. Anything else that goes wrong during a run is logged and
// counted in the Summary.
var (
	ErrDiscovery = errors.New("catalog discovery failed")
	ErrState     = errors.New("state file could not be read")
	ErrCommit    = errors.New("state file could not be written")
)

// Notifier announces processed distributions.
type Notifier interface {
	Notify(ctx context.Context, events []notify.Event) (int, error)
}

// Ledger stores a row per run.
type Ledger interface {
	RecordRun(ctx context.Context, run history.Run, records []state.Record, outputs map[string]string) error
}

// Deps are the collaborators of a Runner. Only Logger is required; nil
// side-effect deps are skipped.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	Publishers []publish.Publisher
	Notifier   Notifier
	Ledger     Ledger
	Metrics    *metrics.Recorder
	// Instance groups pushed metrics, usually the hostname.
	Instance string
}

type Summary struct {
	RunID      string
	Discovered int
	Matched    int
	Updated    int
	// Failed counts failed distributions plus dataset tasks that errored.
	Failed   int
	UpToDate int
	Skipped  int
	Duration time.Duration
}

type Runner struct {
	cfg  *config.Config
	deps Deps
	proc *processor.Processor

	// process is proc.Process, replaceable in tests
	process func(ctx context.Context, ds catalog.Dataset, snap processor.Snapshot) processor.Result
}

func New(cfg *config.Config, deps Deps) *Runner {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	proc := processor.New(deps.HTTPClient, processor.Options{
		LandingDir:      cfg.LandingDir(),
		OutputDir:       cfg.OutputDir(),
		UserAgent:       cfg.UserAgent,
		DownloadTimeout: cfg.DownloadTimeout,
		Retry:           httpx.CatalogRetryConfig(cfg.RetryAttempts, 0),
		Now:             deps.Now,
	}, deps.Logger)

	return &Runner{cfg: cfg, deps: deps, proc: proc, process: proc.Process}
}

// task wraps a dataset result; done is false when the task never returned.
type task struct {
	res  processor.Result
	done bool
}

// Run executes one job. It returns ErrDiscovery, ErrState or ErrCommit
// (wrapped) when the run cannot complete; per-dataset failures only show up
// in the Summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	log := r.deps.Logger
	start := r.deps.Now()
	sum := Summary{RunID: uuid.NewString()}
	log = log.With("run_id", sum.RunID)

	filters := catalog.NormalizeFilters(r.cfg.ThemeFilter)
	log.Info("starting extraction", "api_url", r.cfg.APIURL, "workers", r.cfg.MaxWorkers, "theme_filter", filters)

	// 1. Discovery
	fetchStart := time.Now()
	datasets, err := catalog.Fetch(ctx, r.deps.HTTPClient, r.cfg.APIURL, r.cfg.UserAgent,
		httpx.CatalogRetryConfig(r.cfg.RetryAttempts, r.cfg.CatalogTimeout), log)
	if err != nil {
		log.Error("catalog discovery failed", "error", err)
		return sum, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	sum.Discovered = len(datasets)
	log.Info("fetched catalog", "datasets", len(datasets), "elapsed", time.Since(fetchStart))

	// 2. Filtro por tema
	matched := catalog.Filter(datasets, r.cfg.ThemeFilter)
	sum.Matched = len(matched)
	log.Info("filtered datasets", "matched", len(matched), "filters", filters)
	if r.deps.Metrics != nil {
		r.deps.Metrics.Catalog(sum.Discovered, sum.Matched)
	}

	// 3. Estado
	store, err := state.Load(r.cfg.StateFile(), log)
	if err != nil {
		log.Error("could not read state file", "path", r.cfg.StateFile(), "error", err)
		return sum, fmt.Errorf("%w: %w", ErrState, err)
	}
	log.Info("loaded state", "path", r.cfg.StateFile(), "distributions", store.Len())

	// 4. Procesamiento paralelo; store is only read here
	tasks, errs := concurrency.ProcessParallel(ctx, matched, concurrency.ParallelOptions{MaxWorkers: r.cfg.MaxWorkers},
		func(ctx context.Context, _ int, ds catalog.Dataset) (task, error) {
			return task{res: r.process(ctx, ds, store), done: true}, nil
		})
	for _, err := range errs {
		var pe *concurrency.PanicError
		if errors.As(err, &pe) {
			log.Error("dataset task panicked", "dataset", matched[pe.Index].Identifier, "panic", pe.Value, "stack", string(pe.Stack))
		}
	}
	if err := ctx.Err(); err != nil {
		log.Warn("run interrupted, committing completed datasets", "error", err)
	}

	// 5. Merge en orden de entrada
	var (
		records []state.Record
		files   []publish.File
		outputs = map[string]string{}
	)
	for i, t := range tasks {
		if !t.done {
			sum.Failed++
			r.recordDataset("error")
			log.Error("dataset task failed", "dataset", matched[i].Identifier, "title", matched[i].Title)
			continue
		}
		r.tally(&sum, t.res)
		records = append(records, t.res.Records...)
		for _, o := range t.res.Outcomes {
			if o.Status == processor.StatusProcessed {
				outputs[o.Key] = o.OutputFile
				files = append(files, publish.NewFile(o.OutputFile, o.Key))
			}
		}
	}
	sum.Updated = store.Merge(records)

	// 6. Commit
	if sum.Updated > 0 {
		if err := store.Save(r.cfg.StateFile(), r.deps.Now()); err != nil {
			log.Error("could not write state file", "path", r.cfg.StateFile(), "error", err)
			sum.Duration = r.deps.Now().Sub(start)
			return sum, fmt.Errorf("%w: %w", ErrCommit, err)
		}
		log.Info("state updated", "updates", sum.Updated, "path", r.cfg.StateFile())
	} else {
		log.Info("no updates, state file left untouched")
	}

	sum.Duration = r.deps.Now().Sub(start)

	// 7. Efectos secundarios, best-effort
	r.sideEffects(ctx, log, sum, start, records, outputs, files)

	log.Info("extraction finished",
		"discovered", sum.Discovered,
		"matched", sum.Matched,
		"updated", sum.Updated,
		"failed", sum.Failed,
		"up_to_date", sum.UpToDate,
		"skipped", sum.Skipped,
		"duration", sum.Duration,
	)
	return sum, nil
}

func (r *Runner) tally(sum *Summary, res processor.Result) {
	for _, o := range res.Outcomes {
		if r.deps.Metrics != nil {
			r.deps.Metrics.Distribution(string(o.Status))
		}
	}
	sum.Failed += res.Failures()

	switch {
	case res.Skip == processor.SkipUpToDate:
		sum.UpToDate++
		r.recordDataset("up_to_date")
	case res.Skip != processor.SkipNone:
		sum.Skipped++
		r.recordDataset("skipped")
	case res.Changed():
		r.recordDataset("processed")
	default:
		r.recordDataset("failed")
	}
}

func (r *Runner) recordDataset(outcome string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.Dataset(outcome)
	}
}

func (r *Runner) sideEffects(
	ctx context.Context,
	log *slog.Logger,
	sum Summary,
	start time.Time,
	records []state.Record,
	outputs map[string]string,
	files []publish.File,
) {
	if len(r.deps.Publishers) > 0 && len(files) > 0 {
		rep, err := publish.All(ctx, r.deps.Publishers, files, r.cfg.Publish.Workers, log)
		if err != nil {
			log.Warn("some outputs were not published", "uploaded", rep.Uploaded, "failed", rep.Failed, "error", err)
		}
	}

	if r.deps.Notifier != nil && len(records) > 0 {
		events := make([]notify.Event, 0, len(records))
		for _, rec := range records {
			events = append(events, notify.NewEvent(sum.RunID, rec, outputs[rec.DistributionID]))
		}
		sent, err := r.deps.Notifier.Notify(ctx, events)
		if err != nil {
			log.Warn("notification failed", "sent", sent, "total", len(events), "error", err)
		} else {
			log.Info("notifications sent", "count", sent)
		}
	}

	if r.deps.Ledger != nil {
		run := history.Run{
			ID:         sum.RunID,
			StartedAt:  start,
			FinishedAt: start.Add(sum.Duration),
			Discovered: sum.Discovered,
			Matched:    sum.Matched,
			Updated:    sum.Updated,
			Failed:     sum.Failed,
			UpToDate:   sum.UpToDate,
			Skipped:    sum.Skipped,
		}
		if err := r.deps.Ledger.RecordRun(ctx, run, records, outputs); err != nil {
			log.Warn("could not record run history", "error", err)
		}
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.RunFinished(sum.Updated, sum.Duration, r.deps.Now())
		if r.cfg.PushgatewayURL != "" {
			if err := r.deps.Metrics.Push(ctx, r.cfg.PushgatewayURL, r.deps.Instance); err != nil {
				log.Warn("metrics push failed", "error", err)
			}
		}
	}
}
