package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"cms-extractor/internal/config"
	"cms-extractor/internal/history"
	"cms-extractor/internal/job"
	"cms-extractor/internal/logging"
	"cms-extractor/internal/metrics"
	"cms-extractor/internal/notify"
	"cms-extractor/internal/publish"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run ejecuta un job completo y devuelve el exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 1
	}
	if cfg == nil {
		// --help
		return 0
	}

	if cfg.ListRuns > 0 {
		if err := listRuns(ctx, cfg, stdout); err != nil {
			fmt.Fprintf(stderr, "list runs: %v\n", err)
			return 1
		}
		return 0
	}

	logger, closer, err := logging.New(cfg.LogDir(), cfg.LogLevel, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "logging setup failed: %v\n", err)
		return 1
	}
	defer closer.Close()

	deps, cleanup := buildDeps(ctx, cfg, logger)
	defer cleanup()

	start := time.Now()
	sum, err := job.New(cfg, deps).Run(ctx)
	logger.Info("execution finished", "elapsed", time.Since(start))
	if err != nil {
		logger.Log(ctx, logging.LevelCritical, "job failed", "run_id", sum.RunID, "error", err)
		return 1
	}
	return 0
}

// listRuns prints the latest runs of the ledger and what each one merged.
func listRuns(ctx context.Context, cfg *config.Config, out io.Writer) error {
	l, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer l.Close()

	runs, err := l.RecentRuns(ctx, uint64(cfg.ListRuns))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tMATCHED\tUPDATED\tFAILED\tUP_TO_DATE\tSKIPPED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Matched, r.Updated, r.Failed, r.UpToDate, r.Skipped)

		dists, err := l.Distributions(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, d := range dists {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", d.DistributionKey, d.LastModified, d.OutputFile)
		}
	}
	return tw.Flush()
}

// buildDeps wires the optional side effects. A side effect that cannot be
// set up is logged and left out; it never stops the run.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Deps, func()) {
	deps := job.Deps{
		HTTPClient: &http.Client{},
		Logger:     logger,
		Metrics:    metrics.New(),
	}
	deps.Instance, _ = os.Hostname()

	var closers []func() error

	if cfg.Publish.SFTP.Enabled() {
		p, err := publish.DialSFTP(ctx, cfg.Publish.SFTP)
		if err != nil {
			logger.Warn("SFTP publishing disabled", "host", cfg.Publish.SFTP.Host, "error", err)
		} else {
			deps.Publishers = append(deps.Publishers, p)
		}
	} else {
		logger.Debug("skipping SFTP publishing: missing SFTP_HOST")
	}

	if cfg.Publish.BucketURL != "" {
		p, err := publish.OpenBucket(ctx, cfg.Publish.BucketURL)
		if err != nil {
			logger.Warn("bucket publishing disabled", "url", cfg.Publish.BucketURL, "error", err)
		} else {
			deps.Publishers = append(deps.Publishers, p)
		}
	}
	if len(deps.Publishers) > 0 {
		pubs := deps.Publishers
		closers = append(closers, func() error { return publish.CloseAll(pubs) })
	}

	if cfg.AMQPURL != "" {
		n, err := notify.Dial(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("notifications disabled", "queue", cfg.AMQPQueue, "error", err)
		} else {
			deps.Notifier = n
			closers = append(closers, n.Close)
		}
	}

	if cfg.HistoryDB != "" {
		l, err := history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			logger.Warn("run history disabled", "path", cfg.HistoryDB, "error", err)
		} else {
			deps.Ledger = l
			closers = append(closers, l.Close)
		}
	}

	return deps, func() {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}
}
