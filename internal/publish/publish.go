// Package publish copies freshly transformed outputs to remote destinations.
// Publishing runs after the state commit and never affects it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"cms-extractor/internal/concurrency"
)

// File is one output to publish under Name.
type File struct {
	LocalPath string
	Name      string
	// Key is the distribution key, kept as metadata where the destination supports it.
	Key string
}

// NewFile names the remote object after the local file.
func NewFile(localPath, key string) File {
	return File{LocalPath: localPath, Name: filepath.Base(localPath), Key: key}
}

type Publisher interface {
	Name() string
	Upload(ctx context.Context, f File) error
	Close() error
}

type Report struct {
	Uploaded int
	Failed   int
}

// All uploads files to every publisher. Publishers run side by side and each
// uploads with up to workers files in flight. A failed upload is logged and
// counted; the joined errors are returned.
func All(ctx context.Context, pubs []Publisher, files []File, workers int, logger *slog.Logger) (Report, error) {
	if len(pubs) == 0 || len(files) == 0 {
		return Report{}, nil
	}

	reports := make([]Report, len(pubs))
	errs := concurrency.ForEach(ctx, pubs, concurrency.ParallelOptions{MaxWorkers: len(pubs)}, func(ctx context.Context, i int, p Publisher) error {
		var err error
		reports[i], err = publishTo(ctx, p, files, workers, logger)
		return err
	})

	var total Report
	for _, r := range reports {
		total.Uploaded += r.Uploaded
		total.Failed += r.Failed
	}
	return total, errors.Join(errs...)
}

// publishTo uploads files to p with at most workers uploads in flight.
func publishTo(ctx context.Context, p Publisher, files []File, workers int, logger *slog.Logger) (Report, error) {
	if workers <= 0 {
		workers = 1
	}
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = fmt.Errorf("%s: %s: %w", p.Name(), f.Name, err)
				return errs[i]
			}
			if err := p.Upload(ctx, f); err != nil {
				logger.Error("publish failed", "publisher", p.Name(), "file", f.Name, "error", err)
				errs[i] = fmt.Errorf("%s: %s: %w", p.Name(), f.Name, err)
				return errs[i]
			}
			logger.Debug("published", "publisher", p.Name(), "file", f.Name)
			return nil
		})
	}
	// Wait only reports the first failure; errs keeps all of them
	_ = g.Wait()

	var r Report
	for _, err := range errs {
		if err != nil {
			r.Failed++
		} else {
			r.Uploaded++
		}
	}
	logger.Info("publish finished", "publisher", p.Name(), "uploaded", r.Uploaded, "failed", r.Failed)
	return r, errors.Join(errs...)
}

// CloseAll closes every publisher and joins the errors.
func CloseAll(pubs []Publisher) error {
	var errs []error
	for _, p := range pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
