package publish

import (
	"context"
	"fmt"
	"io"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

type BucketPublisher struct {
	bucket *blob.Bucket
}

// OpenBucket opens a gocloud bucket URL (s3://, file://, mem://).
func OpenBucket(ctx context.Context, url string) (*BucketPublisher, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return NewBucketPublisher(bkt), nil
}

func NewBucketPublisher(bucket *blob.Bucket) *BucketPublisher {
	return &BucketPublisher{bucket: bucket}
}

func (p *BucketPublisher) Name() string { return "bucket" }

func (p *BucketPublisher) Upload(ctx context.Context, f File) error {
	src, err := os.Open(f.LocalPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	opts := &blob.WriterOptions{ContentType: "text/csv"}
	if f.Key != "" {
		opts.Metadata = map[string]string{"distribution_key": f.Key}
	}

	// cancelling the writer context aborts the upload instead of committing it
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := p.bucket.NewWriter(wctx, f.Name, opts)
	if err != nil {
		return fmt.Errorf("new writer: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name, err)
	}
	return nil
}

func (p *BucketPublisher) Close() error {
	return p.bucket.Close()
}
