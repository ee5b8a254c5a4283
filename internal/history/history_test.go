package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cms-extractor/internal/state"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control", "history.db")
	l, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Expected ledger to open, got %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestRecordAndListRuns(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	t0 := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	first := Run{ID: "run-1", StartedAt: t0, FinishedAt: t0.Add(time.Minute), Discovered: 100, Matched: 3, Updated: 2, Failed: 1}
	records := []state.Record{
		{Identifier: "d1", DistributionID: "d1::distribution_2", LastModified: "2024-01-01", LastProcessed: "T1"},
		{Identifier: "d1", DistributionID: "d1::distribution_1", LastModified: "2024-01-01", LastProcessed: "T1"},
	}
	outputs := map[string]string{"d1::distribution_1": "/work/output/a.csv"}
	if err := l.RecordRun(ctx, first, records, outputs); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	second := Run{ID: "run-2", StartedAt: t0.Add(24 * time.Hour), FinishedAt: t0.Add(25 * time.Hour), Discovered: 100, Matched: 3, UpToDate: 3}
	if err := l.RecordRun(ctx, second, nil, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	runs, err := l.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Fatalf("Expected newest first, got %+v", runs)
	}
	if !runs[1].StartedAt.Equal(t0) || runs[1].Updated != 2 || runs[1].Failed != 1 {
		t.Errorf("Unexpected stored run %+v", runs[1])
	}

	dists, err := l.Distributions(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(dists) != 2 || dists[0].DistributionKey != "d1::distribution_1" {
		t.Fatalf("Expected 2 distributions ordered by key, got %+v", dists)
	}
	if dists[0].OutputFile != "/work/output/a.csv" || dists[1].OutputFile != "" {
		t.Errorf("Unexpected output files %+v", dists)
	}

	if limited, _ := l.RecentRuns(ctx, 1); len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestRecordRunDuplicateIsRolledBack(t *testing.T) {
	ctx := context.Background()
	l, _ := openTestLedger(t)

	run := Run{ID: "dup", StartedAt: time.Now(), FinishedAt: time.Now()}
	if err := l.RecordRun(ctx, run, nil, nil); err != nil {
		t.Fatal(err)
	}
	recs := []state.Record{{Identifier: "d9", DistributionID: "d9::distribution_1", LastProcessed: "T"}}
	if err := l.RecordRun(ctx, run, recs, nil); err == nil {
		t.Fatal("Expected primary key violation")
	}
	dists, err := l.Distributions(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if len(dists) != 0 {
		t.Errorf("Expected failed run to leave no distributions, got %d", len(dists))
	}
}

func TestOpenTwiceKeepsData(t *testing.T) {
	ctx := context.Background()
	l, path := openTestLedger(t)
	if err := l.RecordRun(ctx, Run{ID: "r", StartedAt: time.Now(), FinishedAt: time.Now()}, nil, nil); err != nil {
		t.Fatal(err)
	}
	_ = l.Close()

	again, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Expected reopen without migration errors, got %v", err)
	}
	defer again.Close()
	runs, _ := again.RecentRuns(ctx, 5)
	if len(runs) != 1 {
		t.Errorf("Expected 1 run after reopen, got %d", len(runs))
	}
}
