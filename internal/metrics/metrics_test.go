package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Catalog(120, 7)
	r.Dataset("processed")
	r.Dataset("processed")
	r.Dataset("up_to_date")
	r.Distribution("download_failed")
	r.RunFinished(3, 2*time.Second, time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(r.datasetsTotal.WithLabelValues("processed")); got != 2 {
		t.Errorf("Expected 2 processed datasets, got %v", got)
	}
	if got := testutil.ToFloat64(r.distributionsTotal.WithLabelValues("download_failed")); got != 1 {
		t.Errorf("Expected 1 failed distribution, got %v", got)
	}
	if got := testutil.ToFloat64(r.stateUpdates); got != 3 {
		t.Errorf("Expected 3 updates, got %v", got)
	}
	if got := testutil.ToFloat64(r.lastSuccess); got != 1700000000 {
		t.Errorf("Expected last success timestamp, got %v", got)
	}
	if got := testutil.ToFloat64(r.matched); got != 7 {
		t.Errorf("Expected 7 matched datasets, got %v", got)
	}

	expected := `
# HELP cms_extractor_catalog_datasets Datasets listed by the catalog
# TYPE cms_extractor_catalog_datasets gauge
cms_extractor_catalog_datasets 120
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "cms_extractor_catalog_datasets"); err != nil {
		t.Error(err)
	}
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	r := New()
	r.Dataset("processed")
	if err := r.Push(context.Background(), server.URL, "host-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if gotPath != "/metrics/job/cms_extractor/instance/host-1" {
		t.Errorf("Unexpected push path %q", gotPath)
	}
	if gotBody == "" {
		t.Error("Expected metrics in push body")
	}
}

func TestPushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := New().Push(context.Background(), server.URL, ""); err == nil {
		t.Error("Expected error from failing gateway")
	}
}
