package httpx

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// chunkSize is the copy buffer used when streaming downloads to disk.
const chunkSize = 8192

// HTTPError carries status/body for non-2xx responses.
// It lets callers decide if/when to retry.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %s %s status=%d body=%s", e.Method, e.URL, e.StatusCode, snippet(e.Body, 900))
}

func snippet(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// RetryConfig controls retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// AttemptTimeout bounds a single attempt (0 = only the caller's ctx).
	AttemptTimeout time.Duration

	// If true, retry any 5xx.
	Retry5xx bool

	// Extra statuses to retry (e.g. 429, 408).
	RetryStatuses map[int]bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 8,
		BaseDelay:   700 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Retry5xx:    true,
		RetryStatuses: map[int]bool{
			http.StatusTooManyRequests:    true, // 429
			http.StatusRequestTimeout:     true, // 408
			http.StatusTooEarly:           true, // 425 (rare)
			http.StatusServiceUnavailable: true, // 503
			http.StatusBadGateway:         true, // 502
			http.StatusGatewayTimeout:     true, // 504
		},
	}
}

// CatalogRetryConfig matches the metastore session policy: 5 retries with a 1s
// backoff factor on 429 and the usual gateway errors.
func CatalogRetryConfig(retries int, attemptTimeout time.Duration) RetryConfig {
	if retries < 0 {
		retries = 0
	}
	return RetryConfig{
		MaxAttempts:    retries + 1,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: attemptTimeout,
		RetryStatuses: map[int]bool{
			http.StatusTooManyRequests:     true, // 429
			http.StatusInternalServerError: true, // 500
			http.StatusBadGateway:          true, // 502
			http.StatusServiceUnavailable:  true, // 503
			http.StatusGatewayTimeout:      true, // 504
		},
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 700 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryConfig().RetryStatuses
	}
	return cfg
}

// NewGetRequest returns a request builder for DoWithRetry/Download that sets the
// job's User-Agent and asks for compressed bodies.
func NewGetRequest(url, userAgent string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}
		req.Header.Set("Accept-Encoding", "br, gzip")
		return req, nil
	}
}

// DoWithRetry executes a request (built by buildReq) with retries.
// It always reads the full body (even on error) so the underlying TCP connection
// can be reused by http.Transport.
func DoWithRetry(
	ctx context.Context,
	client *http.Client,
	buildReq func(context.Context) (*http.Request, error),
	cfg RetryConfig,
) (*http.Response, []byte, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, body, err := doOnce(ctx, client, buildReq, cfg)
		if err == nil {
			return resp, body, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		var herr *HTTPError
		switch {
		case errors.As(err, &herr):
			if !isRetryableStatus(herr.StatusCode, cfg) {
				return resp, body, herr
			}
		case errors.Is(err, errBuildRequest):
			return nil, nil, err
		case !isRetryableNetErr(err):
			return resp, body, err
		}

		lastErr = err
		if attempt < cfg.MaxAttempts {
			var retryAfter time.Duration
			if resp != nil {
				retryAfter = ParseRetryAfter(resp)
			}
			if err := sleepBackoff(ctx, attempt, cfg.BaseDelay, cfg.MaxDelay, retryAfter); err != nil {
				return nil, nil, err
			}
		}
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, errors.New("httpx: request failed")
}

var errBuildRequest = errors.New("httpx: build request")

func doOnce(
	ctx context.Context,
	client *http.Client,
	buildReq func(context.Context) (*http.Request, error),
	cfg RetryConfig,
) (*http.Response, []byte, error) {
	if cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := buildReq(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBuildRequest, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}

	body, readErr := readAndClose(resp)
	if readErr != nil {
		return resp, body, readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, body, nil
	}

	return resp, body, &HTTPError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	r, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// decodeBody undoes the Content-Encoding we asked for in NewGetRequest.
// http.Transport only decodes gzip transparently when it set the header itself.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return zr, nil
	default:
		return resp.Body, nil
	}
}

// Download streams a 2xx response body into dst, creating its directory.
// Only establishing the response is retried; a failure while streaming is
// returned as-is and may leave a partial file behind.
func Download(
	ctx context.Context,
	client *http.Client,
	buildReq func(context.Context) (*http.Request, error),
	dst string,
	cfg RetryConfig,
) (int64, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		req, err := buildReq(ctx)
		if err != nil {
			return 0, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil && isRetryableNetErr(err) && attempt < cfg.MaxAttempts {
				lastErr = err
				if err := sleepBackoff(ctx, attempt, cfg.BaseDelay, cfg.MaxDelay, 0); err != nil {
					return 0, err
				}
				continue
			}
			return 0, err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := readAndClose(resp)
			herr := &HTTPError{
				Method:     req.Method,
				URL:        req.URL.String(),
				StatusCode: resp.StatusCode,
				Header:     resp.Header.Clone(),
				Body:       body,
			}
			if isRetryableStatus(resp.StatusCode, cfg) && attempt < cfg.MaxAttempts {
				lastErr = herr
				if err := sleepBackoff(ctx, attempt, cfg.BaseDelay, cfg.MaxDelay, ParseRetryAfter(resp)); err != nil {
					return 0, err
				}
				continue
			}
			return 0, herr
		}

		return writeBody(resp, dst)
	}

	if lastErr != nil {
		return 0, lastErr
	}
	return 0, errors.New("httpx: download failed")
}

func writeBody(resp *http.Response, dst string) (int64, error) {
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	r, err := decodeBody(resp)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}

	n, copyErr := io.CopyBuffer(f, r, make([]byte, chunkSize))
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write %s: %w", dst, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close %s: %w", dst, closeErr)
	}
	return n, nil
}

func isRetryableStatus(code int, cfg RetryConfig) bool {
	if cfg.RetryStatuses != nil && cfg.RetryStatuses[code] {
		return true
	}
	if cfg.Retry5xx && code >= 500 && code <= 599 {
		return true
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int, base, max time.Duration, retryAfter time.Duration) error {
	sleep := retryAfter
	if sleep <= 0 {
		sleep = base * time.Duration(1<<(attempt-1))
		if sleep > max {
			sleep = max
		}
		// jitter 0..400ms
		sleep += time.Duration(rand.Intn(400)) * time.Millisecond
	}

	t := time.NewTimer(sleep)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	// common transient I/O errors
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "connection refused") {
		return true
	}
	return false
}

// ParseRetryAfter parses Retry-After header (seconds or HTTP date).
// Returns 0 when header is missing/invalid.
func ParseRetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// DoJSON is a convenience wrapper over DoWithRetry that unmarshals JSON.
func DoJSON(
	ctx context.Context,
	client *http.Client,
	buildReq func(context.Context) (*http.Request, error),
	out any,
	cfg RetryConfig,
) error {
	_, body, err := DoWithRetry(ctx, client, buildReq, cfg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("json parse error: %w body=%s", err, snippet(body, 900))
	}
	return nil
}
