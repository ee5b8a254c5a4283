package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LevelCritical sits above error, for fatal job aborts.
const LevelCritical = slog.Level(12)

// FileName is the dated log file of a run started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("cms_extractor_%s.log", t.Format("20060102"))
}

// New creates a slog.Logger writing to stdout and to the dated log file in dir.
// The returned closer closes the file.
func New(dir, level string, now time.Time) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName(now)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return NewWithWriter(io.MultiWriter(os.Stdout, f), level), f, nil
}

// NewWithWriter creates a text slog.Logger on w with the provided level string.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       LevelFromString(level),
		ReplaceAttr: replaceLevel,
	})
	return slog.New(handler)
}

// LevelFromString maps DEBUG/INFO/WARNING/ERROR/CRITICAL; anything else is info.
func LevelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical", "fatal":
		return LevelCritical
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}
