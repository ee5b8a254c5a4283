package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// TimeLayout is ISO-8601 with microseconds and an explicit offset.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Record is the last known processing metadata of one distribution.
type Record struct {
	Identifier     string `json:"identifier"`
	DistributionID string `json:"distribution_id"`
	LastModified   string `json:"last_modified"`
	Title          string `json:"title"`
	LastProcessed  string `json:"last_processed"`
	FirstSeen      string `json:"first_seen"`
}

// Store maps distribution keys to records.
// It is read concurrently through Lookup and mutated only by Merge.
type Store struct {
	Datasets map[string]Record `json:"datasets"`
	LastRun  *string           `json:"last_run"`
}

func New() *Store {
	return &Store{Datasets: map[string]Record{}}
}

// Lookup returns the record stored under key.
func (s *Store) Lookup(key string) (Record, bool) {
	r, ok := s.Datasets[key]
	return r, ok
}

// Len returns the number of stored distributions.
func (s *Store) Len() int {
	return len(s.Datasets)
}

// Merge inserts records, keeping an existing first-seen timestamp.
// A record seen for the first time gets first-seen = last-processed.
// Returns the number of records merged.
func (s *Store) Merge(records []Record) int {
	if s.Datasets == nil {
		s.Datasets = map[string]Record{}
	}
	for _, r := range records {
		if prev, ok := s.Datasets[r.DistributionID]; ok && prev.FirstSeen != "" {
			r.FirstSeen = prev.FirstSeen
		} else {
			r.FirstSeen = r.LastProcessed
		}
		s.Datasets[r.DistributionID] = r
	}
	return len(records)
}

// Load reads the state file at path.
// A missing file yields an empty store. A file that cannot be parsed is
// logged and treated as empty. Other read errors are returned.
func Load(path string, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		logger.Warn("corrupt state file, starting fresh", "path", path, "error", err)
		return New(), nil
	}

	store := New()
	entries := top
	if inner, ok := top["datasets"]; ok {
		entries = nil
		if err := json.Unmarshal(inner, &entries); err != nil {
			logger.Warn("corrupt state datasets, starting fresh", "path", path, "error", err)
			return New(), nil
		}
		store.LastRun = decodeLastRun(top["last_run"])
	} else {
		logger.Info("migrating legacy state file", "path", path, "entries", len(top))
	}

	for key, raw := range entries {
		rec, ok := decodeEntry(key, raw)
		if !ok {
			logger.Warn("dropping unrecognised state entry", "key", key)
			continue
		}
		store.Datasets[key] = rec
	}
	return store, nil
}

// decodeEntry normalizes one entry: a legacy string is the modified token,
// an object is a current record.
func decodeEntry(key string, raw json.RawMessage) (Record, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Record{}, false
	}

	switch raw[0] {
	case '"':
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return Record{}, false
		}
		return Record{DistributionID: key, LastModified: token}, true
	case '{':
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, false
		}
		if rec.DistributionID == "" {
			rec.DistributionID = key
		}
		return rec, true
	default:
		return Record{}, false
	}
}

func decodeLastRun(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}

// Save stamps LastRun with now and writes the store to path atomically:
// temp file in the same directory, fsync, rename.
func (s *Store) Save(path string, now time.Time) (err error) {
	lastRun := FormatTime(now)
	s.LastRun = &lastRun
	if s.Datasets == nil {
		s.Datasets = map[string]Record{}
	}

	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "state_*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
