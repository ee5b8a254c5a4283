package csvx

import (
	"errors"
	"io"
	"os"
)

// SampleSize is how much of a file Sniff looks at.
const SampleSize = 64 * 1024

// ErrNoDialect is returned when no delimiter is used consistently.
var ErrNoDialect = errors.New("csvx: could not determine delimiter")

// candidate delimiters, in order of preference on ties
var delimiters = []rune{',', '\t', ';', '|', ':'}

// minConsistency is the share of records that must agree on the delimiter count.
const minConsistency = 0.9

type Dialect struct {
	Delimiter        rune
	SkipInitialSpace bool
}

// DefaultDialect is plain comma-separated CSV.
var DefaultDialect = Dialect{Delimiter: ','}

// Sniff infers the dialect of a CSV sample by looking for a delimiter that
// appears the same number of times (outside quotes) on nearly every record.
func Sniff(sample []byte) (Dialect, error) {
	records := splitRecords(sample, len(sample) >= SampleSize)
	if len(records) == 0 {
		return Dialect{}, ErrNoDialect
	}

	best := Dialect{}
	bestScore := 0.0
	for _, d := range delimiters {
		mode, score := consistency(records, d)
		if mode == 0 || score < minConsistency {
			continue
		}
		// a consistent comma always wins
		if d == ',' {
			best = Dialect{Delimiter: d}
			break
		}
		if score > bestScore {
			best = Dialect{Delimiter: d}
			bestScore = score
		}
	}
	if best.Delimiter == 0 {
		return Dialect{}, ErrNoDialect
	}

	best.SkipInitialSpace = followedBySpace(records, best.Delimiter)
	return best, nil
}

// SniffFile sniffs the first SampleSize bytes of path.
func SniffFile(path string) (Dialect, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dialect{}, err
	}
	defer f.Close()

	buf := make([]byte, SampleSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Dialect{}, err
	}
	return Sniff(buf[:n])
}

// splitRecords splits on newlines outside quoted fields. A truncated sample
// drops its last, possibly partial, record.
func splitRecords(sample []byte, truncated bool) [][]byte {
	var records [][]byte
	inQuote := false
	start := 0
	for i, c := range sample {
		switch c {
		case '"':
			inQuote = !inQuote
		case '\n':
			if inQuote {
				continue
			}
			rec := trimCR(sample[start:i])
			if len(rec) > 0 {
				records = append(records, rec)
			}
			start = i + 1
		}
	}
	if start < len(sample) && !truncated {
		if rec := trimCR(sample[start:]); len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// consistency returns the most common delimiter count per record and the
// share of records having exactly that count.
func consistency(records [][]byte, delim rune) (int, float64) {
	freq := make(map[int]int)
	for _, rec := range records {
		freq[countOutsideQuotes(rec, byte(delim))]++
	}

	mode, modeRecords := 0, 0
	for count, n := range freq {
		if n > modeRecords || (n == modeRecords && count > mode) {
			mode, modeRecords = count, n
		}
	}
	return mode, float64(modeRecords) / float64(len(records))
}

func countOutsideQuotes(rec []byte, delim byte) int {
	n := 0
	inQuote := false
	for _, c := range rec {
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == delim && !inQuote:
			n++
		}
	}
	return n
}

func followedBySpace(records [][]byte, delim rune) bool {
	seen := false
	for _, rec := range records {
		inQuote := false
		for i, c := range rec {
			if c == '"' {
				inQuote = !inQuote
				continue
			}
			if inQuote || c != byte(delim) {
				continue
			}
			if i+1 >= len(rec) || rec[i+1] != ' ' {
				return false
			}
			seen = true
		}
	}
	return seen
}
