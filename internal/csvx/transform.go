package csvx

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"cms-extractor/internal/naming"
)

// ErrEmptySource is returned when the source has no header row.
var ErrEmptySource = errors.New("csvx: empty source file")

// Transform rewrites src into dst with snake_case header columns.
// Data rows are copied unchanged, using the sniffed dialect for reading and
// writing (comma when sniffing fails). Lines end with CRLF.
// dst only appears once it is complete.
func Transform(src, dst string) (err error) {
	dialect, sniffErr := SniffFile(src)
	if sniffErr != nil {
		dialect = DefaultDialect
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	// BOM fuera, bytes inválidos -> U+FFFD
	decoded := transform.NewReader(in, unicode.UTF8BOM.NewDecoder())

	r := csv.NewReader(decoded)
	r.Comma = dialect.Delimiter
	r.TrimLeadingSpace = dialect.SkipInitialSpace
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return ErrEmptySource
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	w.Comma = dialect.Delimiter
	w.UseCRLF = true

	normalized := make([]string, len(header))
	for i, col := range header {
		normalized[i] = naming.SnakeCase(col)
	}
	if err = w.Write(normalized); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for {
		row, readErr := r.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			err = fmt.Errorf("read row: %w", readErr)
			return err
		}
		if err = w.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
