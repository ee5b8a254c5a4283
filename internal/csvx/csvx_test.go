package csvx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSniff(t *testing.T) {
	testCases := []struct {
		name      string
		sample    string
		delimiter rune
		skipSpace bool
	}{
		{"comma", "a,b,c\n1,2,3\n4,5,6\n", ',', false},
		{"semicolon", "a;b;c\r\n1;2;3\r\n", ';', false},
		{"tab", "a\tb\n1\t2\n", '\t', false},
		{"pipe", "a|b|c\n1|2|3\n", '|', false},
		{"comma with spaces", "a, b, c\n1, 2, 3\n", ',', true},
		{"quoted delimiters ignored", "name;city\n\"Smith, John\";Boston\n\"Doe, Jane\";Austin\n", ';', false},
		{"quoted newline", "a,b\n\"multi\nline\",2\n3,4\n", ',', false},
		{"ragged comma beats steady colon", strings.Repeat("08:00,a,1\n", 9) + "09:00,b,1,x\n", ',', false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Sniff([]byte(tc.sample))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if d.Delimiter != tc.delimiter {
				t.Errorf("Expected delimiter %q, got %q", tc.delimiter, d.Delimiter)
			}
			if d.SkipInitialSpace != tc.skipSpace {
				t.Errorf("Expected SkipInitialSpace %v, got %v", tc.skipSpace, d.SkipInitialSpace)
			}
		})
	}
}

func TestSniffFails(t *testing.T) {
	for _, sample := range []string{"", "single column\nonly\n", "a,b\n1;2;3;4\nx\n"} {
		if _, err := Sniff([]byte(sample)); !errors.Is(err, ErrNoDialect) {
			t.Errorf("Sniff(%q): expected ErrNoDialect, got %v", sample, err)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTransform(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "header normalized",
			input:    "Facility Name,ZIP\nGeneral Hospital,12345\n",
			expected: "facility_name,zip\r\nGeneral Hospital,12345\r\n",
		},
		{
			name:     "semicolon kept",
			input:    "Provider ID;Hospital Type\n010001;Acute Care\n",
			expected: "provider_id;hospital_type\r\n010001;Acute Care\r\n",
		},
		{
			name:     "bom stripped",
			input:    "\uFEFFProvider ID,State\nx,AL\n",
			expected: "provider_id,state\r\nx,AL\r\n",
		},
		{
			name:     "rows unchanged",
			input:    "Name,Note\n\"Smith, John\",\"said \"\"hi\"\"\"\nshort\n",
			expected: "name,note\r\n\"Smith, John\",\"said \"\"hi\"\"\"\r\nshort\r\n",
		},
		{
			name:     "header only",
			input:    "Measure ID\n",
			expected: "measure_id\r\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writeFile(t, dir, "in.csv", tc.input)
			dst := filepath.Join(dir, "output", "out.csv")

			if err := Transform(src, dst); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			got, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, string(got))
			}
		})
	}
}

func TestTransformInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "in.csv", "Name,City\nJos\xe9,Ponce\n")
	dst := filepath.Join(dir, "out.csv")

	if err := Transform(src, dst); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	got, _ := os.ReadFile(dst)
	if !strings.Contains(string(got), "Jos�,Ponce") {
		t.Errorf("Expected invalid byte replaced, got %q", string(got))
	}
}

func TestTransformEmptySource(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "empty.csv", "")
	dst := filepath.Join(dir, "out.csv")

	err := Transform(src, dst)
	if !errors.Is(err, ErrEmptySource) {
		t.Fatalf("Expected ErrEmptySource, got %v", err)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("Expected no output for an empty source")
	}
}

func TestTransformFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.csv")
	if err := Transform(filepath.Join(dir, "missing.csv"), dst); err == nil {
		t.Fatal("Expected error for missing source")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files left behind, got %d", len(entries))
	}
}
