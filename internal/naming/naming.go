package naming

import (
	"fmt"
	"strings"
)

// maxTitleLen caps the title part of a file stem.
const maxTitleLen = 50

// SnakeCase normalizes free text into a lower-case identifier.
// Example: "Patients’ rating of the facility" -> "patients_rating_of_the_facility".
// Applying it twice yields the same string.
func SnakeCase(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastUnderscore := false
	for _, r := range strings.TrimSpace(text) {
		if isASCIIAlnum(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.ToLower(strings.Trim(b.String(), "_"))
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// DistributionSuffix is the per-distribution part shared by keys and file stems.
func DistributionSuffix(ordinal int) string {
	return fmt.Sprintf("distribution_%d", ordinal)
}

// DistributionKey is the state key of one distribution: "{identifier}::distribution_{n}".
func DistributionKey(identifier string, ordinal int) string {
	return identifier + "::" + DistributionSuffix(ordinal)
}

// FileStem builds the landing/output file name (without extension) for a distribution.
func FileStem(identifier, title string, ordinal int) string {
	t := SnakeCase(title)
	if len(t) > maxTitleLen {
		// SnakeCase output is ASCII, so byte slicing is safe
		t = t[:maxTitleLen]
	}
	return fmt.Sprintf("%s_%s_%s", t, safeIdentifier(identifier), DistributionSuffix(ordinal))
}

// safeIdentifier keeps the stem a single path element.
func safeIdentifier(identifier string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(identifier)
}
