package vision

import (
	"regexp"
	"strings"
	"unicode"
)

var platePattern = regexp.MustCompile(`^[A-Z]{2,4}[0-9]{3,5}$`)

const minPlateLen = 6

// NormalizePlate reduces raw OCR output to a single plate token. Vendor OCR
// often repeats the plate across lines ("NDC 4073\nNDC\n4073"). The second
// return value is false when nothing usable remains.
func NormalizePlate(raw string) (string, bool) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return "", false
	}

	var best string
	for _, line := range lines {
		candidate := compact(line)
		if platePattern.MatchString(candidate) && len(candidate) > len(best) {
			best = candidate
		}
	}
	if len(best) >= minPlateLen {
		return best, true
	}

	if first := compact(lines[0]); platePattern.MatchString(first) && len(first) >= minPlateLen {
		return first, true
	}

	var letters, digits []rune
	for _, r := range strings.Join(lines, "") {
		switch {
		case isASCIILetter(r):
			letters = append(letters, unicode.ToUpper(r))
		case r >= '0' && r <= '9':
			digits = append(digits, r)
		}
	}
	if len(letters) >= 2 && len(digits) >= 3 {
		return string(letters[:min(len(letters), 4)]) + string(digits[:min(len(digits), 5)]), true
	}

	var b strings.Builder
	for _, r := range lines[0] {
		if isASCIILetter(r) || (r >= '0' && r <= '9') {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func splitLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// compact strips all whitespace and uppercases.
func compact(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
