package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"repeated lines", "NDC 4073\n1\nNDC\n4073\n1\nNDC\n4073", "NDC4073", true},
		{"single compact", "PRV 8425", "PRV8425", true},
		{"empty", "", "", false},
		{"blank", "   ", "", false},
		{"blank lines", " \n\t\n ", "", false},
		{"lowercase", "wxy 1234", "WXY1234", true},
		{"longest line wins", "AB 123\nABCD 12345", "ABCD12345", true},
		{"crlf", "VBA 5521\r\nVBA", "VBA5521", true},
		{"split letters and digits", "JKL\n55\n12", "JKL5512", true},
		{"letters capped at four digits at five", "ABCDEF\n1234567", "ABCD12345", true},
		{"short match falls through to chain", "AB123", "AB123", true},
		{"too few digits", "W-1!", "W1", true},
		{"punctuation only", "--", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePlate(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
