package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSubsystemGlyphsAreSingleRunes(t *testing.T) {
	for name, g := range map[string]string{
		"Pulse": Pulse, "PulseOpen": PulseOpen, "PulseClose": PulseClose,
		"DB": DB, "AM": AM, "Spacer": Spacer, "Alert": Alert,
	} {
		if n := utf8.RuneCountInString(g); n != 1 {
			t.Errorf("%s glyph %q has %d runes, want 1", name, g, n)
		}
	}
}

func TestForStatus(t *testing.T) {
	cases := map[string]string{
		"pending":     Pending,
		"in_progress": InProgress,
		"success":     Success,
		"failure":     Failure,
		"bogus":       "?",
	}
	for status, want := range cases {
		if got := ForStatus(status); got != want {
			t.Errorf("ForStatus(%q) = %q, want %q", status, got, want)
		}
	}
}
