package protocol

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeNameTrimsAndTruncates(t *testing.T) {
	if got := SanitizeName("  Alice  "); got != "Alice" {
		t.Errorf("expected 'Alice', got %q", got)
	}

	long := strings.Repeat("x", 40)
	got := SanitizeName(long)
	if utf8.RuneCountInString(got) != MaxNameChars {
		t.Errorf("expected %d chars, got %d", MaxNameChars, utf8.RuneCountInString(got))
	}
}

func TestSanitizeNameBlank(t *testing.T) {
	if got := SanitizeName("   \t\n"); got != "" {
		t.Errorf("expected empty string for blank input, got %q", got)
	}
}

func TestSanitizeTextTruncatesToLimit(t *testing.T) {
	long := strings.Repeat("a", MaxTextChars+100)
	got := SanitizeText(long)
	if utf8.RuneCountInString(got) != MaxTextChars {
		t.Errorf("expected exactly %d chars, got %d", MaxTextChars, utf8.RuneCountInString(got))
	}
}

func TestSanitizeTextMultiByte(t *testing.T) {
	long := strings.Repeat("é", MaxTextChars+5)
	got := SanitizeText(long)
	if !utf8.ValidString(got) {
		t.Error("truncation split a multi-byte character")
	}
	if utf8.RuneCountInString(got) != MaxTextChars {
		t.Errorf("expected %d chars, got %d", MaxTextChars, utf8.RuneCountInString(got))
	}
}

func TestSanitizeTextShortPassesThrough(t *testing.T) {
	if got := SanitizeText("  hi there  "); got != "hi there" {
		t.Errorf("expected 'hi there', got %q", got)
	}
}
