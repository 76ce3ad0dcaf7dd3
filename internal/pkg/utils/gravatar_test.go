package utils

import (
	"strings"
	"testing"
)

func TestGetGravatarURL(t *testing.T) {
	url := GetGravatarURL("Pat@Example.com", 0)
	if !strings.HasPrefix(url, "https://www.gravatar.com/avatar/") {
		t.Fatalf("unexpected url %q", url)
	}
	if !strings.Contains(url, "s=200") {
		t.Fatalf("expected default size 200, got %q", url)
	}

	// Hashing is case and whitespace insensitive.
	if GetGravatarURL(" pat@example.com ", 80) != GetGravatarURL("PAT@EXAMPLE.COM", 80) {
		t.Fatalf("expected normalized emails to hash identically")
	}
}
