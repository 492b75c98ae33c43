package tts

import "testing"

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello there.", "Hello there."},
		{"bold and italic", "This is **very** *important*.", "This is very important."},
		{"underscores", "__bold__ and _soft_", "bold and soft"},
		{"heading", "## Weather\nSunny today.", "Weather\nSunny today."},
		{"link", "See [the docs](https://example.com) now.", "See the docs now."},
		{"inline code", "Run `make test` first.", "Run make test first."},
		{"fenced code", "Try this:\n```go\nfmt.Println(1)\n```\nDone.", "Try this:\n \nDone."},
		{"strikethrough", "~~old~~ new", "old new"},
		{"blank lines and spaces", "One.\n\n\nTwo.   Three.", "One.\nTwo. Three."},
		{"only markup", "```\n```", "```\n```"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkup(tt.in); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLanguageCode(t *testing.T) {
	if got := LanguageCode("ja"); got != "ja-JP" {
		t.Errorf("Expected ja-JP, got %s", got)
	}
	if got := LanguageCode("en"); got != "en-US" {
		t.Errorf("Expected en-US, got %s", got)
	}
}
