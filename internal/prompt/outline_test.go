package prompt

import (
	"errors"
	"testing"
)

func TestParseOutline(t *testing.T) {
	raw := "```json\n{\"title\": \"Ava in Orbit\", \"summary\": \"s\", \"world\": \"w\", \"protagonist\": \"p\", " +
		"\"pages\": [{\"beat\": \"one\", \"scene\": \"s1\"}, {\"beat\": \"two\"}, {\"beat\": \"three\", \"scene\": \"s3\"}]}\n```"

	outline, err := ParseOutline(raw, 2)
	if err != nil {
		t.Fatalf("ParseOutline() error = %v", err)
	}
	if outline.Title != "Ava in Orbit" {
		t.Errorf("unexpected title %q", outline.Title)
	}
	if len(outline.Pages) != 2 {
		t.Fatalf("expected extra pages to be trimmed, got %d", len(outline.Pages))
	}
	if outline.Pages[1].Scene != "two" {
		t.Errorf("expected missing scene to fall back to the beat, got %q", outline.Pages[1].Scene)
	}
}

func TestParseOutline_Repairs(t *testing.T) {
	raw := "{\"title\": \"T\", \"pages\": [{\"beat\": \"a\"}, {\"beat\": \"b\"},]}"
	if _, err := ParseOutline(raw, 2); err != nil {
		t.Fatalf("expected trailing comma to be repaired, got %v", err)
	}
}

func TestParseOutline_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "Once upon a time"},
		{"missing title", `{"pages": [{"beat": "a"}]}`},
		{"too few pages", `{"title": "T", "pages": [{"beat": "a"}]}`},
		{"blank beat", `{"title": "T", "pages": [{"beat": " "}, {"beat": "b"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOutline(tt.raw, 2); !errors.Is(err, ErrMalformedOutline) {
				t.Errorf("expected ErrMalformedOutline, got %v", err)
			}
		})
	}
}
