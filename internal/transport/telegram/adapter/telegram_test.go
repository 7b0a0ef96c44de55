package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "newline boundary", in: "aaaa\nbbbb\ncccc", limit: 10, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "hard cut", in: strings.Repeat("x", 25), limit: 10, want: []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}},
		{name: "runes", in: "ééééé", limit: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("splitText(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":        "",
		"-100123": "-100123",
		"@ground": "@ground",
		"ground":  "@ground",
		"  -42  ": "-42",
	}
	for in, want := range tests {
		if got := parseRecipient(in).Recipient(); got != want {
			t.Fatalf("parseRecipient(%q) = %q, want %q", in, got, want)
		}
	}
	if _, ok := parseRecipient("-100123").(tele.ChatID); !ok {
		t.Fatal("numeric chat not a ChatID")
	}
}
