package telegram

import (
	"strings"
	"testing"

	logx "recurd/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{name: "short", in: "hello", limit: 10, want: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, want: 1},
		{name: "two chunks", in: strings.Repeat("a", 15), limit: 10, want: 2},
		{name: "newline boundary", in: strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), limit: 10, want: 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit)
			if len(got) != tt.want {
				t.Fatalf("splitText chunks = %d (%q), want %d", len(got), got, tt.want)
			}
			if strings.Join(got, "") != strings.ReplaceAll(tt.in, "\n", "") {
				t.Fatalf("splitText lost content: %q", got)
			}
		})
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 8) + "<b>bold</b>"
	for _, chunk := range splitText(in, 10) {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk splits a tag: %q", chunk)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
