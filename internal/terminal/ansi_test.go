package terminal

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"cursor right expands to spaces", "\x1b[5Chello", "     hello"},
		{"cursor right default count", "\x1b[Chello", " hello"},
		{"cursor right before color strip", "\x1b[2C\x1b[32mok\x1b[0m", "  ok"},
		{"color stripped", "\x1b[1;31merror\x1b[0m", "error"},
		{"private csi stripped", "\x1b[?25lspinner\x1b[?25h", "spinner"},
		{"osc title stripped", "\x1b]0;claude\x07ready", "ready"},
		{"charset selection stripped", "\x1b(Bbox\x1b(0", "box"},
		{"carriage returns removed", "line\r", "line"},
		{"mixed", "\x1b[3C\x1b[2K❯ Yes\r", "   ❯ Yes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeCursorRightExact(t *testing.T) {
	// A line that is only a cursor-right of count n followed by text must
	// come out as exactly n spaces then the text.
	got := Normalize("\x1b[7Cindented")
	want := "       indented"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"plain text",
		"\x1b[4C\x1b[36m❯ 1. Yes\x1b[0m\r",
		"\x1b]0;title\x07body\x1b[K",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, twice, once)
		}
	}
}
