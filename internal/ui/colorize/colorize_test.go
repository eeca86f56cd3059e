package colorize

import (
	"strings"
	"testing"
)

func TestNoColor(t *testing.T) {
	t.Setenv(NoColorEnv, "1")

	in := "mov eax, dword ptr [ebx];"
	out, err := Intel(in)
	if err != nil || out != in {
		t.Errorf("Intel() = %q, %v; want input unchanged", out, err)
	}
	if got, want := GadgetLine(0x1002, "xchg eax, ebx;"), "00001002  xchg eax, ebx;"; got != want {
		t.Errorf("GadgetLine() = %q, want %q", got, want)
	}
}

func TestColorPreservesText(t *testing.T) {
	t.Setenv(NoColorEnv, "")

	in := "pop eax;"
	out, err := Intel(in)
	if err != nil {
		t.Fatal(err)
	}
	if Strip(out) != in {
		t.Errorf("Strip(Intel(%q)) = %q", in, Strip(out))
	}
	line := GadgetLine(0x10, in)
	if !strings.Contains(line, "\x1b[") {
		t.Errorf("GadgetLine() has no color: %q", line)
	}
	if got := Strip(line); got != "00000010  pop eax;" {
		t.Errorf("Strip(GadgetLine()) = %q", got)
	}
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "pop eax;", "pop eax;"},
		{"sgr", "\x1b[1;31mpop\x1b[0m eax;", "pop eax;"},
		{"truecolor split", "REG_\x1b[0m\x1b[38;2;1;2;3mINIT", "REG_INIT"},
		{"hyperlink", "\x1b]8;;https://example.com\x07link\x1b]8;;\x07", "link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.in); got != tt.want {
				t.Errorf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
