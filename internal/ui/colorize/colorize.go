// Package colorize highlights Intel-syntax x86 listings for the terminal.
// Setting ROPFUSCATOR_NO_COLOR disables all coloring.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/x/ansi"
)

// NoColorEnv disables coloring when set to any value.
const NoColorEnv = "ROPFUSCATOR_NO_COLOR"

// Enabled reports whether output should be colored.
func Enabled() bool {
	return os.Getenv(NoColorEnv) == ""
}

// intelLexer prefers nasm, which tokenizes Intel operand order.
func intelLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas"} {
		if l := lexers.Get(name); l != nil {
			return chroma.Coalesce(l)
		}
	}
	return nil
}

func gadgetStyle() *chroma.Style {
	for _, name := range []string{GadgetDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Intel highlights assembly text. It returns code unchanged when coloring is
// disabled or no lexer is available.
func Intel(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := intelLexer()
	if lexer == nil {
		return code, nil
	}
	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, gadgetStyle(), it); err != nil {
		return code, err
	}
	out := buf.String()
	// The lexer terminates its input with a newline; drop it again.
	if i := strings.LastIndexByte(out, '\n'); i >= 0 && !strings.HasSuffix(code, "\n") && Strip(out[i+1:]) == "" {
		out = out[:i] + out[i+1:]
	}
	return out, nil
}

// GadgetLine renders "addr  text" with the address in gray and the gadget
// text highlighted.
func GadgetLine(addr uint64, text string) string {
	if !Enabled() {
		return fmt.Sprintf("%08x  %s", addr, text)
	}
	colored, err := Intel(text)
	if err != nil {
		colored = text
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%08x\033[0m  %s", addr, colored)
}

// Strip removes ANSI escape sequences from s.
func Strip(s string) string {
	return ansi.Strip(s)
}
