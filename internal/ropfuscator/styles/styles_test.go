package styles

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/gmh5225/ropfuscator/internal/gadget"
)

func TestClassHexCoversEveryClass(t *testing.T) {
	seen := map[string]gadget.Class{}
	for _, c := range gadget.Classes {
		hex := ClassHex(c)
		if !strings.HasPrefix(hex, "#") {
			t.Errorf("ClassHex(%v) = %q", c, hex)
		}
		if prev, dup := seen[hex]; dup {
			t.Errorf("%v and %v share color %s", prev, c, hex)
		}
		seen[hex] = c
	}
}

func TestRenderReport(t *testing.T) {
	out := ansi.Strip(RenderReport("# Gadgets\n\n| class | count |\n|---|---|\n| REG_INIT | 3 |\n", 60))
	if !strings.Contains(out, "Gadgets") || !strings.Contains(out, "REG_INIT") {
		t.Errorf("rendered report lost content: %q", out)
	}
}
