package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gmh5225/ropfuscator/internal/autopsy"
	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/ui/colorize"
)

// JSONOutput is the machine-readable dump of an index.
type JSONOutput struct {
	Path      string         `json:"path"`
	Mode      int            `json:"mode"`
	FileSize  int64          `json:"file_size"`
	Sections  []JSONSection  `json:"sections"`
	Symbols   []JSONSymbol   `json:"symbols"`
	Gadgets   []JSONGadget   `json:"gadgets"`
	Classes   map[string]int `json:"classes"`
	XchgEdges [][2]string    `json:"xchg_edges"`
}

// JSONSection is an executable section with its mining counts.
type JSONSection struct {
	Name       string `json:"name"`
	VA         string `json:"va"`
	Size       uint64 `json:"size"`
	Returns    int    `json:"returns"`
	Found      int    `json:"found"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}

// JSONSymbol is a retained function symbol.
type JSONSymbol struct {
	Name      string `json:"name"`
	Demangled string `json:"demangled,omitempty"`
	Version   string `json:"version,omitempty"`
	Library   string `json:"library,omitempty"`
	Address   string `json:"address"`
}

// JSONGadget is one microgadget.
type JSONGadget struct {
	Address  string       `json:"address"`
	Text     string       `json:"text"`
	Class    gadget.Class `json:"class"`
	Bytes    string       `json:"bytes,omitempty"`
	Operands []string     `json:"operands"`
}

func buildJSON(idx *autopsy.Autopsy, filter *gadget.Class) JSONOutput {
	st := idx.Stats()
	out := JSONOutput{
		Path:      idx.Path(),
		Mode:      st.Mode,
		FileSize:  st.FileSize,
		Sections:  make([]JSONSection, 0, len(idx.Sections())),
		Symbols:   make([]JSONSymbol, 0, len(idx.Symbols())),
		Gadgets:   make([]JSONGadget, 0, st.Gadgets),
		Classes:   make(map[string]int, len(st.ByClass)),
		XchgEdges: [][2]string{},
	}

	mined := make(map[string]gadget.SectionStat, len(st.Mining))
	for _, ms := range st.Mining {
		mined[ms.Section] = ms
	}
	for _, s := range idx.Sections() {
		ms := mined[s.Name]
		out.Sections = append(out.Sections, JSONSection{
			Name:       s.Name,
			VA:         fmt.Sprintf("%#x", s.VA),
			Size:       s.Size,
			Returns:    ms.Returns,
			Found:      ms.Found,
			Duplicates: ms.Duplicates,
			Rejected:   ms.Rejected,
		})
	}

	for _, s := range idx.Symbols() {
		js := JSONSymbol{
			Name:    s.Name,
			Version: s.Version,
			Library: s.Library,
			Address: fmt.Sprintf("%#x", s.Address),
		}
		if d := s.Demangled(); d != s.Name {
			js.Demangled = d
		}
		out.Symbols = append(out.Symbols, js)
	}

	for _, g := range idx.Gadgets() {
		if filter != nil && g.Class != *filter {
			continue
		}
		jg := JSONGadget{
			Address:  fmt.Sprintf("%#x", g.Address()),
			Text:     g.Text,
			Class:    g.Class,
			Operands: operandTypes(g),
		}
		if b, ok := idx.GadgetBytes(g); ok {
			jg.Bytes = hex.EncodeToString(b)
		}
		out.Gadgets = append(out.Gadgets, jg)
	}

	for c, n := range st.ByClass {
		out.Classes[c.String()] = n
	}

	xg := idx.ExchangeGraph()
	for _, r := range xg.Registers() {
		for _, n := range xg.Neighbours(r) {
			if n > r {
				out.XchgEdges = append(out.XchgEdges, [2]string{disasm.RegName(r), disasm.RegName(n)})
			}
		}
	}
	return out
}

func operandTypes(g *gadget.Microgadget) []string {
	ts := make([]string, 0, g.NumOperands())
	for i := 0; i < g.NumOperands(); i++ {
		ts = append(ts, g.Operand(i).Type.String())
	}
	return ts
}

func writeJSON(w io.Writer, idx *autopsy.Autopsy, filter *gadget.Class) error {
	data, err := json.MarshalIndent(buildJSON(idx, filter), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeSummary prints the plain-text summary used when no TUI is available.
func writeSummary(w io.Writer, idx *autopsy.Autopsy, filter *gadget.Class) {
	st := idx.Stats()

	fmt.Fprintln(w, "# ropfuscator")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "; %s\n", idx.Path())
	fmt.Fprintf(w, "; %s (%d-bit, %d bytes)\n\n", filepath.Base(idx.Path()), st.Mode, st.FileSize)

	fmt.Fprintf(w, "; %d code sections\n", st.Sections)
	for _, ms := range st.Mining {
		fmt.Fprintf(w, ";   %-12s %4d rets  %4d gadgets  %4d dups  %4d rejected\n",
			ms.Section, ms.Returns, ms.Found, ms.Duplicates, ms.Rejected)
	}
	fmt.Fprintf(w, "; %d symbols\n", st.Symbols)
	fmt.Fprintf(w, "; %d microgadgets\n", st.Gadgets)
	for _, c := range gadget.Classes {
		if n := st.ByClass[c]; n > 0 {
			fmt.Fprintf(w, ";   %-10s %d\n", c, n)
		}
	}
	fmt.Fprintf(w, "; %d exchange edges\n\n", st.XchgEdges)

	for _, g := range idx.Gadgets() {
		if filter != nil && g.Class != *filter {
			continue
		}
		fmt.Fprintf(w, "%s  [%s]\n", colorize.GadgetLine(g.Address(), g.Text), g.Class)
	}
}

// reportMarkdown is the glamour-rendered report of --report and the TUI.
func reportMarkdown(idx *autopsy.Autopsy, filter *gadget.Class) string {
	st := idx.Stats()
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", filepath.Base(idx.Path()))
	fmt.Fprintf(&b, "`%s` is a %d-bit binary of %d bytes with **%d** microgadgets "+
		"and **%d** exported functions.\n\n", idx.Path(), st.Mode, st.FileSize, st.Gadgets, st.Symbols)

	b.WriteString("## Code sections\n\n| section | address | size | returns | gadgets | rejected |\n|---|---|---|---|---|---|\n")
	mined := make(map[string]gadget.SectionStat, len(st.Mining))
	for _, ms := range st.Mining {
		mined[ms.Section] = ms
	}
	for _, s := range idx.Sections() {
		ms := mined[s.Name]
		fmt.Fprintf(&b, "| %s | %#x | %d | %d | %d | %d |\n", s.Name, s.VA, s.Size, ms.Returns, ms.Found, ms.Rejected)
	}

	b.WriteString("\n## Classes\n\n| class | count |\n|---|---|\n")
	for _, c := range gadget.Classes {
		fmt.Fprintf(&b, "| %s | %d |\n", c, st.ByClass[c])
	}

	b.WriteString("\n## Exchange graph\n\n")
	xg := idx.ExchangeGraph()
	if xg.NumEdges() == 0 {
		b.WriteString("> No register exchange gadgets were found.\n")
	}
	for _, r := range xg.Registers() {
		names := make([]string, 0)
		for _, n := range xg.Neighbours(r) {
			names = append(names, disasm.RegName(n))
		}
		fmt.Fprintf(&b, "- `%s` swaps with %s\n", disasm.RegName(r), strings.Join(names, ", "))
	}

	for _, c := range gadget.Classes {
		if filter != nil && c != *filter {
			continue
		}
		gs := idx.LookupByClass(c)
		if len(gs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n```\n", c)
		for _, g := range gs {
			fmt.Fprintf(&b, "%08x  %s\n", g.Address(), g.Text)
		}
		b.WriteString("```\n")
	}
	return b.String()
}

// gadgetMarkdown describes one gadget in detail.
func gadgetMarkdown(idx *autopsy.Autopsy, g *gadget.Microgadget) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", g.Text)
	fmt.Fprintf(&b, "- address: `%#x`\n- class: **%s**\n- size: %d bytes\n", g.Address(), g.Class, g.Size())
	if raw, ok := idx.GadgetBytes(g); ok {
		fmt.Fprintf(&b, "- bytes: `% x`\n", raw)
	}
	fmt.Fprintf(&b, "- operands: %s\n\n```\n", strings.Join(operandTypes(g), ", "))
	for _, in := range g.Insts {
		fmt.Fprintf(&b, "%08x  %s\n", in.Addr, in.Text)
	}
	b.WriteString("```\n")
	return b.String()
}
