package autopsy

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/elfx/elftest"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/scratch"
)

// patternBuilder lays out "pop eax; ret; xchg ebx, eax; ret" at 0x1000.
func patternBuilder() *elftest.Builder {
	return &elftest.Builder{
		Sections: []elftest.Section{
			elftest.Text(0x1000, []byte{0x58, 0xc3, 0x93, 0xc3}),
		},
		Symbols: []elftest.Symbol{
			elftest.Func("_init", 0x1000, ".text"),
			elftest.Func("memcpy", 0x1000, ".text"),
			elftest.Func("_fini", 0x1002, ".text"),
		},
	}
}

func openPattern(t *testing.T, cfg Config) *Autopsy {
	t.Helper()
	a, err := Open(patternBuilder().WriteFile(t, "libpattern.so"), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestDissectPattern(t *testing.T) {
	a := openPattern(t, Config{})

	if a.Mode() != 32 {
		t.Errorf("Mode() = %d, want 32", a.Mode())
	}
	if n := len(a.Sections()); n != 1 {
		t.Fatalf("expected 1 section, got %d", n)
	}

	gs := a.Gadgets()
	if len(gs) != 2 {
		t.Fatalf("expected 2 gadgets, got %d", len(gs))
	}
	if gs[0].Class != gadget.RegInit || gs[0].Address() != 0x1000 {
		t.Errorf("gadget 0 = %v @ %#x", gs[0].Class, gs[0].Address())
	}
	if gs[1].Class != gadget.RegXchg || gs[1].Address() != 0x1002 {
		t.Errorf("gadget 1 = %v @ %#x", gs[1].Class, gs[1].Address())
	}

	if !a.AreExchangeable(x86asm.EAX, x86asm.EBX) || !a.AreExchangeable(x86asm.EBX, x86asm.EAX) {
		t.Error("eax and ebx should be exchangeable")
	}
	if a.AreExchangeable(x86asm.EAX, x86asm.ECX) {
		t.Error("eax and ecx should not be exchangeable")
	}

	st := a.Stats()
	if st.Gadgets != 2 || st.ByClass[gadget.RegInit] != 1 || st.ByClass[gadget.RegXchg] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.XchgEdges != 1 || st.Symbols != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.FileSize == 0 {
		t.Error("file size not recorded")
	}

	b, ok := a.GadgetBytes(gs[1])
	if !ok || len(b) != 2 || b[0] != 0x93 || b[1] != 0xc3 {
		t.Errorf("GadgetBytes = %x, %v", b, ok)
	}
}

func TestRandomSymbolSkipsInitFini(t *testing.T) {
	a := openPattern(t, Config{Seed: 7})

	for i := 0; i < 20; i++ {
		s, err := a.RandomSymbol()
		if err != nil {
			t.Fatal(err)
		}
		if s.Name != "memcpy" {
			t.Fatalf("RandomSymbol() = %q, want memcpy", s.Name)
		}
	}
}

func TestRandomSymbolEmpty(t *testing.T) {
	a := New("unused", Config{})
	if _, err := a.RandomSymbol(); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("err = %v, want ErrEmptyIndex", err)
	}
}

func TestRandomSymbolCoversAll(t *testing.T) {
	b := &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x1000, []byte{0x58, 0xc3})},
		Symbols: []elftest.Symbol{
			elftest.Func("a", 0x1000, ".text"),
			elftest.Func("b", 0x1000, ".text"),
			elftest.Func("c", 0x1001, ".text"),
		},
	}
	a, err := Open(b.WriteFile(t, "libabc.so"), Config{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		s, err := a.RandomSymbol()
		if err != nil {
			t.Fatal(err)
		}
		seen[s.Name] = true
	}
	if len(seen) != 3 {
		t.Errorf("saw %v, want all of a, b, c", seen)
	}
}

func TestLookups(t *testing.T) {
	a := openPattern(t, Config{})

	tests := []struct {
		name   string
		op     x86asm.Op
		t0, t1 disasm.OperandType
		want   int
	}{
		{"pop reg", x86asm.POP, disasm.OpReg, disasm.OpInvalid, 1},
		{"pop mem", x86asm.POP, disasm.OpMem, disasm.OpInvalid, 0},
		{"xchg reg reg", x86asm.XCHG, disasm.OpReg, disasm.OpReg, 1},
		{"xchg reg any", x86asm.XCHG, disasm.OpReg, disasm.OpInvalid, 1},
		{"xchg reg imm", x86asm.XCHG, disasm.OpReg, disasm.OpImm, 0},
		{"mov", x86asm.MOV, disasm.OpReg, disasm.OpMem, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(a.LookupByShape(tt.op, tt.t0, tt.t1)); got != tt.want {
				t.Errorf("LookupByShape = %d gadgets, want %d", got, tt.want)
			}
		})
	}

	g, ok := a.LookupByText("pop eax;")
	if !ok || g.Address() != 0x1000 {
		t.Errorf("LookupByText(pop eax;) = %v, %v", g, ok)
	}
	if _, ok := a.LookupByText("pop ebx;"); ok {
		t.Error("LookupByText found a gadget that was never mined")
	}

	if n := len(a.LookupByClass(gadget.RegInit)); n != 1 {
		t.Errorf("REG_INIT = %d, want 1", n)
	}
	if n := len(a.LookupByClass(gadget.RegStore)); n != 0 {
		t.Errorf("REG_STORE = %d, want 0", n)
	}
}

func TestLookupScratch(t *testing.T) {
	a := openPattern(t, Config{})

	const at = 0x4000
	free := scratch.NewTracker()
	free.Add(at, x86asm.EAX)

	if gs := a.LookupScratch(gadget.RegInit, free, at); len(gs) != 1 || gs[0].Text != "pop eax;" {
		t.Errorf("REG_INIT with eax free = %v", gs)
	}
	if gs := a.LookupScratch(gadget.RegInit, free, at+1); len(gs) != 0 {
		t.Errorf("REG_INIT with nothing free = %v", gs)
	}
	if gs := a.LookupScratch(gadget.RegXchg, free, at); len(gs) != 0 {
		t.Errorf("xchg clobbers ebx too, got %v", gs)
	}
	free.Add(at, x86asm.EBX)
	if gs := a.LookupScratch(gadget.RegXchg, free, at); len(gs) != 1 {
		t.Errorf("REG_XCHG with eax, ebx free = %v", gs)
	}
}

func TestDissectIdempotent(t *testing.T) {
	a := New(patternBuilder().WriteFile(t, "libpattern.so"), Config{})
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Dissect(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	before := len(a.Gadgets())
	if err := a.Dissect(); err != nil {
		t.Fatal(err)
	}
	if err := a.BuildXchgGraph(); err != nil {
		t.Fatal(err)
	}
	if after := len(a.Gadgets()); after != before {
		t.Errorf("gadgets changed from %d to %d", before, after)
	}
	if len(a.Symbols()) != 1 {
		t.Errorf("symbols = %v", a.Symbols())
	}
}

func TestStepsRunPrerequisites(t *testing.T) {
	a := New(patternBuilder().WriteFile(t, "libpattern.so"), Config{})
	defer a.Close()

	if err := a.BuildXchgGraph(); err != nil {
		t.Fatal(err)
	}
	if len(a.Sections()) != 1 || len(a.Gadgets()) != 2 {
		t.Errorf("sections = %d, gadgets = %d", len(a.Sections()), len(a.Gadgets()))
	}
	if a.ExchangeGraph().NumEdges() != 1 {
		t.Errorf("edges = %d", a.ExchangeGraph().NumEdges())
	}
}

func TestDissectErrors(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("definitely not an ELF file"), 0o644); err != nil {
		t.Fatal(err)
	}
	noSyms := (&elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x1000, []byte{0x58, 0xc3})},
		Symbols: []elftest.Symbol{
			elftest.Func("_init", 0x1000, ".text"),
			{Name: "puts", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}, // undefined import
		},
	}).WriteFile(t, "libnone.so")

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "nope"), ErrIO},
		{"format", text, ErrFormat},
		{"no symbols", noSyms, ErrNoSymbols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.path, Config{})
			defer a.Close()
			err := a.Dissect()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Dissect() = %v, want %v", err, tt.want)
			}
			if again := a.Dissect(); again != err {
				t.Errorf("second Dissect() = %v, want memoized %v", again, err)
			}
		})
	}
}

func TestMaxFileSize(t *testing.T) {
	path := patternBuilder().WriteFile(t, "libpattern.so")
	if _, err := Open(path, Config{MaxFileSize: 16}); !errors.Is(err, ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
}

func TestSymbolDirective(t *testing.T) {
	s := Symbol{Name: "memcpy", Version: "GLIBC_2.0"}
	if got, want := s.SymVerDirective(), ".symver memcpy,memcpy@GLIBC_2.0"; got != want {
		t.Errorf("SymVerDirective() = %q, want %q", got, want)
	}
	if s.Key() != (SymbolKey{Name: "memcpy", Version: "GLIBC_2.0"}) {
		t.Errorf("Key() = %+v", s.Key())
	}
}

func TestDissectVersionedSymbols(t *testing.T) {
	sym := func(name string, value uint32, version string) elftest.Symbol {
		s := elftest.Func(name, value, ".text")
		s.Version = version
		return s
	}
	b := &elftest.Builder{
		Sections: []elftest.Section{elftest.Text(0x1000, []byte{0x58, 0xc3, 0x90, 0x90})},
		Symbols: []elftest.Symbol{
			sym("memcpy", 0x1000, "GLIBC_2.0"),
			sym("memcpy", 0x1002, "GLIBC_2.14"),
			sym("memcpy", 0x1003, "GLIBC_2.14"),
			sym("puts", 0x1001, ""),
		},
	}
	a, err := Open(b.WriteFile(t, "libversioned.so"), Config{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	want := []struct {
		key       SymbolKey
		addr      uint64
		directive string
	}{
		{SymbolKey{"memcpy", "GLIBC_2.0"}, 0x1000, ".symver memcpy,memcpy@GLIBC_2.0"},
		{SymbolKey{"memcpy", "GLIBC_2.14"}, 0x1002, ".symver memcpy,memcpy@GLIBC_2.14"},
		{SymbolKey{"puts", ""}, 0x1001, ""},
	}
	syms := a.Symbols()
	if len(syms) != len(want) {
		t.Fatalf("symbols = %+v, want %d entries", syms, len(want))
	}
	for i, w := range want {
		s := syms[i]
		if s.Key() != w.key || s.Address != w.addr {
			t.Errorf("symbols[%d] = %+v, want %+v @ %#x", i, s, w.key, w.addr)
		}
		if w.directive != "" && s.SymVerDirective() != w.directive {
			t.Errorf("symbols[%d].SymVerDirective() = %q, want %q", i, s.SymVerDirective(), w.directive)
		}
	}
}

func TestSymbolDemangled(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"memcpy", "memcpy"},
		{"_ZN3foo3barEv", "foo::bar()"},
	}
	for _, tt := range tests {
		if got := (Symbol{Name: tt.in}).Demangled(); got != tt.want {
			t.Errorf("Demangled(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
