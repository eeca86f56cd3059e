// Package autopsy owns the gadget index of one binary: its executable
// sections, exported function symbols, classified microgadgets and register
// exchange graph.
//
// An Autopsy is built once with Dissect and is read-only afterwards. Dissect
// is safe to call from several goroutines; lookups are safe for concurrent
// use once it has returned.
package autopsy

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/elfx"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/scratch"
)

// Section is an executable region of the binary.
type Section = elfx.Section

// Config tunes the pipeline. The zero value is usable.
type Config struct {
	// Mode is the decoder width (16, 32 or 64). Zero derives it from the
	// ELF class.
	Mode int
	// MaxDepth is the number of bytes examined before each return. Zero
	// means gadget.MaxDepth.
	MaxDepth int
	// MaxFileSize rejects larger binaries before mining. Zero disables it.
	MaxFileSize int64
	// Seed seeds RandomSymbol. Zero seeds from the clock.
	Seed uint64
	// Logger receives pipeline diagnostics. Nil discards them.
	Logger *log.Logger
}

// Stats are the diagnostic counts of a dissection.
type Stats struct {
	Path      string
	FileSize  int64
	Mode      int
	Sections  int
	Symbols   int
	Mining    []gadget.SectionStat
	Gadgets   int
	ByClass   map[gadget.Class]int
	XchgEdges int
}

// Autopsy is the gadget index of one binary.
type Autopsy struct {
	path string
	cfg  Config
	log  *log.Logger

	once sync.Once
	err  error

	im       *elfx.Image
	sections []Section
	symbols  []Symbol
	gadgets  *gadget.Set
	xgraph   *gadget.ExchangeGraph
	mining   []gadget.SectionStat
	mode     int

	sectionsDone bool
	symbolsDone  bool
	gadgetsDone  bool
	classesDone  bool
	graphDone    bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns an index for path. Nothing is read until Dissect.
func New(path string, cfg Config) *Autopsy {
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(io.Discard)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Autopsy{
		path:    path,
		cfg:     cfg,
		log:     lg,
		gadgets: gadget.NewSet(),
		xgraph:  gadget.NewExchangeGraph(),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Open is New followed by Dissect.
func Open(path string, cfg Config) (*Autopsy, error) {
	a := New(path, cfg)
	if err := a.Dissect(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Dissect runs, in order, section discovery, symbol discovery, gadget mining,
// classification and exchange-graph construction. Only the first call does
// work; later calls return the first result.
func (a *Autopsy) Dissect() error {
	a.once.Do(func() {
		a.err = a.dissect()
	})
	return a.err
}

func (a *Autopsy) dissect() error {
	steps := []func() error{
		a.DumpSections,
		a.DumpDynamicSymbols,
		a.DumpGadgets,
		a.AssignGadgetClasses,
		a.BuildXchgGraph,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the mapped binary.
func (a *Autopsy) Close() error {
	if a.im == nil {
		return nil
	}
	err := a.im.Close()
	a.im = nil
	return err
}

func (a *Autopsy) open() error {
	if a.im != nil {
		return nil
	}
	im, err := elfx.Open(a.path, elfx.Options{MaxSize: a.cfg.MaxFileSize})
	if err != nil {
		return err
	}
	a.im = im
	a.mode = a.cfg.Mode
	if a.mode == 0 {
		a.mode = im.Bits()
	}
	return nil
}

// DumpSections records every executable section.
func (a *Autopsy) DumpSections() error {
	if a.sectionsDone {
		return nil
	}
	if err := a.open(); err != nil {
		return err
	}

	a.log.Info("Looking for CODE sections", "path", a.path)
	secs, err := a.im.ExecSections()
	if err != nil {
		return err
	}
	for _, s := range secs {
		a.log.Debug("Code section", "name", s.Name, "va", fmt.Sprintf("%#x", s.VA), "size", s.Size)
	}
	a.sections = secs
	a.sectionsDone = true
	return nil
}

// DumpDynamicSymbols records the exported global function symbols.
func (a *Autopsy) DumpDynamicSymbols() error {
	if a.symbolsDone {
		return nil
	}
	if err := a.DumpSections(); err != nil {
		return err
	}

	a.log.Info("Scanning for symbols")
	dyn, err := a.im.FunctionSymbols()
	if err != nil {
		return err
	}
	seen := make(map[SymbolKey]bool, len(dyn))
	for _, d := range dyn {
		s := Symbol{Name: d.Name, Version: d.Version, Library: d.Library, Address: d.Addr, Size: d.Size}
		if seen[s.Key()] {
			continue
		}
		seen[s.Key()] = true
		a.symbols = append(a.symbols, s)
	}
	a.log.Info("Found symbols", "count", len(a.symbols))
	a.symbolsDone = true
	return nil
}

// DumpGadgets mines the executable sections for microgadgets.
func (a *Autopsy) DumpGadgets() error {
	if a.gadgetsDone {
		return nil
	}
	if err := a.DumpSections(); err != nil {
		return err
	}

	dec, err := disasm.NewDecoder(a.mode)
	if err != nil {
		return err
	}
	depth := a.cfg.MaxDepth
	if depth == 0 {
		depth = gadget.MaxDepth
	}

	a.log.Info("Looking for gadgets", "path", a.path, "bytes", len(a.im.All), "mode", a.mode)
	miner := gadget.NewMiner(dec, gadget.WithDepth(depth), gadget.WithLogger(a.log))
	set, stats, err := miner.Mine(a.sections, a.im.All)
	if err != nil {
		return err
	}
	a.gadgets = set
	a.mining = stats
	a.gadgetsDone = true
	return nil
}

// AssignGadgetClasses classifies every mined gadget.
func (a *Autopsy) AssignGadgetClasses() error {
	if a.classesDone {
		return nil
	}
	if err := a.DumpGadgets(); err != nil {
		return err
	}
	gadget.AssignClasses(a.gadgets.All())
	a.classesDone = true
	return nil
}

// BuildXchgGraph builds the exchange graph from the REG_XCHG gadgets.
func (a *Autopsy) BuildXchgGraph() error {
	if a.graphDone {
		return nil
	}
	if err := a.AssignGadgetClasses(); err != nil {
		return err
	}

	xchg := a.LookupByClass(gadget.RegXchg)
	a.log.Info("Building the exchange graph", "xchg_gadgets", len(xchg))
	a.xgraph = gadget.BuildExchangeGraph(xchg)
	if len(xchg) == 0 {
		a.log.Warn("Unable to build the exchange graph: no XCHG gadgets")
	}
	a.graphDone = true
	return nil
}

// Path is the analysed binary.
func (a *Autopsy) Path() string { return a.path }

// Mode is the decoder width used for mining.
func (a *Autopsy) Mode() int { return a.mode }

// Sections returns the executable sections.
func (a *Autopsy) Sections() []Section { return a.sections }

// Symbols returns the retained symbols.
func (a *Autopsy) Symbols() []Symbol { return a.symbols }

// Gadgets returns every unique gadget in discovery order. The gadgets must
// not be modified.
func (a *Autopsy) Gadgets() []*gadget.Microgadget { return a.gadgets.All() }

// ExchangeGraph returns the register exchange graph.
func (a *Autopsy) ExchangeGraph() *gadget.ExchangeGraph { return a.xgraph }

// RandomSymbol returns a uniformly chosen symbol.
func (a *Autopsy) RandomSymbol() (Symbol, error) {
	if len(a.symbols) == 0 {
		return Symbol{}, fmt.Errorf("%w: no symbols", ErrEmptyIndex)
	}
	a.rngMu.Lock()
	i := a.rng.IntN(len(a.symbols))
	a.rngMu.Unlock()
	return a.symbols[i], nil
}

// LookupByText returns the gadget whose canonical text is exactly text.
func (a *Autopsy) LookupByText(text string) (*gadget.Microgadget, bool) {
	return a.gadgets.Lookup(text)
}

// LookupByShape returns the gadgets whose useful instruction has opcode op
// and operand types t0 and t1. t1 == disasm.OpInvalid matches any second
// operand.
func (a *Autopsy) LookupByShape(op x86asm.Op, t0, t1 disasm.OperandType) []*gadget.Microgadget {
	var res []*gadget.Microgadget
	for _, g := range a.gadgets.All() {
		if g.Op() != op {
			continue
		}
		if g.Operand(0).Type != t0 {
			continue
		}
		if t1 != disasm.OpInvalid && g.Operand(1).Type != t1 {
			continue
		}
		res = append(res, g)
	}
	return res
}

// LookupByClass returns the gadgets of class c.
func (a *Autopsy) LookupByClass(c gadget.Class) []*gadget.Microgadget {
	var res []*gadget.Microgadget
	for _, g := range a.gadgets.All() {
		if g.Class == c {
			res = append(res, g)
		}
	}
	return res
}

// LookupScratch returns the gadgets of class c that clobber only registers
// lv reports free at instruction at. UNDEFINED gadgets are never returned.
func (a *Autopsy) LookupScratch(c gadget.Class, lv scratch.Liveness, at uint64) []*gadget.Microgadget {
	free := make(map[x86asm.Reg]bool)
	for _, r := range lv.Scratch(at) {
		free[r] = true
	}
	var res []*gadget.Microgadget
	for _, g := range a.LookupByClass(c) {
		regs := gadget.Clobbers(g)
		if regs == nil && c == gadget.Undefined {
			continue
		}
		ok := true
		for _, r := range regs {
			if !free[r] {
				ok = false
				break
			}
		}
		if ok {
			res = append(res, g)
		}
	}
	return res
}

// AreExchangeable reports whether r1 can be relayed to r2 through swaps.
func (a *Autopsy) AreExchangeable(r1, r2 x86asm.Reg) bool {
	return a.xgraph.AreExchangeable(r1, r2)
}

// GadgetBytes returns the encoded bytes of g while the binary is open.
func (a *Autopsy) GadgetBytes(g *gadget.Microgadget) ([]byte, bool) {
	if a.im == nil {
		return nil, false
	}
	return a.im.SliceVA(g.Address(), uint64(g.Size()))
}

// Stats returns the diagnostic counts gathered so far.
func (a *Autopsy) Stats() Stats {
	st := Stats{
		Path:      a.path,
		Mode:      a.mode,
		Sections:  len(a.sections),
		Symbols:   len(a.symbols),
		Mining:    a.mining,
		Gadgets:   a.gadgets.Len(),
		ByClass:   make(map[gadget.Class]int),
		XchgEdges: a.xgraph.NumEdges(),
	}
	if a.im != nil {
		st.FileSize = a.im.Size
	}
	for _, g := range a.gadgets.All() {
		st.ByClass[g.Class]++
	}
	return st
}
