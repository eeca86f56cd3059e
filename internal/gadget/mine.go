package gadget

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/elfx"
)

const (
	// RetOpcode is the single-byte near return.
	RetOpcode = 0xc3
	// MaxDepth is the number of bytes examined before each return.
	MaxDepth = 4
)

// SectionStat counts what mining found in one section.
type SectionStat struct {
	Section    string
	Returns    int // return-opcode bytes seen
	Found      int // new unique gadgets
	Duplicates int // accepted candidates already in the set
	Rejected   int // windows that did not decode to insn+ret
}

// Set holds gadgets in first-seen order, keyed by canonical text.
type Set struct {
	list   []*Microgadget
	byText map[string]*Microgadget
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{byText: make(map[string]*Microgadget)}
}

// Add inserts g unless a gadget with the same canonical text is present.
// It reports whether g was inserted.
func (s *Set) Add(g *Microgadget) bool {
	if _, ok := s.byText[g.Text]; ok {
		return false
	}
	s.byText[g.Text] = g
	s.list = append(s.list, g)
	return true
}

// Lookup returns the gadget with the given canonical text.
func (s *Set) Lookup(text string) (*Microgadget, bool) {
	g, ok := s.byText[text]
	return g, ok
}

// Len is the number of unique gadgets.
func (s *Set) Len() int { return len(s.list) }

// All returns the gadgets in first-seen order. The slice must not be modified.
func (s *Set) All() []*Microgadget { return s.list }

// Miner scans executable sections for microgadgets.
type Miner struct {
	dec   *disasm.Decoder
	depth int
	log   *log.Logger
}

// MinerOption configures a Miner.
type MinerOption func(*Miner)

// WithDepth overrides MaxDepth.
func WithDepth(d int) MinerOption {
	return func(m *Miner) {
		if d >= 0 {
			m.depth = d
		}
	}
}

// WithLogger sets the logger used for per-section diagnostics.
func WithLogger(l *log.Logger) MinerOption {
	return func(m *Miner) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMiner returns a miner decoding with dec.
func NewMiner(dec *disasm.Decoder, opts ...MinerOption) *Miner {
	m := &Miner{dec: dec, depth: MaxDepth, log: log.New(io.Discard)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Mine scans secs inside image, the raw bytes of the whole file, and returns
// the unique gadgets in discovery order with per-section counts.
//
// Every return byte is a candidate terminator. For each depth d from the
// maximum down to 0 the d bytes before it plus the return itself are decoded;
// the window is kept when it yields exactly one instruction followed by a ret.
// All depths are tried, so one terminator can produce several gadgets.
// Windows that would start before the section are skipped.
func (m *Miner) Mine(secs []elfx.Section, image []byte) (*Set, []SectionStat, error) {
	set := NewSet()
	stats := make([]SectionStat, 0, len(secs))

	for _, sec := range secs {
		if sec.Off+sec.Size > uint64(len(image)) {
			return nil, nil, fmt.Errorf("%w: section %s [%#x, %#x) outside %d-byte image",
				elfx.ErrIO, sec.Name, sec.Off, sec.Off+sec.Size, len(image))
		}
		st := m.mineSection(sec, image[sec.Off:sec.Off+sec.Size], set)
		m.log.Info("Searched section for gadgets", "section", sec.Name, "returns", st.Returns, "found", st.Found)
		stats = append(stats, st)
	}

	m.log.Info("Found unique microgadgets", "count", set.Len())
	return set, stats, nil
}

func (m *Miner) mineSection(sec elfx.Section, code []byte, set *Set) SectionStat {
	st := SectionStat{Section: sec.Name}
	for k, b := range code {
		if b != RetOpcode {
			continue
		}
		st.Returns++
		for d := m.depth; d >= 0; d-- {
			if d > k {
				continue
			}
			start := k - d
			g, ok := New(m.dec.Decode(code[start:k+1], sec.VA+uint64(start)))
			if !ok {
				st.Rejected++
				continue
			}
			if set.Add(g) {
				st.Found++
			} else {
				st.Duplicates++
			}
		}
	}
	return st
}
