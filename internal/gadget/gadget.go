// Package gadget mines, classifies and relates x86 microgadgets: a single
// useful instruction immediately followed by a near return.
package gadget

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/disasm"
)

// Class is the semantic effect of a microgadget.
type Class int

const (
	Undefined Class = iota
	RegInit         // pop reg
	RegReset        // xor reg, reg
	RegLoad         // mov reg, [reg2]
	RegStore        // mov [reg], reg2
	RegXchg         // xchg reg, reg2
)

var classNames = [...]string{
	Undefined: "UNDEFINED",
	RegInit:   "REG_INIT",
	RegReset:  "REG_RESET",
	RegLoad:   "REG_LOAD",
	RegStore:  "REG_STORE",
	RegXchg:   "REG_XCHG",
}

// Classes lists every class in declaration order.
var Classes = []Class{Undefined, RegInit, RegReset, RegLoad, RegStore, RegXchg}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classNames[c]
}

// ParseClass accepts "REG_INIT", "reg_init" or "init".
func ParseClass(s string) (Class, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for _, c := range Classes {
		name := classNames[c]
		if u == name || "REG_"+u == name {
			return c, nil
		}
	}
	return Undefined, fmt.Errorf("unknown gadget class %q", s)
}

// MarshalText renders the class name.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts any name ParseClass does.
func (c *Class) UnmarshalText(b []byte) error {
	v, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Microgadget is one instruction followed by a return.
type Microgadget struct {
	Insts disasm.Stream // exactly two; the last is a ret
	Text  string        // canonical text, the dedup key
	Class Class
}

// New builds a microgadget from a decoded stream, or reports false when the
// stream is not exactly one instruction followed by a ret.
func New(s disasm.Stream) (*Microgadget, bool) {
	if len(s) != 2 || !s[1].IsRet() {
		return nil, false
	}
	return &Microgadget{Insts: s, Text: CanonicalText(s)}, true
}

// CanonicalText joins the Intel rendering of every non-terminal instruction,
// each followed by ';'. Addresses are not part of the text.
func CanonicalText(s disasm.Stream) string {
	var b strings.Builder
	for _, in := range s[:len(s)-1] {
		b.WriteString(in.Text)
		b.WriteByte(';')
	}
	return b.String()
}

// Address is the address of the first instruction.
func (g *Microgadget) Address() uint64 { return g.Insts[0].Addr }

// Op is the opcode of the useful instruction.
func (g *Microgadget) Op() x86asm.Op { return g.Insts[0].Op }

// Operand returns the i-th operand of the useful instruction.
func (g *Microgadget) Operand(i int) disasm.Operand { return g.Insts[0].Operand(i) }

// NumOperands is the operand count of the useful instruction.
func (g *Microgadget) NumOperands() int { return len(g.Insts[0].Operands) }

// Size is the encoded length of the gadget including the return.
func (g *Microgadget) Size() int {
	n := 0
	for _, in := range g.Insts {
		n += in.Len
	}
	return n
}

func (g *Microgadget) String() string {
	return fmt.Sprintf("%#08x: %s ret; [%s]", g.Address(), g.Text, g.Class)
}
