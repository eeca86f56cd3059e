// Package disasm adapts golang.org/x/arch/x86/x86asm into the instruction
// representation used by the gadget miner and classifier.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// OperandType tags the shape of a decoded operand. The zero value doubles as
// the "any" wildcard for shape lookups.
type OperandType uint8

const (
	OpInvalid OperandType = iota
	OpReg
	OpImm
	OpMem
)

func (t OperandType) String() string {
	switch t {
	case OpReg:
		return "reg"
	case OpImm:
		return "imm"
	case OpMem:
		return "mem"
	default:
		return "invalid"
	}
}

// ParseOperandType maps "reg", "imm", "mem" (and "" / "any") to an OperandType.
func ParseOperandType(s string) (OperandType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "invalid":
		return OpInvalid, nil
	case "reg":
		return OpReg, nil
	case "imm":
		return OpImm, nil
	case "mem":
		return OpMem, nil
	}
	return OpInvalid, fmt.Errorf("unknown operand type %q", s)
}

// Mem is a memory addressing expression. Registers are x86asm.Reg values;
// zero means absent.
type Mem struct {
	Segment x86asm.Reg
	Base    x86asm.Reg
	Index   x86asm.Reg
	Scale   uint8
	Disp    int64
}

// Flat reports whether the expression is a plain [base] pointer: no segment
// override, no index, scale 1 and no displacement.
func (m Mem) Flat() bool {
	return m.Base != 0 && m.Segment == 0 && m.Index == 0 && m.Scale == 1 && m.Disp == 0
}

// Operand is one decoded instruction argument.
type Operand struct {
	Type OperandType
	Reg  x86asm.Reg
	Imm  int64
	Mem  Mem
}

// Inst is a decoded instruction with operand detail.
type Inst struct {
	Addr     uint64     // virtual address of the instruction
	Len      int        // encoded length in bytes
	Op       x86asm.Op  // opcode id
	Mnemonic string     // lowercase opcode name
	Text     string     // Intel syntax rendering
	Operands []Operand  // operands in Intel order
	Raw      x86asm.Inst
}

// Operand returns the i-th operand, or a zero Operand when the instruction
// has fewer operands.
func (i Inst) Operand(n int) Operand {
	if n < 0 || n >= len(i.Operands) {
		return Operand{}
	}
	return i.Operands[n]
}

// IsRet reports whether the instruction is a near return.
func (i Inst) IsRet() bool {
	return i.Op == x86asm.RET
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Decoder decodes x86 code in a fixed processor mode.
type Decoder struct {
	mode int
}

// NewDecoder returns a decoder for mode 16, 32 or 64.
func NewDecoder(mode int) (*Decoder, error) {
	switch mode {
	case 16, 32, 64:
		return &Decoder{mode: mode}, nil
	}
	return nil, fmt.Errorf("unsupported x86 mode: %d", mode)
}

// Mode returns the decoder's processor mode in bits.
func (d *Decoder) Mode() int { return d.mode }

// Decode decodes code as a contiguous instruction stream whose first byte
// lives at addr. Decoding stops at the first byte sequence that does not form
// a valid instruction; the instructions decoded so far are returned.
func (d *Decoder) Decode(code []byte, addr uint64) Stream {
	var out Stream
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, d.mode)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			break
		}
		out = append(out, convert(inst, addr))
		code = code[inst.Len:]
		addr += uint64(inst.Len)
	}
	return out
}

func convert(inst x86asm.Inst, addr uint64) Inst {
	out := Inst{
		Addr:     addr,
		Len:      inst.Len,
		Op:       inst.Op,
		Mnemonic: strings.ToLower(inst.Op.String()),
		Text:     x86asm.IntelSyntax(inst, addr, nil),
		Raw:      inst,
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		out.Operands = append(out.Operands, convertArg(a))
	}
	return out
}

func convertArg(a x86asm.Arg) Operand {
	switch a := a.(type) {
	case x86asm.Reg:
		return Operand{Type: OpReg, Reg: a}
	case x86asm.Imm:
		return Operand{Type: OpImm, Imm: int64(a)}
	case x86asm.Rel:
		return Operand{Type: OpImm, Imm: int64(a)}
	case x86asm.Mem:
		m := Mem{
			Segment: a.Segment,
			Base:    a.Base,
			Index:   a.Index,
			Scale:   a.Scale,
			Disp:    a.Disp,
		}
		// x86asm leaves scale at 0 when there is no SIB byte.
		if m.Scale == 0 {
			m.Scale = 1
		}
		return Operand{Type: OpMem, Mem: m}
	}
	return Operand{}
}
