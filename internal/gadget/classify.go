package gadget

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/disasm"
)

// Classify returns the class of g from the opcode and operand shapes of its
// useful instruction. It does not modify g.
func Classify(g *Microgadget) Class {
	op0, op1 := g.Operand(0), g.Operand(1)

	switch g.Op() {
	case x86asm.POP:
		if op0.Type == disasm.OpReg {
			return RegInit
		}
	case x86asm.XOR:
		if op0.Type == disasm.OpReg && op1.Type == disasm.OpReg && op0.Reg == op1.Reg {
			return RegReset
		}
	case x86asm.MOV:
		switch {
		case op0.Type == disasm.OpReg && op1.Type == disasm.OpMem && op1.Mem.Flat():
			return RegLoad
		case op0.Type == disasm.OpMem && op0.Mem.Flat() && op1.Type == disasm.OpReg:
			return RegStore
		}
	case x86asm.XCHG:
		if op0.Type == disasm.OpReg && op1.Type == disasm.OpReg && op0.Reg != op1.Reg {
			return RegXchg
		}
	}
	return Undefined
}

// AssignClasses sets Class on every gadget. Running it again yields the same
// assignment.
func AssignClasses(gs []*Microgadget) {
	for _, g := range gs {
		g.Class = Classify(g)
	}
}

// Clobbers returns the registers g overwrites, ignoring the stack pointer
// moved by the return. Gadgets that write only memory, or are UNDEFINED,
// report nil.
func Clobbers(g *Microgadget) []x86asm.Reg {
	switch g.Class {
	case RegInit, RegReset, RegLoad:
		return []x86asm.Reg{g.Operand(0).Reg}
	case RegXchg:
		return []x86asm.Reg{g.Operand(0).Reg, g.Operand(1).Reg}
	}
	return nil
}
