package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// firstReg and lastReg bound the x86asm register enumeration.
const (
	firstReg = x86asm.AL
	lastReg  = x86asm.TR7
)

var regsByName = func() map[string]x86asm.Reg {
	m := make(map[string]x86asm.Reg, int(lastReg-firstReg)+1)
	for r := firstReg; r <= lastReg; r++ {
		m[strings.ToLower(r.String())] = r
	}
	return m
}()

// ParseReg maps a register name ("eax", "R8", "xmm0") to its x86asm identifier.
func ParseReg(name string) (x86asm.Reg, bool) {
	r, ok := regsByName[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

// RegName returns the lowercase name of r.
func RegName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}

// maxOp bounds the scan of the x86asm opcode table.
const maxOp = 4096

var opsByName = func() map[string]x86asm.Op {
	m := make(map[string]x86asm.Op)
	for op := x86asm.Op(1); op < maxOp; op++ {
		name := op.String()
		if strings.HasPrefix(name, "Op(") {
			continue
		}
		m[strings.ToLower(name)] = op
	}
	return m
}()

// ParseOp maps a mnemonic ("mov", "XCHG") to its x86asm opcode.
func ParseOp(name string) (x86asm.Op, bool) {
	op, ok := opsByName[strings.ToLower(strings.TrimSpace(name))]
	return op, ok
}
