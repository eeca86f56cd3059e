// Package scratch records which registers are free to clobber at a given
// instruction while a gadget chain is being built in its place.
//
// The data-flow analysis that decides liveness lives with the compiler
// backend. It reports its results through a Tracker, and chain builders read
// them back through the Liveness interface.
package scratch

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// Liveness answers which registers are dead at an instruction.
type Liveness interface {
	// Scratch returns the registers that may be clobbered at the
	// instruction identified by at, most recently recorded last.
	Scratch(at uint64) []x86asm.Reg
}

// Tracker stores scratch registers per instruction key. The zero value is
// ready to use and safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	regs map[uint64][]x86asm.Reg
}

var _ Liveness = (*Tracker)(nil)

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{regs: make(map[uint64][]x86asm.Reg)}
}

// Add records r as free at instruction at. Registers are kept in the order
// they are added.
func (t *Tracker) Add(at uint64, r x86asm.Reg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regs == nil {
		t.regs = make(map[uint64][]x86asm.Reg)
	}
	t.regs[at] = append(t.regs[at], r)
}

// Get returns the register added last at instruction at.
func (t *Tracker) Get(at uint64) (x86asm.Reg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.regs[at]
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1], true
}

// All returns a copy of the registers free at instruction at, or nil.
func (t *Tracker) All(at uint64) []x86asm.Reg {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.regs[at]
	if len(rs) == 0 {
		return nil
	}
	return append([]x86asm.Reg(nil), rs...)
}

// Pop removes and returns the register added last at instruction at. A chain
// builder pops a register once it has claimed it.
func (t *Tracker) Pop(at uint64) (x86asm.Reg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.regs[at]
	if len(rs) == 0 {
		return 0, false
	}
	r := rs[len(rs)-1]
	t.regs[at] = rs[:len(rs)-1]
	return r, true
}

// Count returns how many registers are free at instruction at.
func (t *Tracker) Count(at uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regs[at])
}

// Scratch implements Liveness.
func (t *Tracker) Scratch(at uint64) []x86asm.Reg { return t.All(at) }
