package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/gmh5225/ropfuscator/internal/autopsy"
	"github.com/gmh5225/ropfuscator/internal/disasm"
	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/scratch"
	"github.com/gmh5225/ropfuscator/internal/ui/colorize"
)

// lookupQuery is one question asked of the index. Exactly one field group
// is set.
type lookupQuery struct {
	text   string
	class  *gadget.Class
	op     x86asm.Op
	t0, t1 disasm.OperandType

	// scratch restricts a class lookup to gadgets clobbering only these.
	scratch []x86asm.Reg

	randomSymbol bool
	symver       bool

	xchg [2]x86asm.Reg
}

var lookupCmd = &cobra.Command{
	Use:   "lookup [binary]",
	Short: "Query the gadget index of a binary",
	Long: `Query the gadget index the way a chain builder does: by canonical text,
by instruction shape, by class, for a random exported symbol, or for register
exchangeability. An empty answer exits non-zero.`,
	Example: `
# Find the gadget "pop eax; ret"
ropfuscator lookup --text "pop eax;" libc.so.6

# All mov reg, mem gadgets
ropfuscator lookup --op mov --op0 reg --op1 mem libc.so.6

# REG_INIT gadgets that only clobber registers free at the call site
ropfuscator lookup --class REG_INIT --scratch ecx,edx libc.so.6

# Can a value in eax be moved to edx through xchg gadgets?
ropfuscator lookup --xchg eax,edx libc.so.6

# Pick a random symbol to anchor a chain, with its .symver directive
ropfuscator lookup --random-symbol --symver libc.so.6
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := parseLookup(cmd)
		if err != nil {
			return err
		}
		idx, cleanup, err := harvest(cmd, args[0])
		if err != nil {
			return err
		}
		defer cleanup()
		return runLookup(cmd.OutOrStdout(), idx, q)
	},
}

func init() {
	lookupCmd.Flags().String("text", "", "Canonical gadget text, e.g. \"pop eax;\"")
	lookupCmd.Flags().String("class", "", "Gadget class, e.g. REG_XCHG")
	lookupCmd.Flags().String("op", "", "Mnemonic of the useful instruction, e.g. mov")
	lookupCmd.Flags().String("op0", "", "First operand type: reg, imm or mem")
	lookupCmd.Flags().String("op1", "any", "Second operand type: reg, imm, mem or any")
	lookupCmd.Flags().Bool("random-symbol", false, "Print a uniformly chosen exported function")
	lookupCmd.Flags().Bool("symver", false, "With --random-symbol, print the .symver directive")
	lookupCmd.Flags().String("scratch", "", "With --class, comma-separated registers the gadget may clobber")
	lookupCmd.Flags().String("xchg", "", "Two registers r1,r2: report whether they are exchangeable")
	lookupCmd.MarkFlagsMutuallyExclusive("text", "class", "op", "random-symbol", "xchg")
	lookupCmd.MarkFlagsOneRequired("text", "class", "op", "random-symbol", "xchg")
	rootCmd.AddCommand(lookupCmd)
}

func parseLookup(cmd *cobra.Command) (lookupQuery, error) {
	var q lookupQuery
	flags := cmd.Flags()

	q.text, _ = flags.GetString("text")
	q.randomSymbol, _ = flags.GetBool("random-symbol")
	q.symver, _ = flags.GetBool("symver")

	if name, _ := flags.GetString("class"); name != "" {
		c, err := gadget.ParseClass(name)
		if err != nil {
			return q, err
		}
		q.class = &c
	}

	if mnem, _ := flags.GetString("op"); mnem != "" {
		op, ok := disasm.ParseOp(mnem)
		if !ok {
			return q, fmt.Errorf("unknown mnemonic %q", mnem)
		}
		q.op = op
		s0, _ := flags.GetString("op0")
		s1, _ := flags.GetString("op1")
		var err error
		if q.t0, err = disasm.ParseOperandType(s0); err != nil {
			return q, err
		}
		if q.t1, err = disasm.ParseOperandType(s1); err != nil {
			return q, err
		}
	}

	if list, _ := flags.GetString("scratch"); list != "" {
		if q.class == nil {
			return q, errors.New("--scratch needs --class")
		}
		regs, err := parseRegs(list)
		if err != nil {
			return q, err
		}
		q.scratch = regs
	}

	if pair, _ := flags.GetString("xchg"); pair != "" {
		regs, err := parseRegs(pair)
		if err != nil {
			return q, err
		}
		if len(regs) != 2 {
			return q, fmt.Errorf("--xchg wants two registers separated by a comma, got %q", pair)
		}
		q.xchg = [2]x86asm.Reg{regs[0], regs[1]}
	}
	return q, nil
}

func parseRegs(list string) ([]x86asm.Reg, error) {
	var regs []x86asm.Reg
	for _, name := range strings.Split(list, ",") {
		r, ok := disasm.ParseReg(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		regs = append(regs, r)
	}
	return regs, nil
}

func printGadgets(w io.Writer, gs []*gadget.Microgadget) {
	for _, g := range gs {
		fmt.Fprintf(w, "%s  [%s]\n", colorize.GadgetLine(g.Address(), g.Text), g.Class)
	}
}

// runLookup answers q and reports autopsy.ErrEmptyIndex when nothing matches.
func runLookup(w io.Writer, idx *autopsy.Autopsy, q lookupQuery) error {
	switch {
	case q.text != "":
		g, ok := idx.LookupByText(q.text)
		if !ok {
			return fmt.Errorf("%w: no gadget %q", autopsy.ErrEmptyIndex, q.text)
		}
		printGadgets(w, []*gadget.Microgadget{g})

	case q.class != nil && q.scratch != nil:
		free := scratch.NewTracker()
		for _, r := range q.scratch {
			free.Add(0, r)
		}
		gs := idx.LookupScratch(*q.class, free, 0)
		if len(gs) == 0 {
			return fmt.Errorf("%w: no %s gadgets clobbering only %s", autopsy.ErrEmptyIndex,
				*q.class, regNames(q.scratch))
		}
		printGadgets(w, gs)

	case q.class != nil:
		gs := idx.LookupByClass(*q.class)
		if len(gs) == 0 {
			return fmt.Errorf("%w: no %s gadgets", autopsy.ErrEmptyIndex, *q.class)
		}
		printGadgets(w, gs)

	case q.op != 0:
		gs := idx.LookupByShape(q.op, q.t0, q.t1)
		if len(gs) == 0 {
			return fmt.Errorf("%w: no %s %s, %s gadgets", autopsy.ErrEmptyIndex,
				strings.ToLower(q.op.String()), q.t0, q.t1)
		}
		printGadgets(w, gs)

	case q.randomSymbol:
		s, err := idx.RandomSymbol()
		if err != nil {
			return err
		}
		if q.symver && s.Version != "" {
			fmt.Fprintln(w, s.SymVerDirective())
			return nil
		}
		fmt.Fprintf(w, "%#x  %s\n", s.Address, s.Demangled())

	case q.xchg[0] != 0:
		r1, r2 := q.xchg[0], q.xchg[1]
		path := idx.ExchangeGraph().Path(r1, r2)
		if path == nil {
			fmt.Fprintf(w, "%s and %s are not exchangeable\n", disasm.RegName(r1), disasm.RegName(r2))
			return fmt.Errorf("%w: no exchange path", autopsy.ErrEmptyIndex)
		}
		fmt.Fprintln(w, strings.Join(regNamesList(path), " -> "))

	default:
		return errors.New("nothing to look up")
	}
	return nil
}

func regNamesList(regs []x86asm.Reg) []string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = disasm.RegName(r)
	}
	return names
}

func regNames(regs []x86asm.Reg) string { return strings.Join(regNamesList(regs), ",") }
