package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	pathpkg "path/filepath"
	"runtime/pprof"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/gmh5225/ropfuscator/internal/gadget"
	"github.com/gmh5225/ropfuscator/internal/ropfuscator/styles"
	"github.com/gmh5225/ropfuscator/internal/ui/colorize"
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "C", "", "Harvest configuration file (JSON, see `ropfuscator schema`)")
	rootCmd.PersistentFlags().Int("mode", 0, "Decoder width: 16, 32 or 64 (default: from the ELF class)")
	rootCmd.PersistentFlags().Int("depth", gadget.MaxDepth, "Bytes examined before each return opcode")
	rootCmd.PersistentFlags().Int64("max-size", DefaultConfig().MaxSize, "Largest binary accepted, in bytes (0: no limit)")
	rootCmd.PersistentFlags().Uint64("seed", 0, "Seed for random symbol selection (0: time-seeded)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().BoolP("no-tui", "n", false, "Show summary without TUI")
	rootCmd.Flags().BoolP("json", "j", false, "Output the index as JSON")
	rootCmd.Flags().Bool("report", false, "Render a markdown report")
	rootCmd.Flags().String("class", "", "Only list gadgets of this class (e.g. REG_INIT)")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "ropfuscator [binary]",
	Short: "Harvest and index ROP microgadgets from x86 ELF binaries",
	Long: `ropfuscator scans the executable sections of an x86 ELF binary for
microgadgets (one useful instruction followed by ret), classifies them, and
builds the register exchange graph used to assemble obfuscating ROP chains.`,
	Example: `
# Browse the gadgets of libc in the interactive browser
ropfuscator /lib/i386-linux-gnu/libc.so.6

# Print a summary of the register-init gadgets only
ropfuscator -n --class REG_INIT /lib/i386-linux-gnu/libc.so.6

# Dump the index as JSON
ropfuscator --json libfoo.so > gadgets.json
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}

		filter, err := classFilter(cmd)
		if err != nil {
			return err
		}

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		report, _ := cmd.Flags().GetBool("report")

		if !term.IsTerminal(os.Stdout.Fd()) {
			noTUI = true
		}
		// Plain output must not carry escape codes.
		if noTUI || jsonOutput {
			os.Setenv(colorize.NoColorEnv, "1")
		}

		if jsonOutput || report || noTUI {
			idx, cleanup, err := harvest(cmd, absPath)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				return writeJSON(out, idx, filter)
			case report:
				width := 80
				if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
					width = w
				}
				md := reportMarkdown(idx, filter)
				if noTUI {
					fmt.Fprint(out, md)
					return nil
				}
				fmt.Fprint(out, styles.RenderReport(md, width-2))
				return nil
			default:
				writeSummary(out, idx, filter)
				return nil
			}
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		program := tea.NewProgram(
			NewModel(absPath, cfg.Autopsy(nil), filter),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

func classFilter(cmd *cobra.Command) (*gadget.Class, error) {
	name, _ := cmd.Flags().GetString("class")
	if name == "" {
		return nil, nil
	}
	c, err := gadget.ParseClass(name)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Execute runs the root command. Piped output and --no-tui bypass fang so
// the result stays plain.
func Execute() {
	plain := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" || arg == "--json" || arg == "-j" {
			plain = true
			break
		}
	}
	if !plain && !term.IsTerminal(os.Stdout.Fd()) {
		plain = true
	}

	if plain {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
