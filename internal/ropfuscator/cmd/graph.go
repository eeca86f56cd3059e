package cmd

import (
	"fmt"
	"os"
	pathpkg "path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [binary]",
	Short: "Write the register exchange graph as Graphviz DOT",
	Example: `
# Render the exchange graph of a library
ropfuscator graph libfoo.so | dot -Tsvg > xchg.svg

# Write it to a file
ropfuscator graph -o xchg.dot libfoo.so
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, cleanup, err := harvest(cmd, args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		name := strings.TrimSuffix(pathpkg.Base(args[0]), pathpkg.Ext(args[0]))
		dot := idx.ExchangeGraph().DOT(name)

		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			_, err := fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		}
		if err := os.WriteFile(out, []byte(dot), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().StringP("output", "o", "", "Write DOT to this file instead of stdout")
	rootCmd.AddCommand(graphCmd)
}
