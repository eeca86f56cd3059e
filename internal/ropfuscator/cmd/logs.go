package cmd

import (
	"context"
	"fmt"
	"io"
	pathpkg "path/filepath"
	"sort"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

// logGlob matches the files written with ROPFUSCATOR_LOG_TO_FILE=1.
const logGlob = "ropfuscator-*.log"

var logsCmd = &cobra.Command{
	Use:   "logs [file]",
	Short: "Print or follow a harvest log file",
	Long: `Print a log file written with ROPFUSCATOR_LOG_TO_FILE=1. Without an
argument the newest ropfuscator-*.log in the current directory is used.`,
	Example: `
# Watch a long harvest from another terminal
ROPFUSCATOR_LOG_TO_FILE=1 ropfuscator -n libc.so.6 &
ropfuscator logs -f
  `,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			var err error
			if path, err = newestLog("."); err != nil {
				return err
			}
		}
		follow, _ := cmd.Flags().GetBool("follow")
		return runLogs(cmd.Context(), cmd.OutOrStdout(), path, follow)
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing lines as they are appended")
	rootCmd.AddCommand(logsCmd)
}

// newestLog returns the lexically greatest log name in dir. Names embed a
// sortable timestamp.
func newestLog(dir string) (string, error) {
	matches, err := pathpkg.Glob(pathpkg.Join(dir, logGlob))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s in %s", logGlob, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func runLogs(ctx context.Context, w io.Writer, path string, follow bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(w, line.Text)
		}
	}
}
