package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/ledger"
	"github.com/majorcontext/pipebench/internal/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded pipeline executions",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of executions to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	dir, err := resultsDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ledger.FileName)); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions recorded")
		return nil
	}

	l, err := ledger.Open(dir)
	if err != nil {
		return err
	}
	defer l.Close()

	execs, err := l.List(historyLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions recorded")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Started", "Case", "Pipeline", "Command", "Duration", "Exit", "Status")
	for _, e := range execs {
		table.Append(
			shortID(e.ID),
			e.StartedAt.Local().Format(time.DateTime),
			e.Case,
			fmt.Sprint(e.Pipeline),
			e.Command,
			e.Duration.Round(time.Millisecond).String(),
			ui.ExitCodes(stageCodes(e.Stages)),
			e.Status,
		)
	}
	return table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// stageCodes returns exit codes in stage order.
func stageCodes(stages []ledger.StageExit) []int {
	sorted := slices.Clone(stages)
	slices.SortFunc(sorted, func(a, b ledger.StageExit) int { return a.Stage - b.Stage })
	codes := make([]int, len(sorted))
	for i, s := range sorted {
		codes[i] = s.Code
	}
	return codes
}
