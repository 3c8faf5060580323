package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/config"
	"github.com/majorcontext/pipebench/internal/runner"
	"github.com/majorcontext/pipebench/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run [case...]",
	Short: "Run cases from the bench file",
	Long: `Runs the named cases in the order given, or every case in file order
when none are named. Each pipeline's output goes to <dir>/<case>-<n>.log.

Interrupting pipebench kills the running stages and stops the run.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	b, err := config.Load(benchFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := runner.Run(ctx, runner.Options{
		Bench:  b,
		Cases:  args,
		Dir:    outDir,
		Global: globalCfg,
		Out:    cmd.OutOrStdout(),
	})
	if err != nil {
		if ctx.Err() != nil {
			ui.Warn("interrupted")
		}
		return err
	}
	if sum.Failed > 0 {
		ui.Warnf("%d of %d pipelines had stages exiting non-zero", sum.Failed, sum.Pipelines)
		return nil
	}
	ui.Infof("ran %d pipelines in %d cases", sum.Pipelines, sum.Cases)
	return nil
}
