// Package cli implements the pipebench command-line interface using Cobra.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/config"
	"github.com/majorcontext/pipebench/internal/log"
	"github.com/majorcontext/pipebench/internal/wrap"
)

var (
	verbose   bool
	jsonOut   bool
	outDir    string
	benchFile string

	globalCfg = config.DefaultGlobalConfig()
)

var rootCmd = &cobra.Command{
	Use:   "pipebench",
	Short: "Run and instrument process pipelines",
	Long: `pipebench runs the pipelines described in a bench file, wiring stages
together with pipes and optionally wrapping a stage with strace, mtrace,
perf, nvprof, working-set sampling or eBPF probes.

Output, normalized traces, the run ledger and a metrics textfile are written
to the bench file's output directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		g, err := config.LoadGlobal()
		if err == nil {
			globalCfg = g
		}

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      config.DebugDir(),
			RetentionDays: globalCfg.Debug.RetentionDays,
		}); err != nil {
			// Log init failure is non-fatal - fallback to default logger
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}

		// Stage processes and the elevated helper read the probe path from
		// the environment.
		if globalCfg.BPF.ProbePath != "" && os.Getenv(wrap.ProbePathEnv) == "" {
			os.Setenv(wrap.ProbePathEnv, globalCfg.BPF.ProbePath)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVar(&outDir, "dir", "", "output directory (default: the bench file's dir)")
	rootCmd.PersistentFlags().StringVarP(&benchFile, "file", "f", config.DefaultFile, "bench file")
}

// resultsDir is the output directory for commands that read results.
func resultsDir() (string, error) {
	if outDir != "" {
		return outDir, nil
	}
	b, err := config.Load(benchFile)
	if err != nil {
		return "", err
	}
	return b.Dir, nil
}
