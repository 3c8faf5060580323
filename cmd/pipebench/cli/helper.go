package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/bridge"
	"github.com/majorcontext/pipebench/internal/wrap"
)

var helperCmd = &cobra.Command{
	Use:    bridge.HelperCommand,
	Hidden: true,
	Short:  "Attach eBPF probes for a bpf wrap (internal use)",
	Args:   cobra.NoArgs,
	// The helper talks the bridge protocol on stdin and stdout and runs
	// elevated, so it skips the user's log setup.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runHelper,
}

func init() {
	rootCmd.AddCommand(helperCmd)
}

func runHelper(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%s must run as root", bridge.HelperCommand)
	}
	return bridge.Serve(os.Stdin, os.Stdout, bridge.KernelLoader{
		ProbePath: os.Getenv(wrap.ProbePathEnv),
	})
}
