package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/doctor"
	"github.com/majorcontext/pipebench/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check which wraps this host can run",
	Long: `Displays diagnostic information for each wrap strategy:
- external tools (strace, perf, nvprof)
- /proc support for working-set sampling
- privilege elevation and probe path for eBPF probes
- the allocation tracing library`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, ui.Bold("pipebench doctor"))
	fmt.Fprintln(w)

	reg := doctor.NewRegistry()
	reg.Register(versionSection{})
	reg.Register(doctor.HostSection{})
	reg.Register(doctor.ToolsSection{})
	reg.Register(doctor.ProcSection{})
	reg.Register(doctor.PrivilegeSection{
		Elevate:   globalCfg.BPF.Elevate,
		ProbePath: globalCfg.BPF.ProbePath,
	})
	reg.Register(doctor.MTraceSection{Library: globalCfg.MTrace.Library})

	return reg.Run(cmd.Context(), w)
}

// versionSection shows platform and version info
type versionSection struct{}

func (versionSection) Name() string { return "Version" }

func (versionSection) Print(_ context.Context, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s\n", version)
	fmt.Fprintf(tw, "Platform:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
	return tw.Flush()
}
