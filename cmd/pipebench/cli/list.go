package cli

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/majorcontext/pipebench/internal/config"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cases of the bench file",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	b, err := config.Load(benchFile)
	if err != nil {
		return err
	}
	dir := outDir
	if dir == "" {
		dir = b.Dir
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Case", "Pipeline", "Command", "Wraps")
	for i := range b.Cases {
		c, err := b.Build(&b.Cases[i], dir, globalCfg)
		if err != nil {
			return err
		}
		for _, p := range c.Pipelines {
			var wraps []string
			for s, st := range p.Stages {
				if spec := st.WrapSpec(); spec != nil {
					wraps = append(wraps, fmt.Sprintf("%d:%s", s, spec.Kind))
				}
			}
			table.Append(c.Name, fmt.Sprint(p.Index), p.String(), strings.Join(wraps, " "))
		}
	}
	return table.Render()
}
