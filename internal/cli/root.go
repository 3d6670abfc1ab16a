package cli

import (
	"fmt"

	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mitigation-orchestrator",
		Short: "Settlement risk mitigation orchestrator",
	}

	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Validate a workflow catalog file without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := workflow.NewCatalog()
			if err := c.LoadBuiltins(); err != nil {
				return err
			}
			if err := c.LoadFile(args[0]); err != nil {
				return err
			}
			for _, w := range c.Workflows() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d steps\tactive=%t\n", w.ID, w.Version, len(w.Steps), w.Active)
			}
			return nil
		},
	}
}
