package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Print the steps that restore a backup",
	Long: `restore does not touch the database or the storage tree. It prints
the commands to run, including every incremental export back to the last
full one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := om.RestoreInstructions(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), plan)
		return nil
	},
}
