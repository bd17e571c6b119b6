package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/operations"
)

var (
	jobType string
	jobID   string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Start or run backup jobs",
	}

	backupStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start a backup job in the background and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := om.StartJob(jobType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	backupRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a backup job in the foreground",
		Long: `run executes the job in this process. It is what "backup start"
launches, and can be called directly from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rec, err := om.Run(ctx, jobType, jobID)
			if rec.ID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", rec.ID, rec.Status, rec.Strategy, rec.SizeFormatted)
			}
			return err
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{backupStartCmd, backupRunCmd} {
		c.Flags().StringVarP(&jobType, "type", "t", operations.TypeFull, "job type: full, database or storage")
	}
	backupRunCmd.Flags().StringVar(&jobID, "job-id", "", "id handed out by backup start")
	_ = backupRunCmd.Flags().MarkHidden("job-id")

	backupCmd.AddCommand(backupStartCmd)
	backupCmd.AddCommand(backupRunCmd)
}
