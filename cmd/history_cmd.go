package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the progress of the current or last job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := om.GetProgress()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if st == nil {
				fmt.Fprintln(out, "no backup has run yet")
				return nil
			}
			fmt.Fprintf(out, "job:      %s (%s)\n", st.JobID, st.JobType)
			fmt.Fprintf(out, "progress: %.1f%% step %d/%d %s\n", st.Percentage, st.Step, st.TotalSteps, st.CurrentStepName)
			fmt.Fprintf(out, "message:  %s\n", st.Message)
			fmt.Fprintf(out, "updated:  %s\n", humanize.Time(time.Unix(st.Timestamp, 0)))
			if st.ETAFormatted != "" {
				fmt.Fprintf(out, "eta:      %s\n", st.ETAFormatted)
			}
			if msg, err := om.LastTransferError(); err == nil && msg != "" {
				fmt.Fprintf(out, "last transfer error: %s\n", msg)
			}
			return nil
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List or delete past backups",
	}

	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List past backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := om.GetHistory(historyLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tTYPE\tSTRATEGY\tSTATUS\tSIZE\tFILES")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.Date, r.Type, r.Strategy, r.Status, r.SizeFormatted, len(r.Files))
				if len(r.Errors) > 0 {
					fmt.Fprintf(w, "\t  errors: %s\n", strings.Join(r.Errors, "; "))
				}
				if r.TransferError != "" {
					fmt.Fprintf(w, "\t  transfer: %s\n", r.TransferError)
				}
			}
			return w.Flush()
		},
	}

	historyDeleteCmd = &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := om.DeleteRecord(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d files, %s)\n", rec.ID, len(rec.Files), rec.SizeFormatted)
			return nil
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := om.Cleanup()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files, dropped %d records\n", len(res.Files), len(res.Records))
			return err
		},
	}
)

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show; 0 shows all")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}
