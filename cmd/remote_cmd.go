package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/transfer"
)

var (
	remoteServer string
	remoteSet    map[string]string
	remoteLimit  int

	remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "Manage the remote backup destination",
	}

	remoteShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the destination config with secrets hidden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := om.LoadDestinationConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rc.Redacted())
		},
	}

	remoteSaveCmd = &cobra.Command{
		Use:   "save <file.json>",
		Short: "Validate a destination config and store it with secrets encrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rc := transfer.DefaultConfig()
			if err := json.Unmarshal(data, &rc); err != nil {
				return fmt.Errorf("%w: %v", transfer.ErrInvalidConfig, err)
			}
			if err := om.SaveDestinationConfig(rc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", om.RemoteConfigPath())
			return nil
		},
	}

	remoteTestCmd = &cobra.Command{
		Use:   "test [server-id]",
		Short: "Check that a destination is reachable",
		Long: `test connects to a saved server, or to one described inline:

  sitebackup remote test --set id=nas --set method=sftp --set host=nas.lan --set user=bk --set path=/backups`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var srv transfer.Server
			if len(remoteSet) > 0 {
				input := make(map[string]any, len(remoteSet))
				for k, v := range remoteSet {
					input[k] = v
				}
				s, err := transfer.DecodeServer(input)
				if err != nil {
					return err
				}
				srv = s
			} else {
				rc, err := om.LoadDestinationConfig()
				if err != nil {
					return err
				}
				id := ""
				if len(args) > 0 {
					id = args[0]
				}
				if srv, err = rc.Server(id); err != nil {
					return err
				}
			}

			res, err := om.TestDestination(cmd.Context(), srv)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", srv.ID, srv.Method, res.Message)
			if !res.Success {
				return fmt.Errorf("connection test failed: %s", res.Kind)
			}
			return nil
		},
	}

	remoteTransferCmd = &cobra.Command{
		Use:   "transfer <file>...",
		Short: "Ship backup files to the destination",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := om.TransferArtifacts(cmd.Context(), args, remoteServer)
			out := cmd.OutOrStdout()
			for _, f := range sum.Transferred {
				fmt.Fprintf(out, "ok      %s\n", f)
			}
			for _, f := range sum.Failed {
				fmt.Fprintf(out, "failed  %s\n", f)
			}
			return err
		},
	}

	remoteCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete remote backups older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return om.CleanupRemote(cmd.Context(), remoteServer)
		},
	}

	remoteLogCmd = &cobra.Command{
		Use:   "log",
		Short: "Show the transfer log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := om.TransferLog(remoteLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintln(out, e.String())
			}
			msg, err := om.LastTransferError()
			if err != nil {
				return err
			}
			if msg != "" {
				fmt.Fprintf(out, "\nlast error: %s\n", msg)
			}
			return nil
		},
	}

	remoteHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the outcome of each transferred file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomes, err := om.TransferHistory()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSERVER\tSTATUS\tATTEMPTS\tFILE")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					o.Time.Format("2006-01-02 15:04:05"), o.Server, o.Status, o.Attempts, o.File)
			}
			return w.Flush()
		},
	}

	remoteMethodsCmd = &cobra.Command{
		Use:   "methods",
		Short: "List the transfer methods this host supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range om.AvailableMethods() {
				status := "available"
				if !m.Available {
					status = "unavailable"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, status, m.Note)
			}
			return w.Flush()
		},
	}
)

func init() {
	remoteTestCmd.Flags().StringToStringVar(&remoteSet, "set", nil, "server field as key=value, repeatable")
	remoteTransferCmd.Flags().StringVarP(&remoteServer, "server", "s", "", "server id; defaults to the first active one")
	remoteCleanupCmd.Flags().StringVarP(&remoteServer, "server", "s", "", "server id; defaults to the first active one")
	remoteLogCmd.Flags().IntVarP(&remoteLimit, "limit", "n", 50, "number of entries to show; 0 shows all")

	remoteCmd.AddCommand(remoteShowCmd)
	remoteCmd.AddCommand(remoteSaveCmd)
	remoteCmd.AddCommand(remoteTestCmd)
	remoteCmd.AddCommand(remoteTransferCmd)
	remoteCmd.AddCommand(remoteCleanupCmd)
	remoteCmd.AddCommand(remoteLogCmd)
	remoteCmd.AddCommand(remoteHistoryCmd)
	remoteCmd.AddCommand(remoteMethodsCmd)
}
