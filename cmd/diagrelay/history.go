package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/diagrelay/internal/database"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent collection runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
			return err
		}
		defer database.Close()

		runs, err := database.RecentRuns(historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tCASE\tSEED\tSTATUS\tOK\tFAILED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				r.StartTime.Format(time.RFC3339), r.CaseID, r.SeedHost, r.Status,
				r.Succeeded, r.Failed, (time.Duration(r.Duration) * time.Millisecond).Round(time.Second))
			for _, n := range r.Nodes {
				detail := n.Transcript
				if !n.Success {
					detail = fmt.Sprintf("%s failed (%s): %s", n.Stage, n.ErrorKind, n.ErrorMsg)
				}
				fmt.Fprintf(w, "  %s\t%s\t\t\t\t\t%s\n", n.Node, n.Role, detail)
			}
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs to show")
}
