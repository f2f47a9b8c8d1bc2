package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/diagrelay/simulate"
)

var simulateFile string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated ISE appliances and an intake endpoint for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := setup(); err != nil {
			return err
		}
		cfg, err := simulate.LoadConfig(simulateFile)
		if err != nil {
			return err
		}
		mgr, err := simulate.Start(cfg)
		if err != nil {
			return err
		}
		defer mgr.Stop()

		out := cmd.OutOrStdout()
		addrs := mgr.Addrs()
		for _, ac := range cfg.Appliances {
			addr, ok := addrs[ac.Hostname]
			if !ok {
				continue
			}
			user := ac.Username
			if user == "" {
				user = "admin"
			}
			fmt.Fprintf(out, "appliance %-16s ssh %s@%s (password %q)\n", ac.Hostname, user, addr, cfg.Password)
		}
		if mgr.Intake() != nil {
			fmt.Fprintf(out, "intake    http://%s/home/ (case %s)\n", cfg.Intake.Listen, cfg.Intake.CaseID)
		}
		fmt.Fprintln(out, "Press Ctrl+C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateFile, "file", "f", "simulate/simulate.yaml", "simulator config file")
}
