package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/diagrelay/internal/archive"
	"github.com/sshcollectorpro/diagrelay/internal/bundle"
	"github.com/sshcollectorpro/diagrelay/internal/config"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/internal/database"
	"github.com/sshcollectorpro/diagrelay/internal/input"
	"github.com/sshcollectorpro/diagrelay/internal/intake"
	"github.com/sshcollectorpro/diagrelay/internal/orchestrator"
	"github.com/sshcollectorpro/diagrelay/internal/report"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
	"github.com/sshcollectorpro/diagrelay/pkg/ssh"
)

func runCollect(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printBanner(out)

	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := config.Watch(ctx, configPath, func(c *config.Config) {
			logger.SetLevel(c.Log.Level)
		}); err != nil {
			logger.Warnf("Config hot reload disabled: %v", err)
		}
	}

	// 凭据与节点选择共用一个 prompter，行模式下带缓冲
	prompter := input.NewPrompter(os.Stdin, out)
	creds, err := input.Resolve(input.Environ(), prompter)
	if err != nil {
		return err
	}

	matcher, err := console.NewPromptMatcher(cfg.Console.PromptPatterns, cfg.Console.TailWindow)
	if err != nil {
		return err
	}

	var history orchestrator.History
	if cfg.Database.Enabled {
		if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
			logger.Warnf("Run history disabled: %v", err)
		} else {
			defer database.Close()
			history = orchestrator.DatabaseHistory()
		}
	}

	pool := ssh.NewPool(&ssh.PoolConfig{
		MaxIdle:     4,
		MaxActive:   0,
		IdleTimeout: cfg.SSH.SessionTimeout,
		SSHConfig: &ssh.Config{
			Timeout:     cfg.SSH.ConnectTimeout,
			KeepAlive:   cfg.SSH.KeepAliveInterval,
			IdleTimeout: cfg.SSH.SessionTimeout,
		},
	})
	defer pool.Close()

	printer := report.NewPrinter(out)
	deps := orchestrator.Deps{
		Dialer: &orchestrator.SSHDialer{Pool: pool},
		Uploader: intake.NewClient(intake.Config{
			URL:       cfg.Intake.URL,
			UserAgent: cfg.Intake.UserAgent,
			Timeout:   cfg.Intake.Timeout,
		}, creds.CaseID, creds.Token),
		Archive: archive.New(cfg.Archive),
		History: history,
		Printer: printer,
	}
	if cfg.Bundle.Enabled {
		deps.Bundle = bundle.New(bundle.Config{
			SFTPHost:          cfg.Bundle.SFTPHost,
			Fingerprints:      cfg.Bundle.Fingerprints,
			DestinationPrefix: cfg.Bundle.DestinationPrefix,
			BundlePrefix:      cfg.Bundle.BundlePrefix,
			ConfirmPrompt:     cfg.Bundle.ConfirmPrompt,
			ConfirmAnswer:     cfg.Bundle.ConfirmAnswer,
			HostKeyTimeout:    cfg.Bundle.HostKeyTimeout,
			ConfigTimeout:     cfg.Bundle.ConfigTimeout,
			RemoveDestination: cfg.Bundle.RemoveDestination,
		}, bundle.Credentials{CaseID: creds.CaseID, Token: creds.Token}, printer.Line)
	}

	o := orchestrator.New(orchestrator.Options{
		CaseID:   creds.CaseID,
		Username: creds.Username,
		Password: creds.Password,
		Port:     cfg.SSH.Port,
		HostFor:  cfg.HostFor,
		Console: console.Options{
			Matcher:          matcher,
			MaxBytes:         cfg.Console.MaxBytes,
			ProgressInterval: cfg.Console.ProgressInterval,
			PromptNudge:      cfg.Console.PromptNudge,
			PromptNudgeLimit: cfg.Console.PromptNudgeLimit,
			DrainQuiet:       cfg.Console.DrainQuiet,
		},
		CollectCommand:   cfg.Collector.Command,
		DiscoveryCommand: cfg.Discovery.Command,
		StopMarker:       cfg.Discovery.StopMarker,
		SectionTitle:     cfg.Discovery.SectionTitle,
		Concurrency:      cfg.Collector.Concurrent,
		DryRun:           dryRun,
	}, deps)

	logger.WithField("seed", creds.Host).Info("Starting")
	results, err := o.Run(ctx, strings.TrimSpace(creds.Host), prompter, out)
	if err != nil {
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d node(s) failed", failed, len(results))
		}
		return err
	}
	return nil
}
