package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/diagrelay/internal/config"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

const banner = `
    Welcome to the ISE TAC log backup tool.

    This tool walks you through backing up the logs from your ISE deployment and
    uploading them to the TAC case for analysis.

    Steps:
    1 - Connect to your ISE node via SSH
    2 - Find the nodes in your deployment
    3 - Ask which nodes to collect diagnostics from
    4 - For each selected node, in parallel:
        a - Create a "show tech-support" and upload it to the TAC case
        b - Verify the SFTP server fingerprint before trusting it
        c - Create a repository on the node called TAC-<TAC Case Number>
        d - Create a support diagnostic bundle and upload it to the TAC case

    Collecting diagnostics can take up to 45 minutes per node. Please be patient.
`

var (
	configPath string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:           "diagrelay",
	Short:         "Collect show tech and diagnostic bundles from an ISE deployment",
	Long:          strings.TrimRight(banner, "\n"),
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCollect,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml if present)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover and select nodes only")
	rootCmd.AddCommand(simulateCmd, historyCmd)
}

// printBanner banner 自带首尾换行
func printBanner(w io.Writer) {
	fmt.Fprint(w, banner)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志；DEBUG=TRUE 时强制 debug 级别并写日志文件
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lc := cfg.Log
	if strings.EqualFold(os.Getenv("DEBUG"), "TRUE") {
		lc.Level = "debug"
		if lc.Output == "" || lc.Output == "console" {
			lc.Output = "both"
		}
	}
	if err := logger.Init(logger.Config{
		Level:      lc.Level,
		Format:     lc.Format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
