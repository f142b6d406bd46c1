package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/process"
	"github.com/mihaisavezi/claude-relay/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay",
	Long:  `Start the relay in the foreground. Stop it with Ctrl+C or '` + AppName + ` stop'.`,
	RunE:  runStart,
}

func runStart(_ *cobra.Command, _ []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			color.Red("  - %s", p)
		}
		return fmt.Errorf("invalid configuration")
	}

	procMgr := process.NewManager(baseDir)
	if procMgr.IsRunning() {
		color.Yellow("%s is already running (PID %d)", AppName, procMgr.ReadPID())
		return nil
	}

	color.Green("Starting %s v%s on %s", AppName, Version, endpoint(cfg))
	logger.Info("Starting relay",
		"host", cfg.Host,
		"port", cfg.Port,
		"storage", cfg.Storage.Driver,
		"seed_providers", len(cfg.Providers),
	)

	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	return server.New(cfgMgr, logger).Start()
}
