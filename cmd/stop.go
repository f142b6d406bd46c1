package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the relay",
	Long:  `Stop the running relay.`,
	RunE:  runStop,
}

func runStop(_ *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir)

	if !procMgr.IsRunning() {
		color.Yellow("%s is not running", AppName)
		return nil
	}

	color.Yellow("Stopping %s...", AppName)
	if err := procMgr.Stop(); err != nil {
		return err
	}
	procMgr.CleanupRef()

	color.Green("%s stopped", AppName)
	return nil
}
