package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long:  `Display whether the relay is running and where it listens.`,
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()

	color.Blue("Status for %s:", AppName)
	if running {
		fmt.Printf("  %-15s: %s\n", "Running", color.GreenString("yes"))
		fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	} else {
		fmt.Printf("  %-15s: %s\n", "Running", color.RedString("no"))
	}

	fmt.Printf("  %-15s: %s\n", "Endpoint", endpoint(cfg))
	fmt.Printf("  %-15s: %s\n", "Storage", cfg.Storage.Driver)
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: %d\n", "Sessions", procMgr.ReadRef())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}
