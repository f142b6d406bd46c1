package cmd

import (
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/process"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Run the Claude CLI through the relay",
	Long:  `Start the relay in the background if needed and run 'claude' with ANTHROPIC_BASE_URL pointing at it.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(_ *cobra.Command, args []string) error {
	procMgr := process.NewManager(baseDir)
	cfg := cfgMgr.Get()

	startedByUs, err := procMgr.StartServiceIfNeeded(endpoint(cfg)+"/health", "--config-dir", baseDir)
	if err != nil {
		return err
	}

	env := filterEnv(os.Environ(), "ANTHROPIC_AUTH_TOKEN", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL")
	if cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.APIKey)
	} else {
		env = append(env, "ANTHROPIC_AUTH_TOKEN=relay")
	}
	env = append(env,
		"ANTHROPIC_BASE_URL="+endpoint(cfg),
		"API_TIMEOUT_MS=600000",
	)

	procMgr.IncrementRef()
	defer func() {
		if procMgr.DecrementRef() == 0 && startedByUs {
			color.Yellow("No more active sessions, stopping auto-started relay...")
			if err := procMgr.Stop(); err != nil {
				logger.Error("Failed to stop relay", "error", err)
			}
		}
	}()

	claudeCmd := exec.Command("claude", args...)
	claudeCmd.Env = env
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

func filterEnv(env []string, keys ...string) []string {
	filtered := env[:0:0]
	for _, e := range env {
		drop := false
		for _, k := range keys {
			if strings.HasPrefix(e, k+"=") {
				drop = true
				break
			}
		}
		if !drop {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
