package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/config"
)

const (
	AppName = "claude-relay"
	Version = "0.3.0"

	logFilename = "relay.log"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
	logOut  io.Closer
)

var rootCmd = &cobra.Command{
	Use:     "crelay",
	Short:   "Claude Relay - Claude API compatible LLM proxy",
	Long:    `A proxy that accepts Claude Messages API requests, routes them by rule to OpenAI, Gemini, ModelScope, MiniMax or Anthropic-compatible providers and rotates each provider's API keys.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("config-dir")
		if err := initBaseDir(dir); err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		logFile, _ := cmd.Flags().GetBool("log-file")
		return setupLogging(verbose, logFile)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolP("log-file", "l", false, "also write logs to "+logFilename+" in the config directory")
	rootCmd.PersistentFlags().String("config-dir", "", "configuration directory (default ~/."+AppName+", or $RELAY_CONFIG_DIR)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(logsCmd)
}

func initBaseDir(flagDir string) error {
	switch {
	case flagDir != "":
		baseDir = flagDir
	case os.Getenv("RELAY_CONFIG_DIR") != "":
		baseDir = os.Getenv("RELAY_CONFIG_DIR")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, "."+AppName)
	}

	cfgMgr = config.NewManager(baseDir)
	return nil
}

func setupLogging(verbose, logFile bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	if logFile {
		if err := os.MkdirAll(baseDir, 0750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(baseDir, logFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOut = f
		out = io.MultiWriter(os.Stdout, f)
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

func ensureConfigExists() error {
	if cfgMgr.Exists() {
		return nil
	}
	color.Yellow("No configuration found in %s", baseDir)
	fmt.Printf("Run '%s config init' to create one, or set RELAY_* environment variables.\n", rootCmd.Use)
	return fmt.Errorf("configuration required")
}

func endpoint(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
}
