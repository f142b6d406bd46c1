package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/config"
	"github.com/mihaisavezi/claude-relay/internal/keypool"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Create, inspect and validate the relay configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Prompt for one provider and write a YAML configuration routing every request to it.`,
	RunE:  runConfigInit,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Write an example YAML configuration",
	RunE:  runConfigExample,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	color.Blue("Claude Relay Configuration Setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(os.Stdin)
	ask := func(label, def string) string {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}
		v, _ := reader.ReadString('\n')
		if v = strings.TrimSpace(v); v == "" {
			return def
		}
		return v
	}

	providerType := ask("\nProvider type ("+strings.Join(providerTypes(), ", ")+")", config.ProviderOpenAI)
	if _, ok := config.DefaultProviderURLs[providerType]; !ok {
		return fmt.Errorf("unknown provider type %q", providerType)
	}
	providerID := ask("Provider ID", providerType)
	baseURL := ask("API Base URL", config.DefaultProviderURLs[providerType])
	apiKeys := ask("API keys (comma separated)", "")
	model := ask("Default model", "")
	relayKey := ask("Relay API key (optional, for client authentication)", "")

	if model == "" {
		return fmt.Errorf("a default model is required")
	}

	var keys []string
	for _, k := range strings.Split(apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	cfg := &config.Config{
		Host:    config.DefaultHost,
		Port:    config.DefaultPort,
		APIKey:  relayKey,
		Storage: config.StorageConfig{Driver: "sqlite"},
		Providers: []config.ProviderSeed{
			{ID: providerID, Name: providerID, Type: providerType, BaseURL: baseURL, Models: []string{model}, Keys: keys},
		},
		RouteConfigs: []config.RouteConfigSeed{
			{ID: "default", Name: "Default", Rules: map[string]config.TargetSeed{
				"default": {ProviderID: providerID, Model: model},
			}},
		},
		ActiveRoute: "default",
	}

	if err := cfgMgr.SaveAsYAML(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	color.Green("Configuration saved to: %s", cfgMgr.GetPath())
	color.Cyan("Start the relay with: %s start", rootCmd.Use)
	return nil
}

func runConfigExample(_ *cobra.Command, _ []string) error {
	if cfgMgr.HasYAML() {
		return fmt.Errorf("%s already exists", cfgMgr.GetPath())
	}
	if err := cfgMgr.CreateExampleYAML(); err != nil {
		return err
	}
	color.Green("Example configuration written to: %s", cfgMgr.GetPath())
	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run '%s config init' to create one.", rootCmd.Use)
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", keypool.Mask(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Storage", cfg.Storage.Driver)
	fmt.Printf("  %-15s: %s\n", "Claude Key", keypool.Mask(cfg.Claude.APIKey))
	fmt.Printf("  %-15s: %s\n", "Active Route", cfg.ActiveRoute)
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nSeed Providers:")
	for _, p := range cfg.Providers {
		fmt.Printf("  - %s (%s)\n", p.ID, p.Type)
		fmt.Printf("    Base URL: %s\n", p.BaseURL)
		fmt.Printf("    Models: %v\n", p.Models)
		masked := make([]string, len(p.Keys))
		for i, k := range p.Keys {
			masked[i] = keypool.Mask(k)
		}
		fmt.Printf("    Keys: %v\n", masked)
	}

	fmt.Println("\nSeed Route Configs:")
	for _, rc := range cfg.RouteConfigs {
		fmt.Printf("  - %s\n", rc.ID)
		names := make([]string, 0, len(rc.Rules))
		for name := range rc.Rules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t := rc.Rules[name]
			fmt.Printf("    %-12s: %s,%s\n", name, t.ProviderID, t.Model)
		}
	}

	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		color.Red("Configuration validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func providerTypes() []string {
	types := make([]string, 0, len(config.DefaultProviderURLs))
	for t := range config.DefaultProviderURLs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
