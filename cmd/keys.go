package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/repository"
	"github.com/mihaisavezi/claude-relay/internal/storage"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider API key pools",
	Long: `Inspect and edit the key pools in the relay's storage. A running relay caches pools it has
already loaded, so use the admin API for changes that must apply without a restart.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list <provider>",
	Short: "List a provider's keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysList,
}

var keysImportCmd = &cobra.Command{
	Use:   "import <provider> [key...]",
	Short: "Import keys given as arguments, or one per line from --file or stdin",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKeysImport,
}

var keysResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Reactivate a provider's exhausted keys",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysReset,
}

func init() {
	keysImportCmd.Flags().StringP("file", "f", "", "read keys from this file")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysImportCmd)
	keysCmd.AddCommand(keysResetCmd)
}

type storageHandle struct {
	store storage.Store
	repos *repository.Set
	keys  *keypool.Manager
}

func openStorage(ctx context.Context) (*storageHandle, error) {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	repos := repository.New(store)
	return &storageHandle{
		store: store,
		repos: repos,
		keys:  keypool.NewManager(repos.KeyPools, keypool.Options{MaxConsecutiveErrors: cfg.MaxConsecutiveErrors}, logger),
	}, nil
}

func (h *storageHandle) Close() {
	if err := h.store.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err)
	}
}

func (h *storageHandle) provider(ctx context.Context, id string) error {
	if _, err := h.repos.Providers.Get(ctx, id); err != nil {
		return fmt.Errorf("provider %s: %w", id, err)
	}
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.provider(ctx, args[0]); err != nil {
		return err
	}
	pool, err := h.keys.Pool(ctx, args[0])
	if err != nil {
		return err
	}

	stats := pool.GetStats()
	color.Blue("Keys for %s: %d total, %d active, %d exhausted, %d disabled",
		args[0], stats.Total, stats.Active, stats.Exhausted, stats.Disabled)

	for _, k := range pool.GetKeys() {
		fmt.Printf("  %-38s %-22s %-10s ok=%d err=%d\n", k.ID, keypool.Mask(k.Key), statusColor(k.Status), k.SuccessCount, k.ErrorCount)
		if k.LastError != "" {
			fmt.Printf("    last error: %s\n", k.LastError)
		}
	}
	return nil
}

func runKeysImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	raw := args[1:]
	if len(raw) == 0 {
		in := os.Stdin
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open key file: %w", err)
			}
			defer f.Close()
			in = f
		}

		var err error
		if raw, err = readKeys(in); err != nil {
			return err
		}
	}

	h, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.provider(ctx, args[0]); err != nil {
		return err
	}
	added, err := h.keys.BatchImportKeys(ctx, args[0], raw)
	if err != nil {
		return err
	}

	color.Green("Imported %d of %d keys into %s", len(added), len(raw), args[0])
	if skipped := len(raw) - len(added); skipped > 0 {
		color.Yellow("Skipped %d duplicate keys", skipped)
	}
	return nil
}

func runKeysReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.provider(ctx, args[0]); err != nil {
		return err
	}
	n, err := h.keys.ResetExhausted(ctx, args[0])
	if err != nil {
		return err
	}

	color.Green("Reactivated %d exhausted keys for %s", n, args[0])
	return nil
}

// readKeys returns the non-empty lines of r, skipping # comments.
func readKeys(r io.Reader) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			keys = append(keys, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return keys, nil
}

func statusColor(s keypool.Status) string {
	switch s {
	case keypool.StatusActive:
		return color.GreenString(string(s))
	case keypool.StatusExhausted:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}
