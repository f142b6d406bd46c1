package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-relay/internal/repository"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent request logs",
	RunE:  runLogs,
}

var usageCmd = &cobra.Command{
	Use:   "usage [date]",
	Short: "Show per-provider usage for a day (YYYY-MM-DD, default today)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUsage,
}

func init() {
	logsCmd.Flags().IntP("limit", "n", repository.DefaultLogPageSize, "number of entries")
	logsCmd.Flags().String("status", "", "filter by status (pending, success, error)")
	logsCmd.Flags().String("provider", "", "filter by provider id")
	logsCmd.Flags().Bool("stats", false, "show aggregate statistics instead of entries")

	logsCmd.AddCommand(usageCmd)
}

func runLogs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	h, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if showStats, _ := cmd.Flags().GetBool("stats"); showStats {
		stats, err := h.repos.Logs.Stats(ctx)
		if err != nil {
			return err
		}
		color.Blue("Request statistics:")
		fmt.Printf("  %-15s: %d\n", "Total", stats.Total)
		fmt.Printf("  %-15s: %d\n", "Success", stats.Success)
		fmt.Printf("  %-15s: %d\n", "Error", stats.Error)
		fmt.Printf("  %-15s: %.1fms\n", "Avg Duration", stats.AvgDurationMs)
		printCounts("By provider", stats.ByProvider)
		printCounts("By rule", stats.ByRule)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	status, _ := cmd.Flags().GetString("status")
	provider, _ := cmd.Flags().GetString("provider")

	page, err := h.repos.Logs.List(ctx, repository.LogQuery{Limit: limit, Status: status, ProviderID: provider})
	if err != nil {
		return err
	}

	color.Blue("Showing %d of %d request logs:", len(page.Logs), page.Total)
	for _, l := range page.Logs {
		fmt.Printf("  %s  %-7s  %-12s %s -> %s/%s  %dms  in=%d out=%d\n",
			l.Timestamp.Local().Format(time.DateTime),
			logStatus(l.Status),
			l.RouteRule,
			l.RequestedModel,
			l.ProviderID,
			l.SelectedModel,
			l.DurationMs,
			l.InputTokens,
			l.OutputTokens,
		)
		if l.Error != "" {
			fmt.Printf("    %s\n", color.RedString(l.Error))
		}
	}
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	date := time.Now().UTC().Format(time.DateOnly)
	if len(args) == 1 {
		if _, err := time.Parse(time.DateOnly, args[0]); err != nil {
			return fmt.Errorf("invalid date %q, want YYYY-MM-DD", args[0])
		}
		date = args[0]
	}

	ctx := cmd.Context()
	h, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	daily, err := h.repos.Usage.Daily(ctx, date)
	if err != nil {
		return err
	}

	color.Blue("Usage for %s:", date)
	if len(daily) == 0 {
		fmt.Println("  no requests recorded")
	}
	for _, u := range daily {
		fmt.Printf("  %-20s requests=%d errors=%d in=%d out=%d avg=%.0fms\n",
			u.ProviderID, u.Requests, u.Errors, u.InputTokens, u.OutputTokens, u.AvgLatencyMs())
	}
	return nil
}

func logStatus(s string) string {
	switch s {
	case repository.RequestStatusSuccess:
		return color.GreenString(s)
	case repository.RequestStatusError:
		return color.RedString(s)
	}
	return color.YellowString(s)
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("  %s:\n", title)

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("    %-20s %d\n", name, counts[name])
	}
}
