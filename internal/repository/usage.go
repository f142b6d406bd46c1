package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaisavezi/claude-relay/internal/storage"
)

const (
	usageDateLayout = "2006-01-02"
	UsageRetention  = 30 * 24 * time.Hour
)

// UsageStats aggregates one provider's traffic for one day.
type UsageStats struct {
	Date           string         `json:"date"`
	ProviderID     string         `json:"providerId"`
	Requests       int            `json:"requests"`
	Errors         int            `json:"errors"`
	InputTokens    int            `json:"inputTokens"`
	OutputTokens   int            `json:"outputTokens"`
	TotalLatencyMs int64          `json:"totalLatencyMs"`
	Models         map[string]int `json:"models"`
}

func (u UsageStats) AvgLatencyMs() float64 {
	if u.Requests == 0 {
		return 0
	}
	return float64(u.TotalLatencyMs) / float64(u.Requests)
}

type UsageRecord struct {
	ProviderID   string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	IsError      bool
}

type UsageRepository struct {
	store storage.Store
	now   func() time.Time
	mu    sync.Mutex
}

func NewUsageRepository(store storage.Store) *UsageRepository {
	return &UsageRepository{store: store, now: time.Now}
}

func usageKey(date, providerID string) string {
	return fmt.Sprintf("%s%s:%s", usagePrefix, date, providerID)
}

// Record adds one request to today's counters for its provider.
func (r *UsageRepository) Record(ctx context.Context, rec UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	date := r.now().UTC().Format(usageDateLayout)
	key := usageKey(date, rec.ProviderID)

	var stats UsageStats
	err := getJSON(ctx, r.store, key, &stats)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if stats.Models == nil {
		stats.Models = make(map[string]int)
	}
	stats.Date = date
	stats.ProviderID = rec.ProviderID
	stats.Requests++
	if rec.IsError {
		stats.Errors++
	}
	stats.InputTokens += rec.InputTokens
	stats.OutputTokens += rec.OutputTokens
	stats.TotalLatencyMs += rec.Latency.Milliseconds()
	if rec.Model != "" {
		stats.Models[rec.Model]++
	}

	return putJSON(ctx, r.store, key, stats, UsageRetention)
}

// Daily returns every provider's counters for date (YYYY-MM-DD); an empty date means today.
func (r *UsageRepository) Daily(ctx context.Context, date string) ([]UsageStats, error) {
	if date == "" {
		date = r.now().UTC().Format(usageDateLayout)
	}
	if _, err := time.Parse(usageDateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	return listJSON[UsageStats](ctx, r.store, usagePrefix+date+":")
}
