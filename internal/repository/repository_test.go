package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/storage"
)

func newTestSet(t *testing.T) (*Set, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store), store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openAIProvider(id string) Provider {
	return Provider{
		ID:      id,
		Name:    "OpenAI " + id,
		Type:    ProviderTypeOpenAI,
		BaseURL: "https://api.openai.com/v1",
		Models:  []string{"gpt-4o"},
	}
}

func TestProviderCreateDefaults(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	p, err := set.Providers.Create(ctx, Provider{Name: "ms", Type: ProviderTypeModelScope, BaseURL: "https://ms"})
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, ProviderStatusActive, p.Status)
	assert.Equal(t, "claude-to-modelscope", p.Transformer)
	assert.False(t, p.CreatedAt.IsZero())
	assert.NotNil(t, p.Models)

	got, err := set.Providers.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
}

func TestProviderCreateValidation(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	testCases := []struct {
		name string
		p    Provider
	}{
		{"no name", Provider{Type: ProviderTypeOpenAI, BaseURL: "https://x"}},
		{"unknown type", Provider{Name: "x", Type: "cohere", BaseURL: "https://x"}},
		{"no base url", Provider{Name: "x", Type: ProviderTypeGemini}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := set.Providers.Create(ctx, tc.p)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := set.Providers.Create(ctx, openAIProvider("p1"))
	require.NoError(t, err)
	_, err = set.Providers.Create(ctx, openAIProvider("p1"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProviderUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	created, err := set.Providers.Create(ctx, openAIProvider("p1"))
	require.NoError(t, err)

	updated, err := set.Providers.Update(ctx, "p1", Provider{Name: "renamed", Models: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, []string{"a", "b"}, updated.Models)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, ProviderTypeOpenAI, updated.Type)

	_, err = set.Providers.Update(ctx, "p1", Provider{Type: ProviderTypeGemini})
	assert.ErrorIs(t, err, ErrImmutableField)

	_, err = set.Providers.Update(ctx, "missing", Provider{Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderDeleteRefusedWhileReferenced(t *testing.T) {
	ctx := context.Background()
	set, store := newTestSet(t)

	_, err := set.Providers.Create(ctx, openAIProvider("p1"))
	require.NoError(t, err)
	require.NoError(t, set.KeyPools.SaveKeys(ctx, "p1", []keypool.APIKey{{ID: "k1", Key: "sk"}}))

	_, err = set.Routes.Save(ctx, RouteConfig{
		ID:    "r1",
		Rules: RouteRules{Default: &ModelTarget{ProviderID: "p1", Model: "gpt-4o"}},
	})
	require.NoError(t, err)

	err = set.Providers.Delete(ctx, "p1")
	var inUse *ErrProviderInUse
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, []string{"r1"}, inUse.RouteConfigIDs)

	require.NoError(t, set.Routes.Delete(ctx, "r1"))
	require.NoError(t, set.Providers.Delete(ctx, "p1"))

	_, err = set.Providers.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "key_pool_p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProviderList(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	for _, id := range []string{"b", "a", "c"} {
		_, err := set.Providers.Create(ctx, openAIProvider(id))
		require.NoError(t, err)
	}

	list, err := set.Providers.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
}

func TestRouteConfigSaveRequiresDefault(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	_, err := set.Routes.Save(ctx, RouteConfig{
		Rules: RouteRules{Think: &ModelTarget{ProviderID: "p1", Model: "m"}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = set.Routes.Save(ctx, RouteConfig{
		Rules: RouteRules{Default: &ModelTarget{ProviderID: "p1"}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	rc, err := set.Routes.Save(ctx, RouteConfig{
		Name:  "main",
		Rules: RouteRules{Default: &ModelTarget{ProviderID: "p1", Model: "m"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rc.ID)

	// saving again keeps the creation time
	rc.Name = "renamed"
	again, err := set.Routes.Save(ctx, *rc)
	require.NoError(t, err)
	assert.Equal(t, rc.CreatedAt, again.CreatedAt)
	assert.Equal(t, "renamed", again.Name)
}

func TestRouteRulesConfiguredOrder(t *testing.T) {
	rules := RouteRules{
		WebSearch: &ModelTarget{ProviderID: "p", Model: "w"},
		Default:   &ModelTarget{ProviderID: "p", Model: "d"},
		Think:     &ModelTarget{ProviderID: "p", Model: "t"},
	}

	var names []string
	for _, nt := range rules.Configured() {
		names = append(names, nt.Rule)
	}
	assert.Equal(t, []string{RuleDefault, RuleThink, RuleWebSearch}, names)
}

func TestRouteSelection(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	active, err := set.Routes.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	sel, err := set.Routes.Selected(ctx)
	require.NoError(t, err)
	assert.Nil(t, sel)

	assert.ErrorIs(t, set.Routes.Select(ctx, SelectedConfig{Type: SelectionRoute, ID: "r1"}), ErrNotFound)
	assert.ErrorIs(t, set.Routes.Select(ctx, SelectedConfig{Type: "other"}), ErrValidation)

	_, err = set.Routes.Save(ctx, RouteConfig{
		ID:    "r1",
		Rules: RouteRules{Default: &ModelTarget{ProviderID: "p1", Model: "m"}},
	})
	require.NoError(t, err)
	require.NoError(t, set.Routes.Select(ctx, SelectedConfig{Type: SelectionRoute, ID: "r1"}))

	active, err = set.Routes.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "r1", active.ID)

	assert.ErrorIs(t, set.Routes.Delete(ctx, "r1"), ErrRouteSelected)

	require.NoError(t, set.Routes.Select(ctx, SelectedConfig{Type: SelectionClaude, ID: "ignored"}))
	sel, err = set.Routes.Selected(ctx)
	require.NoError(t, err)
	assert.Equal(t, SelectedConfig{Type: SelectionClaude}, *sel)

	active, err = set.Routes.Active(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	require.NoError(t, set.Routes.Delete(ctx, "r1"))
}

func TestKeyPoolRepository(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)

	keys, err := set.KeyPools.LoadKeys(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// the key pool manager persists through the repository
	m := keypool.NewManager(set.KeyPools, keypool.Options{}, testLogger())
	ids, err := m.BatchImportKeys(ctx, "p1", []string{"k1", "k2"})
	require.NoError(t, err)
	require.NoError(t, m.DisableKey(ctx, "p1", ids[1]))

	keys, err = set.KeyPools.LoadKeys(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, keypool.StatusDisabled, keys[1].Status)

	require.NoError(t, set.KeyPools.DeleteKeys(ctx, "p1"))
	keys, err = set.KeyPools.LoadKeys(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func addLogs(t *testing.T, repo *RequestLogRepository, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		status := RequestStatusSuccess
		if i%2 == 1 {
			status = RequestStatusError
		}
		provider := "p1"
		if i%3 == 0 {
			provider = "p2"
		}
		require.NoError(t, repo.Add(context.Background(), RequestLog{
			ID:         fmt.Sprintf("log-%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			ProviderID: provider,
			RouteRule:  RuleDefault,
			Status:     status,
			DurationMs: int64(i * 10),
		}))
	}
}

func TestRequestLogsNewestFirstAndCapped(t *testing.T) {
	set, _ := newTestSet(t)
	addLogs(t, set.Logs, MaxRequestLogs+5, time.Unix(1700000000, 0))

	page, err := set.Logs.List(context.Background(), LogQuery{Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, MaxRequestLogs, page.Total)
	require.Len(t, page.Logs, 3)
	assert.Equal(t, fmt.Sprintf("log-%d", MaxRequestLogs+4), page.Logs[0].ID)
	assert.True(t, page.HasMore)
}

func TestRequestLogPagination(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	addLogs(t, set.Logs, 10, time.Unix(1700000000, 0))

	page, err := set.Logs.List(ctx, LogQuery{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page.Logs, 4)
	require.NotNil(t, page.NextCursor)

	var seen []string
	for {
		for _, l := range page.Logs {
			seen = append(seen, l.ID)
		}
		if !page.HasMore {
			break
		}
		page, err = set.Logs.List(ctx, LogQuery{Limit: 4, Cursor: *page.NextCursor})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 10)
	assert.Equal(t, "log-9", seen[0])
	assert.Equal(t, "log-0", seen[9])
}

func TestRequestLogFilters(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	addLogs(t, set.Logs, 6, time.Unix(1700000000, 0))

	page, err := set.Logs.List(ctx, LogQuery{Status: RequestStatusError})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	for _, l := range page.Logs {
		assert.Equal(t, RequestStatusError, l.Status)
	}

	page, err = set.Logs.List(ctx, LogQuery{ProviderID: "p2", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.False(t, page.HasMore)
}

func TestRequestLogUpdateStatsClear(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	addLogs(t, set.Logs, 4, time.Unix(1700000000, 0))

	require.NoError(t, set.Logs.Update(ctx, "log-1", func(l *RequestLog) {
		l.Status = RequestStatusSuccess
		l.DurationMs = 100
	}))
	assert.ErrorIs(t, set.Logs.Update(ctx, "missing", func(*RequestLog) {}), ErrNotFound)

	stats, err := set.Logs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Success)
	assert.Equal(t, 1, stats.Error)
	assert.Equal(t, map[string]int{"p1": 2, "p2": 2}, stats.ByProvider)
	assert.Equal(t, 4, stats.ByRule[RuleDefault])
	// durations 0, 100, 20, 30
	assert.InDelta(t, 37.5, stats.AvgDurationMs, 0.001)

	require.NoError(t, set.Logs.Clear(ctx))
	page, err := set.Logs.List(ctx, LogQuery{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Logs)
}

func TestUsageRecordAndDaily(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	set.Usage.now = func() time.Time { return time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC) }

	require.NoError(t, set.Usage.Record(ctx, UsageRecord{ProviderID: "p1", Model: "m1", InputTokens: 10, OutputTokens: 5, Latency: 100 * time.Millisecond}))
	require.NoError(t, set.Usage.Record(ctx, UsageRecord{ProviderID: "p1", Model: "m1", InputTokens: 1, Latency: 300 * time.Millisecond, IsError: true}))
	require.NoError(t, set.Usage.Record(ctx, UsageRecord{ProviderID: "p2", Model: "m2"}))

	daily, err := set.Usage.Daily(ctx, "")
	require.NoError(t, err)
	require.Len(t, daily, 2)

	p1 := daily[0]
	assert.Equal(t, "2025-03-04", p1.Date)
	assert.Equal(t, 2, p1.Requests)
	assert.Equal(t, 1, p1.Errors)
	assert.Equal(t, 11, p1.InputTokens)
	assert.Equal(t, 5, p1.OutputTokens)
	assert.Equal(t, map[string]int{"m1": 2}, p1.Models)
	assert.InDelta(t, 200, p1.AvgLatencyMs(), 0.001)

	other, err := set.Usage.Daily(ctx, "2025-03-05")
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = set.Usage.Daily(ctx, "yesterday")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLogWriterKeepsOrder(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	w := NewLogWriter(set.Logs, set.Usage, testLogger(), 0)
	defer w.Close()

	w.Append(RequestLog{ID: "a", Status: RequestStatusSuccess})
	w.Complete("a", func(l *RequestLog) {
		l.Status = RequestStatusError
		l.Error = "upstream returned 500"
		l.DurationMs = 42
	})
	w.RecordUsage(UsageRecord{ProviderID: "p1", Model: "m1"})
	require.NoError(t, w.Flush(ctx))

	page, err := set.Logs.List(ctx, LogQuery{})
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, RequestStatusError, page.Logs[0].Status)
	assert.Equal(t, int64(42), page.Logs[0].DurationMs)

	daily, err := set.Usage.Daily(ctx, "")
	require.NoError(t, err)
	assert.Len(t, daily, 1)
}

func TestLogWriterCloseDrains(t *testing.T) {
	ctx := context.Background()
	set, _ := newTestSet(t)
	w := NewLogWriter(set.Logs, nil, testLogger(), 10)

	for i := 0; i < 5; i++ {
		w.Append(RequestLog{ID: fmt.Sprintf("l%d", i)})
	}
	w.Close()
	w.Close()

	// writes after close are ignored
	w.Append(RequestLog{ID: "late"})
	require.NoError(t, w.Flush(ctx))

	page, err := set.Logs.List(ctx, LogQuery{})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
}
