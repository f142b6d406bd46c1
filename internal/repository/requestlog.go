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
	MaxRequestLogs       = 1000
	RequestLogRetention  = 3 * 24 * time.Hour
	DefaultLogPageSize   = 20
	MaxLogPageSize       = 100
	RequestStatusPending = "pending"
	RequestStatusSuccess = "success"
	RequestStatusError   = "error"
)

// RequestLog is the audit record of one resolved request.
type RequestLog struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestedModel string    `json:"requestedModel"`
	SelectedModel  string    `json:"selectedModel"`
	ProviderID     string    `json:"providerId"`
	ProviderName   string    `json:"providerName,omitempty"`
	RouteConfigID  string    `json:"routeConfigId,omitempty"`
	RouteRule      string    `json:"routeRule"`
	Reason         string    `json:"reason"`
	KeyID          string    `json:"keyId,omitempty"`
	Stream         bool      `json:"stream"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"durationMs"`
	InputTokens    int       `json:"inputTokens,omitempty"`
	OutputTokens   int       `json:"outputTokens,omitempty"`
}

type LogQuery struct {
	Limit int
	// Cursor pages backwards: only entries strictly older than it are returned.
	Cursor     time.Time
	Status     string
	ProviderID string
}

type LogPage struct {
	Logs       []RequestLog `json:"logs"`
	Total      int          `json:"total"`
	HasMore    bool         `json:"hasMore"`
	NextCursor *time.Time   `json:"nextCursor,omitempty"`
}

type LogStats struct {
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Error         int            `json:"error"`
	ByProvider    map[string]int `json:"byProvider"`
	ByRule        map[string]int `json:"byRule"`
	AvgDurationMs float64        `json:"avgDurationMs"`
}

// RequestLogRepository keeps the most recent request logs, newest first, in one value with a
// sliding retention window.
type RequestLogRepository struct {
	store storage.Store
	mu    sync.Mutex
}

func NewRequestLogRepository(store storage.Store) *RequestLogRepository {
	return &RequestLogRepository{store: store}
}

func (r *RequestLogRepository) load(ctx context.Context) ([]RequestLog, error) {
	var logs []RequestLog
	err := getJSON(ctx, r.store, requestLogsKey, &logs)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return logs, err
}

func (r *RequestLogRepository) save(ctx context.Context, logs []RequestLog) error {
	if len(logs) > MaxRequestLogs {
		logs = logs[:MaxRequestLogs]
	}
	return putJSON(ctx, r.store, requestLogsKey, logs, RequestLogRetention)
}

func (r *RequestLogRepository) Add(ctx context.Context, entry RequestLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs, err := r.load(ctx)
	if err != nil {
		return err
	}
	return r.save(ctx, append([]RequestLog{entry}, logs...))
}

// Update applies fn to the entry with the given id.
func (r *RequestLogRepository) Update(ctx context.Context, id string, fn func(*RequestLog)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs, err := r.load(ctx)
	if err != nil {
		return err
	}
	for i := range logs {
		if logs[i].ID == id {
			fn(&logs[i])
			return r.save(ctx, logs)
		}
	}
	return fmt.Errorf("request log %s: %w", id, ErrNotFound)
}

func (r *RequestLogRepository) List(ctx context.Context, q LogQuery) (*LogPage, error) {
	r.mu.Lock()
	logs, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLogPageSize
	}
	if limit > MaxLogPageSize {
		limit = MaxLogPageSize
	}

	page := &LogPage{Logs: []RequestLog{}}
	for _, l := range logs {
		if q.Status != "" && l.Status != q.Status {
			continue
		}
		if q.ProviderID != "" && l.ProviderID != q.ProviderID {
			continue
		}
		page.Total++

		if !q.Cursor.IsZero() && !l.Timestamp.Before(q.Cursor) {
			continue
		}
		if len(page.Logs) == limit {
			page.HasMore = true
			continue
		}
		page.Logs = append(page.Logs, l)
	}

	if page.HasMore {
		next := page.Logs[len(page.Logs)-1].Timestamp
		page.NextCursor = &next
	}
	return page, nil
}

func (r *RequestLogRepository) Stats(ctx context.Context) (*LogStats, error) {
	r.mu.Lock()
	logs, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	stats := &LogStats{
		ByProvider: make(map[string]int),
		ByRule:     make(map[string]int),
	}
	var totalDuration int64
	for _, l := range logs {
		stats.Total++
		switch l.Status {
		case RequestStatusSuccess:
			stats.Success++
		case RequestStatusError:
			stats.Error++
		}
		if l.ProviderID != "" {
			stats.ByProvider[l.ProviderID]++
		}
		if l.RouteRule != "" {
			stats.ByRule[l.RouteRule]++
		}
		totalDuration += l.DurationMs
	}
	if stats.Total > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(stats.Total)
	}
	return stats, nil
}

func (r *RequestLogRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.Delete(ctx, requestLogsKey)
}
