// Package repository stores relay records (providers, route configs, key pools, request logs and
// usage counters) as JSON values in a storage.Store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaisavezi/claude-relay/internal/storage"
)

const (
	providerPrefix    = "provider_"
	routeConfigPrefix = "route_config_"
	keyPoolPrefix     = "key_pool_"
	selectedConfigKey = "selected_config"
	requestLogsKey    = "request_logs"
	usagePrefix       = "usage_stats:"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrImmutableField = errors.New("field cannot be changed")
	ErrValidation     = errors.New("validation failed")
	ErrRouteSelected  = errors.New("route config is currently selected")
)

// ErrProviderInUse refuses a provider deletion while route configs still point at it.
type ErrProviderInUse struct {
	ProviderID     string
	RouteConfigIDs []string
}

func (e *ErrProviderInUse) Error() string {
	return fmt.Sprintf("provider %s is referenced by route configs: %s", e.ProviderID, strings.Join(e.RouteConfigIDs, ", "))
}

// Set bundles the repositories sharing one store.
type Set struct {
	Providers *ProviderRepository
	Routes    *RouteConfigRepository
	KeyPools  *KeyPoolRepository
	Logs      *RequestLogRepository
	Usage     *UsageRepository
}

func New(store storage.Store) *Set {
	routes := NewRouteConfigRepository(store)
	return &Set{
		Providers: NewProviderRepository(store, routes),
		Routes:    routes,
		KeyPools:  NewKeyPoolRepository(store),
		Logs:      NewRequestLogRepository(store),
		Usage:     NewUsageRepository(store),
	}
}

func getJSON(ctx context.Context, store storage.Store, key string, v any) error {
	data, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func putJSON(ctx context.Context, store storage.Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// listJSON decodes every value under prefix, skipping entries that vanish or fail to decode
// between List and Get.
func listJSON[T any](ctx context.Context, store storage.Store, prefix string) ([]T, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		var v T
		if err := getJSON(ctx, store, key, &v); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
