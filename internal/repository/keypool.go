package repository

import (
	"context"
	"errors"

	"github.com/mihaisavezi/claude-relay/internal/keypool"
	"github.com/mihaisavezi/claude-relay/internal/storage"
)

type keyPoolRecord struct {
	ProviderID string           `json:"providerId"`
	Keys       []keypool.APIKey `json:"keys"`
}

// KeyPoolRepository persists each provider's keys under key_pool_<providerId>. It implements
// keypool.Store.
type KeyPoolRepository struct {
	store storage.Store
}

func NewKeyPoolRepository(store storage.Store) *KeyPoolRepository {
	return &KeyPoolRepository{store: store}
}

func (r *KeyPoolRepository) LoadKeys(ctx context.Context, providerID string) ([]keypool.APIKey, error) {
	var rec keyPoolRecord
	err := getJSON(ctx, r.store, keyPoolPrefix+providerID, &rec)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec.Keys, err
}

func (r *KeyPoolRepository) SaveKeys(ctx context.Context, providerID string, keys []keypool.APIKey) error {
	return putJSON(ctx, r.store, keyPoolPrefix+providerID, keyPoolRecord{ProviderID: providerID, Keys: keys}, 0)
}

func (r *KeyPoolRepository) DeleteKeys(ctx context.Context, providerID string) error {
	return r.store.Delete(ctx, keyPoolPrefix+providerID)
}

var _ keypool.Store = (*KeyPoolRepository)(nil)
