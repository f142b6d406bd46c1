package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists the keys of a pool.
type Store interface {
	LoadKeys(ctx context.Context, providerID string) ([]APIKey, error)
	SaveKeys(ctx context.Context, providerID string, keys []APIKey) error
	DeleteKeys(ctx context.Context, providerID string) error
}

// Manager owns one Pool per provider, loading it lazily from the store and writing it back
// after every mutation.
type Manager struct {
	store  Store
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewManager(store Store, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		opts:   opts,
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Pool returns the pool for providerID, loading it on first use. The store is read without
// holding the manager lock; when two callers race on the first load, the first pool stored wins.
func (m *Manager) Pool(ctx context.Context, providerID string) (*Pool, error) {
	m.mu.Lock()
	p, ok := m.pools[providerID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	keys, err := m.store.LoadKeys(ctx, providerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[providerID]; ok {
		return p, nil
	}

	p = New(providerID, keys, m.opts)
	m.pools[providerID] = p
	m.logger.Debug("Loaded key pool", "provider", providerID, "keys", len(keys))

	return p, nil
}

// NextKey picks the next active key for providerID; nil means none is available.
func (m *Manager) NextKey(ctx context.Context, providerID string) (*APIKey, error) {
	p, err := m.Pool(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return p.GetNextKey(), nil
}

func (m *Manager) BatchImportKeys(ctx context.Context, providerID string, keys []string) ([]string, error) {
	p, err := m.Pool(ctx, providerID)
	if err != nil {
		return nil, err
	}

	ids := p.AddKeys(keys)
	if len(ids) > 0 {
		if err := m.save(ctx, p); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// RecordSuccess and RecordFailure report an upstream outcome. Persistence failures are logged,
// not returned, because the outcome of the request is already decided.
func (m *Manager) RecordSuccess(ctx context.Context, providerID, keyID string) {
	m.mutate(ctx, providerID, func(p *Pool) error {
		return p.UpdateKeyStats(keyID, true)
	})
}

func (m *Manager) RecordFailure(ctx context.Context, providerID, keyID string, cause error) {
	m.mutate(ctx, providerID, func(p *Pool) error {
		before := statusOf(p, keyID)
		if err := p.HandleRequestError(keyID, cause); err != nil {
			return err
		}
		if after := statusOf(p, keyID); after != before {
			m.logger.Warn("Key status changed",
				"provider", providerID,
				"key_id", keyID,
				"from", before,
				"to", after,
				"error", cause,
			)
		}
		return nil
	})
}

func (m *Manager) EnableKey(ctx context.Context, providerID, keyID string) error {
	return m.mutateErr(ctx, providerID, func(p *Pool) error { return p.EnableKey(keyID) })
}

func (m *Manager) DisableKey(ctx context.Context, providerID, keyID string) error {
	return m.mutateErr(ctx, providerID, func(p *Pool) error { return p.DisableKey(keyID) })
}

func (m *Manager) RemoveKey(ctx context.Context, providerID, keyID string) error {
	return m.mutateErr(ctx, providerID, func(p *Pool) error { return p.RemoveKey(keyID) })
}

// ResetExhausted resets one provider's exhausted keys.
func (m *Manager) ResetExhausted(ctx context.Context, providerID string) (int, error) {
	var n int
	err := m.mutateErr(ctx, providerID, func(p *Pool) error {
		n = p.ResetExhaustedKeys()
		return nil
	})
	return n, err
}

// RemovePool forgets a provider's pool and deletes its stored keys.
func (m *Manager) RemovePool(ctx context.Context, providerID string) error {
	m.mu.Lock()
	delete(m.pools, providerID)
	m.mu.Unlock()

	return m.store.DeleteKeys(ctx, providerID)
}

// PerformMaintenance resets exhausted keys in every loaded pool.
func (m *Manager) PerformMaintenance(ctx context.Context) {
	for _, p := range m.loaded() {
		if n := p.ResetExhaustedKeys(); n > 0 {
			m.logger.Info("Reset exhausted keys", "provider", p.ProviderID(), "count", n)
			if err := m.save(ctx, p); err != nil {
				m.logger.Error("Failed to persist key pool", "provider", p.ProviderID(), "error", err)
			}
		}
	}
}

// RunMaintenance calls PerformMaintenance every interval until ctx is done.
func (m *Manager) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PerformMaintenance(ctx)
		}
	}
}

// AllStats returns stats for every loaded pool.
func (m *Manager) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	for _, p := range m.loaded() {
		out[p.ProviderID()] = p.GetStats()
	}
	return out
}

func (m *Manager) loaded() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	return pools
}

func (m *Manager) mutate(ctx context.Context, providerID string, fn func(*Pool) error) {
	if err := m.mutateErr(ctx, providerID, fn); err != nil {
		m.logger.Error("Key pool update failed", "provider", providerID, "error", err)
	}
}

func (m *Manager) mutateErr(ctx context.Context, providerID string, fn func(*Pool) error) error {
	p, err := m.Pool(ctx, providerID)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return m.save(ctx, p)
}

// save writes the latest snapshot. Snapshots are taken under saveMu so a slow writer never
// overwrites a newer state with an older one.
func (m *Manager) save(ctx context.Context, p *Pool) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	// key state outlives the request that changed it
	ctx = context.WithoutCancel(ctx)

	if err := m.store.SaveKeys(ctx, p.ProviderID(), p.GetKeys()); err != nil {
		return fmt.Errorf("save key pool %s: %w", p.ProviderID(), err)
	}
	return nil
}

func statusOf(p *Pool, keyID string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if k := p.find(keyID); k != nil {
		return k.Status
	}
	return ""
}
