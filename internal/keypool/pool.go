// Package keypool rotates provider credentials and tracks their health.
package keypool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

// DefaultMaxConsecutiveErrors is how many transient failures in a row disable a key.
const DefaultMaxConsecutiveErrors = 5

type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusDisabled  Status = "disabled"
)

var ErrKeyNotFound = errors.New("key not found")

// APIKey is one credential owned by a pool.
type APIKey struct {
	ID                string     `json:"id"`
	Key               string     `json:"key"`
	Status            Status     `json:"status"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	SuccessCount      int        `json:"successCount"`
	ErrorCount        int        `json:"errorCount"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	LastErrorAt       *time.Time `json:"lastErrorAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Stats counts keys per status.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Exhausted int `json:"exhausted"`
	Disabled  int `json:"disabled"`
}

type Options struct {
	MaxConsecutiveErrors int
	Classifier           func(error) upstream.Kind
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.Classifier == nil {
		o.Classifier = upstream.Classify
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Pool is the credential set of one provider. Every method is one critical section under mu, so
// concurrent reports for the same key never lose updates.
type Pool struct {
	providerID string
	opts       Options

	mu     sync.Mutex
	keys   []*APIKey
	cursor int

	saveMu sync.Mutex
}

func New(providerID string, keys []APIKey, opts Options) *Pool {
	p := &Pool{
		providerID: providerID,
		opts:       opts.withDefaults(),
	}
	for i := range keys {
		k := keys[i]
		if k.Status == "" {
			k.Status = StatusActive
		}
		p.keys = append(p.keys, &k)
	}
	return p
}

func (p *Pool) ProviderID() string { return p.providerID }

// GetNextKey returns a copy of the next active key in round-robin order, or nil when no key is
// active.
func (p *Pool) GetNextKey() *APIKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		if k.Status != StatusActive {
			continue
		}

		p.cursor = (idx + 1) % n
		now := p.opts.Now()
		k.LastUsedAt = &now

		cp := *k
		return &cp
	}

	return nil
}

// GetKeys returns a snapshot of every key, whatever its status.
func (p *Pool) GetKeys() []APIKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshot()
}

func (p *Pool) snapshot() []APIKey {
	out := make([]APIKey, len(p.keys))
	for i, k := range p.keys {
		out[i] = *k
	}
	return out
}

// AddKeys imports raw secrets and returns the ids created. Blank lines and secrets already in
// the pool are skipped.
func (p *Pool) AddKeys(rawKeys []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(p.keys))
	for _, k := range p.keys {
		seen[k.Key] = true
	}

	var ids []string
	for _, raw := range rawKeys {
		secret := strings.TrimSpace(raw)
		if secret == "" || seen[secret] {
			continue
		}
		seen[secret] = true

		k := &APIKey{
			ID:        uuid.NewString(),
			Key:       secret,
			Status:    StatusActive,
			CreatedAt: p.opts.Now(),
		}
		p.keys = append(p.keys, k)
		ids = append(ids, k.ID)
	}

	return ids
}

// UpdateKeyStats records the outcome of a request. Failures are routed to HandleRequestError
// by callers that have the error value; a bare failure here counts as unknown.
func (p *Pool) UpdateKeyStats(keyID string, success bool) error {
	if !success {
		return p.HandleRequestError(keyID, errors.New("request failed"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(keyID)
	if k == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	now := p.opts.Now()
	k.SuccessCount++
	k.ConsecutiveErrors = 0
	k.LastUsedAt = &now
	return nil
}

// HandleRequestError classifies err and moves the key accordingly: auth and permission
// failures disable it, rate-limit and quota failures exhaust it, anything else counts towards
// the consecutive-error threshold.
func (p *Pool) HandleRequestError(keyID string, err error) error {
	kind := p.opts.Classifier(err)

	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(keyID)
	if k == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	now := p.opts.Now()
	k.ErrorCount++
	k.LastErrorAt = &now
	if err != nil {
		k.LastError = upstream.Truncate(err.Error(), 200)
	}

	switch kind {
	case upstream.KindAuth, upstream.KindPermission:
		k.Status = StatusDisabled
	case upstream.KindRateLimit, upstream.KindQuota:
		if k.Status == StatusActive {
			k.Status = StatusExhausted
		}
	case upstream.KindModelNotFound, upstream.KindModelNotSupported, upstream.KindParameter:
		// the request was wrong, not the key
	default:
		k.ConsecutiveErrors++
		if k.ConsecutiveErrors >= p.opts.MaxConsecutiveErrors {
			k.Status = StatusDisabled
		}
	}

	return nil
}

// ResetExhaustedKeys moves every exhausted key back to active and returns how many moved.
func (p *Pool) ResetExhaustedKeys() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, k := range p.keys {
		if k.Status == StatusExhausted {
			k.Status = StatusActive
			k.ConsecutiveErrors = 0
			n++
		}
	}
	return n
}

func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.keys)}
	for _, k := range p.keys {
		switch k.Status {
		case StatusActive:
			s.Active++
		case StatusExhausted:
			s.Exhausted++
		case StatusDisabled:
			s.Disabled++
		}
	}
	return s
}

// HealthyCount is the number of active keys.
func (p *Pool) HealthyCount() int {
	return p.GetStats().Active
}

// EnableKey is the operator action that re-activates a disabled or exhausted key.
func (p *Pool) EnableKey(keyID string) error {
	return p.setStatus(keyID, StatusActive)
}

// DisableKey takes a key out of rotation until it is enabled again.
func (p *Pool) DisableKey(keyID string) error {
	return p.setStatus(keyID, StatusDisabled)
}

func (p *Pool) setStatus(keyID string, status Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(keyID)
	if k == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	k.Status = status
	if status == StatusActive {
		k.ConsecutiveErrors = 0
	}
	return nil
}

func (p *Pool) RemoveKey(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, k := range p.keys {
		if k.ID == keyID {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			if len(p.keys) == 0 || p.cursor >= len(p.keys) {
				p.cursor = 0
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}

func (p *Pool) find(keyID string) *APIKey {
	for _, k := range p.keys {
		if k.ID == keyID {
			return k
		}
	}
	return nil
}

// Mask hides all but the first and last four characters of a secret.
func Mask(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
