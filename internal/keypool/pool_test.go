package keypool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-relay/internal/upstream"
)

func newPool(t *testing.T, secrets ...string) (*Pool, []string) {
	t.Helper()

	p := New("p1", nil, Options{})
	ids := p.AddKeys(secrets)
	require.Len(t, ids, len(secrets))
	return p, ids
}

func statusByID(p *Pool, id string) Status {
	for _, k := range p.GetKeys() {
		if k.ID == id {
			return k.Status
		}
	}
	return ""
}

func TestGetNextKeyRoundRobin(t *testing.T) {
	p, ids := newPool(t, "k1", "k2", "k3")

	var got []string
	for i := 0; i < 6; i++ {
		k := p.GetNextKey()
		require.NotNil(t, k)
		got = append(got, k.ID)
	}

	assert.Equal(t, []string{ids[0], ids[1], ids[2], ids[0], ids[1], ids[2]}, got)
}

func TestGetNextKeySkipsInactive(t *testing.T) {
	p, ids := newPool(t, "k1", "k2", "k3")
	require.NoError(t, p.DisableKey(ids[1]))

	for i := 0; i < 4; i++ {
		k := p.GetNextKey()
		require.NotNil(t, k)
		assert.NotEqual(t, ids[1], k.ID)
	}
}

func TestGetNextKeyEmptyPool(t *testing.T) {
	p := New("p1", nil, Options{})
	assert.Nil(t, p.GetNextKey())
}

func TestExhaustionAndReset(t *testing.T) {
	p, ids := newPool(t, "k1", "k2")
	rateLimited := upstream.NewHTTPError("openai", 429, []byte("rate limit"))

	for _, id := range ids {
		require.NoError(t, p.HandleRequestError(id, rateLimited))
	}

	assert.Nil(t, p.GetNextKey())
	assert.Equal(t, Stats{Total: 2, Exhausted: 2}, p.GetStats())

	assert.Equal(t, 2, p.ResetExhaustedKeys())
	assert.NotNil(t, p.GetNextKey())
	assert.Equal(t, 2, p.HealthyCount())
}

func TestHandleRequestErrorTransitions(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Status
	}{
		{"auth disables", upstream.NewHTTPError("p", 401, []byte("invalid api key")), StatusDisabled},
		{"permission disables", upstream.NewHTTPError("p", 403, []byte("forbidden")), StatusDisabled},
		{"rate limit exhausts", upstream.NewHTTPError("p", 429, []byte("too many requests")), StatusExhausted},
		{"quota exhausts", errors.New("You exceeded your current quota"), StatusExhausted},
		{"server error keeps active", upstream.NewHTTPError("p", 500, []byte("oops")), StatusActive},
		{"bad request keeps active", upstream.NewHTTPError("p", 400, []byte("invalid parameter")), StatusActive},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, ids := newPool(t, "k1")
			require.NoError(t, p.HandleRequestError(ids[0], tc.err))
			assert.Equal(t, tc.expected, statusByID(p, ids[0]))
		})
	}
}

func TestSameErrorTwiceCountsTwice(t *testing.T) {
	p, ids := newPool(t, "k1")
	cause := upstream.NewHTTPError("p", 502, []byte("bad gateway"))

	require.NoError(t, p.HandleRequestError(ids[0], cause))
	require.NoError(t, p.HandleRequestError(ids[0], cause))

	k := p.GetKeys()[0]
	assert.Equal(t, 2, k.ConsecutiveErrors)
	assert.Equal(t, 2, k.ErrorCount)
	assert.Equal(t, StatusActive, k.Status)
}

func TestConsecutiveErrorThreshold(t *testing.T) {
	p := New("p1", nil, Options{MaxConsecutiveErrors: 3})
	ids := p.AddKeys([]string{"k1"})
	cause := errors.New("connection reset by peer")

	for i := 0; i < 2; i++ {
		require.NoError(t, p.HandleRequestError(ids[0], cause))
	}
	assert.Equal(t, StatusActive, statusByID(p, ids[0]))

	require.NoError(t, p.HandleRequestError(ids[0], cause))
	assert.Equal(t, StatusDisabled, statusByID(p, ids[0]))

	// disabled keys stay out of rotation after maintenance
	p.ResetExhaustedKeys()
	assert.Nil(t, p.GetNextKey())
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	p, ids := newPool(t, "k1")
	require.NoError(t, p.HandleRequestError(ids[0], errors.New("eof")))
	require.NoError(t, p.UpdateKeyStats(ids[0], true))

	k := p.GetKeys()[0]
	assert.Equal(t, 0, k.ConsecutiveErrors)
	assert.Equal(t, 1, k.SuccessCount)
	assert.NotNil(t, k.LastUsedAt)
}

func TestClassifierIsPluggable(t *testing.T) {
	p := New("p1", nil, Options{Classifier: func(error) upstream.Kind { return upstream.KindAuth }})
	ids := p.AddKeys([]string{"k1"})

	require.NoError(t, p.HandleRequestError(ids[0], errors.New("anything")))
	assert.Equal(t, StatusDisabled, statusByID(p, ids[0]))
}

func TestAddKeysIsIdempotent(t *testing.T) {
	p := New("p1", nil, Options{})

	first := p.AddKeys([]string{"k1", "k2", "k1", "  ", ""})
	assert.Len(t, first, 2)

	second := p.AddKeys([]string{"k2", " k1 ", "k3"})
	assert.Len(t, second, 1)
	assert.Equal(t, 3, p.GetStats().Total)
}

func TestUnknownKey(t *testing.T) {
	p := New("p1", nil, Options{})
	assert.ErrorIs(t, p.UpdateKeyStats("missing", true), ErrKeyNotFound)
	assert.ErrorIs(t, p.HandleRequestError("missing", errors.New("x")), ErrKeyNotFound)
	assert.ErrorIs(t, p.RemoveKey("missing"), ErrKeyNotFound)
}

func TestRemoveKeyKeepsRotationValid(t *testing.T) {
	p, ids := newPool(t, "k1", "k2", "k3")
	p.GetNextKey()
	p.GetNextKey()

	require.NoError(t, p.RemoveKey(ids[2]))
	k := p.GetNextKey()
	require.NotNil(t, k)
	assert.Equal(t, ids[0], k.ID)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	p, ids := newPool(t, "k1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.UpdateKeyStats(ids[0], true)
		}()
		go func() {
			defer wg.Done()
			_ = p.HandleRequestError(ids[0], upstream.NewHTTPError("p", 400, []byte("invalid parameter")))
		}()
	}
	wg.Wait()

	k := p.GetKeys()[0]
	assert.Equal(t, 100, k.SuccessCount)
	assert.Equal(t, 100, k.ErrorCount)
}

func TestConcurrentRotationIsFair(t *testing.T) {
	p, ids := newPool(t, "k1", "k2", "k3", "k4")

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := p.GetNextKey()
			mu.Lock()
			counts[k.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 100, counts[id])
	}
}
