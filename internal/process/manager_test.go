package process

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	dir := t.TempDir()
	return &Manager{
		pidFile: filepath.Join(dir, PIDFilename),
		refFile: filepath.Join(dir, refFilename),
	}
}

func TestPIDLifecycle(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, 0, m.ReadPID())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.WritePID())
	assert.Equal(t, os.Getpid(), m.ReadPID())
	assert.True(t, m.IsRunning())

	m.CleanupPID()
	assert.Equal(t, 0, m.ReadPID())
}

func TestGarbagePIDIsIgnored(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.pidFile, []byte("not-a-pid"), 0600))

	assert.Equal(t, 0, m.ReadPID())
	assert.False(t, m.IsRunning())
}

func TestReferenceCount(t *testing.T) {
	m := newTestManager(t)

	assert.Equal(t, 1, m.IncrementRef())
	assert.Equal(t, 2, m.IncrementRef())
	assert.Equal(t, 1, m.DecrementRef())
	assert.Equal(t, 0, m.DecrementRef())
	assert.Equal(t, 0, m.DecrementRef(), "never negative")

	m.CleanupRef()
	assert.Equal(t, 0, m.ReadRef())
}

func TestWaitForHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, WaitForHealthy(srv.URL+"/health", time.Second))

	srv.Close()
	assert.False(t, WaitForHealthy(srv.URL+"/health", 300*time.Millisecond))
}
