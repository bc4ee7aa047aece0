package reload

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gatewarden/waf/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	var calls atomic.Int32
	m := metrics.New(prometheus.NewRegistry())
	mgr, err := NewManager(Config{Debounce: 50 * time.Millisecond, Metrics: m}, Target{
		Name: "blocklist",
		Path: path,
		Reload: func() error {
			calls.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	defer mgr.Stop()

	// a burst of writes collapses into one reload
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"entries":[]}`), 0o600))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	last := mgr.Status()["last_reloads"].(map[string]string)
	assert.Contains(t, last, "blocklist")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfigReloads.WithLabelValues("blocklist")))
}

func TestIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	mgr, err := NewManager(Config{Debounce: 20 * time.Millisecond}, Target{
		Name:   "blocklist",
		Path:   filepath.Join(dir, "blocklist.json"),
		Reload: func() error { calls.Add(1); return nil },
	})
	require.NoError(t, err)
	defer mgr.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestReloadAll(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New(prometheus.NewRegistry())
	mgr, err := NewManager(Config{Metrics: m},
		Target{Name: "good", Path: filepath.Join(dir, "a.json"), Reload: func() error { return nil }},
		Target{Name: "bad", Path: filepath.Join(dir, "b.json"), Reload: func() error { return errors.New("parse error") }},
		Target{Name: "unset", Path: "", Reload: func() error { return nil }},
	)
	require.NoError(t, err)
	defer mgr.Stop()

	err = mgr.ReloadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: parse error")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfigReloads.WithLabelValues("good")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConfigReloads.WithLabelValues("bad")))

	status := mgr.Status()
	files := status["files"].(map[string]string)
	assert.Len(t, files, 2)
}

func TestStopIsIdempotent(t *testing.T) {
	mgr, err := NewManager(Config{})
	require.NoError(t, err)
	require.NoError(t, mgr.Stop())
	assert.NoError(t, mgr.Stop())
}
