package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	name := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(name, []byte(`{"tick_interval_ms": 50}`), 0o600))

	var (
		mu   sync.Mutex
		seen []string
	)
	w := &Watcher{
		Path:           name,
		ReloadInterval: 20 * time.Millisecond,
		OnChange: func(ctx context.Context, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(data))
		},
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, time.Millisecond)

	// timer reloads of unchanged content are not reported
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, count())

	tmp := name + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"tick_interval_ms": 75}`), 0o600))
	require.NoError(t, os.Rename(tmp, name))
	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, `{"tick_interval_ms": 75}`, seen[1])
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}
