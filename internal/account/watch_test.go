package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewStore(path)
	require.NoError(t, store.Save([]Account{testAccount("a@x.com")}))

	pool := NewPool(0)
	accounts, err := store.Load()
	require.NoError(t, err)
	pool.Replace(accounts)
	require.Equal(t, 1, pool.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(store, pool, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to establish the directory watch.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.Save([]Account{
		testAccount("a@x.com"),
		testAccount("b@x.com"),
	}))

	assert.Eventually(t, func() bool { return pool.Len() == 2 },
		3*time.Second, 50*time.Millisecond, "pool should pick up the new account")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
