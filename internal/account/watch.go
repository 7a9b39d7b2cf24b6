package account

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the pool from the store whenever the accounts file
// changes on disk. The auth flow appends accounts from outside this
// process, so the relay picks them up without a restart.
type Watcher struct {
	store *Store
	pool  *Pool
	log   zerolog.Logger
}

// NewWatcher wires a store and the pool it should reconcile into.
func NewWatcher(store *Store, pool *Pool, log zerolog.Logger) *Watcher {
	return &Watcher{store: store, pool: pool, log: log}
}

// Run watches until ctx is cancelled. The watch is on the parent directory
// rather than the file itself so atomic rename-into-place saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating accounts watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.store.Path())
	base := filepath.Base(w.store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.log.Info().Str("path", w.store.Path()).Msg("watching accounts file")

	// Coalesce editor write bursts into one reload.
	var debounce *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("accounts watcher error")
		}
	}
}

func (w *Watcher) reload() {
	accounts, err := w.store.Load()
	if err != nil {
		w.log.Error().Err(err).Msg("reloading accounts failed, keeping current pool")
		return
	}
	added, removed := w.pool.Replace(accounts)
	w.log.Info().
		Int("total", w.pool.Len()).
		Int("added", added).
		Int("removed", removed).
		Msg("accounts reloaded")
}
