package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tasknest/internal/fslock"
	"tasknest/internal/security"
)

// testDebounce keeps debounced saves fast enough to observe in tests.
const testDebounce = 10 * time.Millisecond

func newTestDeps(t *testing.T) (*security.FileVault, *fslock.Manager, string) {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	vault, err := security.NewFileVault(key, nil)
	if err != nil {
		t.Fatalf("NewFileVault() error = %v", err)
	}
	locks := fslock.NewManager(nil)
	dir := t.TempDir()
	// Best-effort background saves must settle before the temp dir goes away.
	// Registered after TempDir so it runs before the directory is removed.
	t.Cleanup(func() {
		time.Sleep(20 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = locks.WaitForPending(ctx)
	})
	return vault, locks, dir
}

func newTestClientStore(t *testing.T, cfg ClientStoreConfig) *ClientStore {
	t.Helper()
	vault, locks, dir := newTestDeps(t)
	if cfg.SaveDebounce == 0 {
		cfg.SaveDebounce = testDebounce
	}
	return NewClientStore(filepath.Join(dir, "clients.enc"), vault, locks, cfg, nil)
}
