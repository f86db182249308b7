package credstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnNewCredentialFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", s.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- s.Watch(ctx) }()

	// give fsnotify a moment to register the directory before writing into it.
	time.Sleep(50 * time.Millisecond)
	writeCred(t, dir, "new.json", Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"})

	deadline := time.After(2 * time.Second)
	for {
		if s.Len() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("store was not reloaded after new credential file appeared, path=%s", filepath.Join(dir, "new.json"))
		case <-time.After(25 * time.Millisecond):
		}
	}

	cancel()
	if err := <-watchErr; err != nil {
		t.Fatalf("Watch returned error after cancel: %v", err)
	}
}
