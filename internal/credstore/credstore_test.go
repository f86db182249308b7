package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCred(t *testing.T, dir, name string, cred Credential) {
	t.Helper()
	data, err := json.Marshal(cred)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSkipsIncompleteRecords(t *testing.T) {
	dir := t.TempDir()
	writeCred(t, dir, "good.json", Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"})
	writeCred(t, dir, "bad.json", Credential{AccessToken: "a"})
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New(dir)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 loaded account, got %d", s.Len())
	}
}

func TestRotationClampAfterDelete(t *testing.T) {
	dir := t.TempDir()
	writeCred(t, dir, "a.json", Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "a@x.com"})
	writeCred(t, dir, "b.json", Credential{AccessToken: "b", RefreshToken: "r", TokenType: "Bearer", Email: "b@x.com"})

	s := New(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	s.Rotate(GroupGemini)
	if c := s.Cursor(GroupGemini); c != 1 {
		t.Fatalf("expected cursor 1, got %d", c)
	}

	if err := s.DeleteByFilename("b.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c := s.Cursor(GroupGemini); c != 0 {
		t.Fatalf("expected cursor clamped to 0, got %d", c)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining account, got %d", s.Len())
	}
}

func TestDeleteRejectsUnsafeFilenames(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	for _, name := range []string{"../x.json", "a/b.json", "noext", "bad name.json"} {
		if err := s.DeleteByFilename(name); err == nil {
			t.Fatalf("expected rejection for %q", name)
		}
	}
}

func TestPersistNamesFileAfterEmail(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	acc, err := s.Add(Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "user@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(acc.FilePath()) != "user@example.com.json" {
		t.Fatalf("unexpected filename: %s", acc.FilePath())
	}
}

func TestScheduleRefreshInvokesCallbackAndReschedules(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	acc, err := s.Add(Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "user@example.com",
		ExpiryMs: time.Now().Add(50 * time.Millisecond).UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 1)
	s.SetRefreshCallback(func(a *Account) (Credential, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return a.Snapshot(), nil
	})
	s.ScheduleRefresh(acc)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected scheduled refresh callback to fire")
	}
}
