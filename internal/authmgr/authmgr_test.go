package authmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/rategate"
	"github.com/ag2api/gateway/internal/upstream"
)

type rewriteTransport struct{ target *url.URL }

func (r rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = r.target.Scheme
	clone.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func newTestUpstream(t *testing.T, srv *httptest.Server) *upstream.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	client := upstream.New(&http.Client{Transport: rewriteTransport{target: u}}, rategate.New(0))
	return client
}

func TestResolveProjectIDSynthesizesFromPaidTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"paidTier":true}`))
	}))
	defer srv.Close()

	store := credstore.New(t.TempDir())
	acc, err := store.Add(credstore.Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "u@x.com"})
	if err != nil {
		t.Fatal(err)
	}

	mgr := New(store, newTestUpstream(t, srv))
	projectID, err := mgr.ResolveProjectID(context.Background(), acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z0-9]{5}$`).MatchString(projectID) {
		t.Fatalf("unexpected synthesized project id shape: %q", projectID)
	}
	if acc.Snapshot().ProjectID != projectID {
		t.Fatalf("expected project id persisted on account")
	}
}

func TestResolveProjectIDFailsWithoutPaidTierMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := credstore.New(t.TempDir())
	acc, err := store.Add(credstore.Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "u@x.com"})
	if err != nil {
		t.Fatal(err)
	}

	mgr := New(store, newTestUpstream(t, srv))
	if _, err := mgr.ResolveProjectID(context.Background(), acc); err == nil {
		t.Fatalf("expected ineligibility error")
	}
}

func TestResolveProjectIDSingleFlightsConcurrentCalls(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"paidTier":true}`))
	}))
	defer srv.Close()

	store := credstore.New(t.TempDir())
	acc, err := store.Add(credstore.Credential{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Email: "u@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	mgr := New(store, newTestUpstream(t, srv))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.ResolveProjectID(context.Background(), acc)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call across concurrent resolutions, got %d", calls)
	}
}

func TestRefreshPreservesEmailAndProjectID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	store := credstore.New(t.TempDir())
	acc, err := store.Add(credstore.Credential{
		AccessToken: "old", RefreshToken: "r", TokenType: "Bearer",
		Email: "u@x.com", ProjectID: "existing-project",
	})
	if err != nil {
		t.Fatal(err)
	}

	mgr := New(store, newTestUpstream(t, srv))
	cred, err := mgr.Refresh(context.Background(), acc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.AccessToken != "new-token" {
		t.Fatalf("expected refreshed access token, got %q", cred.AccessToken)
	}
	if cred.Email != "u@x.com" || cred.ProjectID != "existing-project" {
		t.Fatalf("expected email/projectId preserved, got %+v", cred)
	}
}
