package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ag2api/gateway/internal/authmgr"
	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/quota"
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

func newFixture(t *testing.T, handler http.HandlerFunc, nAccounts int) (*Orchestrator, *credstore.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := credstore.New(t.TempDir())
	for i := 0; i < nAccounts; i++ {
		_, err := store.Add(credstore.Credential{
			AccessToken: "tok", RefreshToken: "r", TokenType: "Bearer",
			Email:     string(rune('a'+i)) + "@x.com",
			ProjectID: "proj",
			ExpiryMs:  time.Now().Add(time.Hour).UnixMilli(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	client := upstream.New(&http.Client{Transport: rewriteTransport{target: target}}, rategate.New(0))
	auth := authmgr.New(store, client)
	tracker := quota.New(store, auth, client, time.Hour)
	return New(store, auth, tracker, client), store
}

func buildBody(string) ([]byte, error) { return []byte(`{}`), nil }

func TestCallV1InternalPassesThroughNon429(t *testing.T) {
	o, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}, 1)

	resp, err := o.CallV1Internal(context.Background(), Request{Group: "gemini", Model: "gemini-pro", Method: "generateContent", BuildBody: buildBody})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 to pass through unchanged, got %d", resp.StatusCode)
	}
}

func TestCallV1InternalRotatesOnShortHint429(t *testing.T) {
	var calls int32
	o, store := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"details":[{"retryDelay":"2s"}]}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, 2)

	resp, err := o.CallV1Internal(context.Background(), Request{Group: "gemini", Model: "claude-sonnet-4-5", Method: "generateContent", BuildBody: buildBody})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual success, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
	if store.Len() != 2 {
		t.Fatalf("expected pool size 2")
	}
}

func TestCallV1InternalReturnsLast429WhenPoolExhausted(t *testing.T) {
	o, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}, 1)

	resp, err := o.CallV1Internal(context.Background(), Request{Group: "gemini", Model: "gemini-pro", Method: "generateContent", BuildBody: buildBody})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 returned as-is, got %d", resp.StatusCode)
	}
}

func TestParseDurationStringSumsComponents(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1h16m0.667s", time.Hour + 16*time.Minute + 667*time.Millisecond, true},
		{"331.167ms", 331 * time.Millisecond, true},
		{"1.203s", 1203 * time.Millisecond, true},
		{"not-a-duration", 0, false},
	}
	for _, c := range cases {
		got, ok := parseDurationString(c.in)
		if ok != c.ok {
			t.Fatalf("%q: expected ok=%v, got %v", c.in, c.ok, ok)
		}
		if ok && got != c.want {
			t.Fatalf("%q: expected %v, got %v", c.in, c.want, got)
		}
	}
}

func TestParseRetryHintExtractsFromDetails(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2.5s"}]}}`)
	hint := parseRetryHint(body)
	if hint == nil {
		t.Fatalf("expected a parsed hint")
	}
	if *hint != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s, got %v", *hint)
	}
}

func TestParseRetryHintReturnsNilWithoutDetails(t *testing.T) {
	if hint := parseRetryHint([]byte(`{"error":{"message":"no details"}}`)); hint != nil {
		t.Fatalf("expected nil hint, got %v", *hint)
	}
}
