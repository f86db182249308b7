package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ag2api/gateway/internal/rategate"
)

func TestCallV1InternalSetsHeadersAndPath(t *testing.T) {
	var gotPath, gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(&http.Client{}, rategate.New(0))
	client.HTTP.Transport = rewriteHostTransport(srv.URL)

	resp, err := client.CallV1Internal(context.Background(), "generateContent", "tok123", []byte(`{}`), url.Values{"alt": {"sse"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotPath != "/v1internal:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotUA == "" {
		t.Fatalf("expected user-agent to be set")
	}
}

func TestDoDecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"hello":"world"}`))
	_ = gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := New(&http.Client{}, rategate.New(0))
	client.HTTP.Transport = rewriteHostTransport(srv.URL)

	resp, err := client.ListModels(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != `{"hello":"world"}` {
		t.Fatalf("unexpected decompressed body: %s", resp.Body)
	}
}

func TestCallV1InternalHonorsRateGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(&http.Client{}, rategate.New(30*time.Millisecond))
	client.HTTP.Transport = rewriteHostTransport(srv.URL)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := client.CallV1Internal(context.Background(), "m", "t", []byte(`{}`), nil, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("expected gate to serialize the two calls")
	}
}

// rewriteHostTransport redirects every request to targetURL regardless of the
// request's original host, so tests can exercise the real URL-building logic
// against an httptest.Server.
type hostRewriter struct {
	target *url.URL
}

func (h hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = h.target.Scheme
	clone.URL.Host = h.target.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func rewriteHostTransport(targetURL string) http.RoundTripper {
	u, err := url.Parse(targetURL)
	if err != nil {
		panic(err)
	}
	return hostRewriter{target: u}
}
