// Package upstream implements the low-level, stateless HTTP calls this gateway
// makes to Google's private v1internal surface and to the standard OAuth/
// userinfo endpoints (C2).
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/ag2api/gateway/internal/rategate"
)

// Host is the private upstream this gateway fronts.
const Host = "daily-cloudcode-pa.sandbox.googleapis.com"

const userAgent = "ag2api-gateway/1.0 (+https://github.com/ag2api/gateway)"

// DefaultClientID/DefaultClientSecret are the built-in OAuth client
// credentials, overridable via GOOGLE_OAUTH_CLIENT_ID/GOOGLE_OAUTH_CLIENT_SECRET.
const (
	DefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// OAuthClientID returns the configured client ID, falling back to the built-in default.
func OAuthClientID() string {
	if v := os.Getenv("GOOGLE_OAUTH_CLIENT_ID"); v != "" {
		return v
	}
	return DefaultClientID
}

// OAuthClientSecret returns the configured client secret, falling back to the built-in default.
func OAuthClientSecret() string {
	if v := os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"); v != "" {
		return v
	}
	return DefaultClientSecret
}

// Response is the untouched wire response returned by every helper here: the
// orchestrator (C7) is responsible for interpreting status/body, this layer
// only plumbs bytes through.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues requests against the upstream, gated through a shared rate
// limiter and decompressing gzip/brotli bodies transparently.
type Client struct {
	HTTP *http.Client
	Gate *rategate.Gate
}

// New builds a Client with sane request timeouts; httpClient may already carry
// proxy configuration (see internal/netproxy).
func New(httpClient *http.Client, gate *rategate.Gate) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{HTTP: httpClient, Gate: gate}
}

// CallV1Internal issues POST https://<Host>/v1internal:<method><query> with a
// bearer token and the upstream's fixed headers (§4.2). The response is
// returned untouched; callers classify status codes themselves.
func (c *Client) CallV1Internal(ctx context.Context, method, token string, body []byte, query url.Values, headers http.Header) (*Response, error) {
	if err := c.Gate.Wait(ctx); err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme: "https",
		Host:   Host,
		Path:   "/v1internal:" + method,
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.do(req)
}

// LoadProjectId POSTs an empty metadata body to loadCodeAssist. A missing
// projectId in the returned body is not itself an error (§4.2).
func (c *Client) LoadProjectId(ctx context.Context, token string) (*Response, error) {
	return c.CallV1Internal(ctx, "loadCodeAssist", token, []byte(`{"metadata":{}}`), nil, nil)
}

// ListModels fetches model metadata, including per-account quota info, for token.
func (c *Client) ListModels(ctx context.Context, token string) (*Response, error) {
	return c.CallV1Internal(ctx, "listModels", token, []byte(`{}`), nil, nil)
}

// UserInfo retrieves the authenticated user's e-mail from Google's standard userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, token string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req)
}

// tokenForm is the shared shape of both the auth-code exchange and the
// refresh-token exchange against Google's OAuth token endpoint.
func (c *Client) tokenForm(ctx context.Context, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://oauth2.googleapis.com/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("upstream: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// ExchangeAuthCode exchanges an OAuth authorization code for an access/refresh
// token pair.
func (c *Client) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*Response, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {OAuthClientID()},
		"client_secret": {OAuthClientSecret()},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}
	return c.tokenForm(ctx, form)
}

// RefreshToken exchanges a long-lived refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Response, error) {
	form := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {OAuthClientID()},
		"client_secret": {OAuthClientSecret()},
		"grant_type":    {"refresh_token"},
	}
	return c.tokenForm(ctx, form)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response body: %w", err)
	}

	body, err := decompress(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		body = raw
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func decompress(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, nil
	}
}

// DecodeJSON is a small helper for callers that need a typed view of a Response body.
func DecodeJSON(resp *Response, v any) error {
	return json.Unmarshal(resp.Body, v)
}
