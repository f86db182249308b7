// Package orchestrator layers the retry/rotate policy on top of the auth
// manager and quota selector: one call in, exactly one upstream response out,
// with account rotation hidden from the caller (C7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	log "github.com/sirupsen/logrus"

	"github.com/ag2api/gateway/internal/authmgr"
	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/quota"
	"github.com/ag2api/gateway/internal/upstream"
)

// FixedRetryDelay is the flat backoff applied between attempts that are not
// driven by an upstream-provided retry hint (§4.7).
const FixedRetryDelay = 1200 * time.Millisecond

// shortHintThreshold bounds what counts as a "short" retry hint worth sleeping
// through rather than rotating past immediately (§4.7).
const shortHintThreshold = 5 * time.Second

// pickWaitGrace bounds how long the orchestrator will sleep on a quota wait
// decision before giving up and treating it as a fast-fail (§4.6: "a second
// wait returns the cached 429").
const pickWaitGrace = 6 * time.Second

// Request describes one orchestrated call. BuildBody is invoked fresh per
// attempt since projectId (and thus the serialized body) varies by account.
type Request struct {
	Group     string
	Model     string
	Method    string
	Query     url.Values
	Headers   map[string][]string
	BuildBody func(projectID string) ([]byte, error)
}

// Orchestrator composes C5 and C6 behind a single retrying call.
type Orchestrator struct {
	auth     *authmgr.Manager
	quota    *quota.Tracker
	store    *credstore.Store
	upstream *upstream.Client
}

func New(store *credstore.Store, auth *authmgr.Manager, q *quota.Tracker, client *upstream.Client) *Orchestrator {
	return &Orchestrator{auth: auth, quota: q, store: store, upstream: client}
}

// ErrNoAccounts is returned when the credential pool is empty.
var ErrNoAccounts = errors.New("orchestrator: no accounts configured")

// CallV1Internal runs the per-attempt protocol described in §4.7 until it gets
// a response worth returning to the caller or exhausts its attempt budget.
func (o *Orchestrator) CallV1Internal(ctx context.Context, req Request) (*upstream.Response, error) {
	poolSize := o.store.Len()
	if poolSize == 0 {
		return nil, ErrNoAccounts
	}

	attempts := poolSize
	if attempts < 1 {
		attempts = 1
	}

	excluded := make(map[string]bool)
	var lastResp *upstream.Response

	for attempt := 0; attempt < attempts; attempt++ {
		acc, err := o.selectAccount(ctx, req, excluded)
		if err != nil {
			if resp, ok := err.(*fastFailError); ok {
				return resp.resp, nil
			}
			return nil, err
		}

		creds, err := o.auth.CredentialsFor(ctx, acc)
		if err != nil {
			log.WithError(err).WithField("account", acc.Key()).Warn("orchestrator: credential resolution failed, rotating")
			excluded[acc.Key()] = true
			continue
		}

		body, err := req.BuildBody(creds.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build request body: %w", err)
		}

		resp, err := o.upstream.CallV1Internal(ctx, req.Method, creds.AccessToken, body, req.Query, http.Header(req.Headers))
		if err != nil {
			log.WithError(err).WithField("account", acc.Key()).Warn("orchestrator: transport error")
			time.Sleep(FixedRetryDelay)
			if poolSize == 1 {
				continue
			}
			excluded[acc.Key()] = true
			continue
		}

		if resp.StatusCode != 429 {
			return resp, nil
		}

		lastResp = resp
		hint := parseRetryHint(resp.Body)
		if o.quota != nil && req.Model != "" {
			o.quota.RecordCooldown(req.Model, acc.Key(), time.Now().Add(cooldownFor(hint)))
			o.quota.RecordLastError(req.Model, resp.StatusCode, resp.Header, resp.Body)
		}

		if poolSize == 1 {
			if hint != nil && *hint <= shortHintThreshold {
				time.Sleep(*hint + 200*time.Millisecond)
				continue
			}
			return resp, nil
		}

		if hint == nil || *hint <= shortHintThreshold {
			time.Sleep(FixedRetryDelay)
		}
		excluded[acc.Key()] = true
	}

	if lastResp != nil {
		return lastResp, nil
	}
	if o.quota != nil && req.Model != "" {
		if cached := o.cachedErrorResponse(req.Model); cached != nil {
			return cached, nil
		}
	}
	return nil, fmt.Errorf("orchestrator: exhausted %d attempts with no usable response", attempts)
}

type fastFailError struct{ resp *upstream.Response }

func (f *fastFailError) Error() string { return "orchestrator: fast fail" }

// selectAccount resolves the account for this attempt: via the quota
// selector when the model is known, otherwise plain per-group round-robin.
func (o *Orchestrator) selectAccount(ctx context.Context, req Request, excluded map[string]bool) (*credstore.Account, error) {
	if o.quota == nil || req.Model == "" {
		acc, _, err := o.store.AccountAt(req.Group)
		if err != nil {
			return nil, err
		}
		o.store.Rotate(req.Group)
		return acc, nil
	}

	for {
		decision := o.quota.Pick(req.Model, time.Now(), excluded)
		switch decision.Kind {
		case quota.KindPick:
			for _, acc := range o.store.All() {
				if acc.Key() == decision.AccountKey {
					return acc, nil
				}
			}
			return nil, fmt.Errorf("orchestrator: picked account %q no longer in pool", decision.AccountKey)
		case quota.KindWait:
			select {
			case <-time.After(time.Duration(decision.WaitMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			decision2 := o.quota.Pick(req.Model, time.Now(), excluded)
			if decision2.Kind == quota.KindPick {
				for _, acc := range o.store.All() {
					if acc.Key() == decision2.AccountKey {
						return acc, nil
					}
				}
			}
			return nil, &fastFailError{resp: o.responseFor(decision2, req.Model)}
		case quota.KindFastFail:
			return nil, &fastFailError{resp: o.responseFor(decision, req.Model)}
		}
	}
}

func (o *Orchestrator) responseFor(d quota.Decision, model string) *upstream.Response {
	if d.Response != nil {
		hdr := make(http.Header, len(d.Response.Header))
		for k, v := range d.Response.Header {
			hdr[k] = v
		}
		return &upstream.Response{StatusCode: d.Response.StatusCode, Header: hdr, Body: d.Response.Body}
	}
	return &upstream.Response{
		StatusCode: 429,
		Body:       []byte(`{"error":{"message":"quota exhausted","status":"RESOURCE_EXHAUSTED","code":429}}`),
	}
}

func (o *Orchestrator) cachedErrorResponse(model string) *upstream.Response {
	decision := o.quota.Pick(model, time.Now(), map[string]bool{})
	if decision.Kind == quota.KindFastFail {
		return o.responseFor(decision, model)
	}
	return nil
}

func cooldownFor(hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		return *hint
	}
	return FixedRetryDelay
}

var durationComponent = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|s|m|h)`)

// parseRetryHint extracts RetryInfo.retryDelay / metadata.quotaResetDelay from
// an upstream error body and sums their duration components across every
// matching detail entry (§4.7). Returns nil when no hint is present or none
// of the matches could be parsed.
func parseRetryHint(body []byte) *time.Duration {
	details := gjson.GetBytes(body, "error.details")
	if !details.Exists() {
		return nil
	}

	var total time.Duration
	var found bool
	details.ForEach(func(_, detail gjson.Result) bool {
		if v := detail.Get("retryDelay"); v.Exists() {
			if d, ok := parseDurationString(v.String()); ok {
				total += d
				found = true
			}
		}
		if v := detail.Get("metadata.quotaResetDelay"); v.Exists() {
			if d, ok := parseDurationString(v.String()); ok {
				total += d
				found = true
			}
		}
		return true
	})
	if !found {
		return nil
	}
	return &total
}

// parseDurationString sums duration components expressed in the {ms,s,m,h}
// unit set, e.g. "1h16m0.667s" or "331.167ms". Go's time.ParseDuration already
// implements exactly this grammar for this unit subset.
func parseDurationString(raw string) (time.Duration, bool) {
	matches := durationComponent.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return 0, false
	}

	var total time.Duration
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		var unit time.Duration
		switch m[2] {
		case "ms":
			unit = time.Millisecond
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		default:
			return 0, false
		}
		total += time.Duration(value * float64(unit))
	}
	return total, true
}
