// Package quota tracks per-model, per-account remaining-quota snapshots and
// implements the selection policy that picks which account should serve the
// next request for a given model (C6).
package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"github.com/ag2api/gateway/internal/authmgr"
	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/upstream"
)

// Snapshot is the latest known quota state for one (modelId, accountKey) pair (§3).
type Snapshot struct {
	RemainingPercent int // -1 means unknown
	ResetTimeMs      int64
	UpdatedAtMs      int64
	CooldownUntilMs  int64
}

func (s Snapshot) known() bool { return s.RemainingPercent >= 0 }

// LastError caches the most recent 429 seen for a model, used to synthesize a
// response when no account is selectable (§3).
type LastError struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}

// modelState bundles one model's per-account snapshots with its round-robin
// cursor, guarded by its own lock (adapted from the teacher's group-keyed
// sync.Map cache-bucket pattern).
type modelState struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	lastErr   *LastError
	cursor    int
}

// Decision is the tri-state result of pick() (§4.6 / §9 "sum types").
type Decision struct {
	Kind       DecisionKind
	AccountKey string
	WaitMs     int64
	Response   *LastError
}

type DecisionKind int

const (
	KindPick DecisionKind = iota
	KindWait
	KindFastFail
)

// CooldownWaitThreshold bounds how long pick() will suggest waiting instead of
// failing fast (§4.6).
const CooldownWaitThreshold = 5 * time.Second

// DefaultRefreshInterval is the periodic full-pool quota refresh cadence (§4.6).
const DefaultRefreshInterval = 300 * time.Second

// Tracker owns the per-model quota maps and the background refresh loop.
type Tracker struct {
	mu     sync.RWMutex
	models map[string]*modelState

	store    *credstore.Store
	auth     *authmgr.Manager
	upstream *upstream.Client

	refreshInterval time.Duration
	refreshMu       sync.Mutex // serializes refresh passes (§5: "never runs two passes concurrently")
}

// New creates a Tracker. interval <= 0 uses DefaultRefreshInterval.
func New(store *credstore.Store, auth *authmgr.Manager, client *upstream.Client, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Tracker{
		models:          make(map[string]*modelState),
		store:           store,
		auth:            auth,
		upstream:        client,
		refreshInterval: interval,
	}
}

// SnapshotsForAccount returns the latest known snapshot for accountKey, keyed
// by model id, for display on the admin surface (A6).
func (t *Tracker) SnapshotsForAccount(accountKey string) map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Snapshot)
	for modelID, ms := range t.models {
		ms.mu.RLock()
		if snap, ok := ms.snapshots[accountKey]; ok {
			out[modelID] = snap
		}
		ms.mu.RUnlock()
	}
	return out
}

func (t *Tracker) stateFor(modelID string) *modelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms, ok := t.models[modelID]
	if !ok {
		ms = &modelState{snapshots: make(map[string]Snapshot)}
		t.models[modelID] = ms
	}
	return ms
}

// Run starts the background refresh loop: an initial short grace period for
// accounts to load, an immediate first refresh, then a refresh every
// refreshInterval. Blocks until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return
	}

	t.refreshAll(ctx)

	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.refreshAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refreshAll fetches listModels for every account in parallel (bounded by
// errgroup) and records each model's quotaInfo. Never blocks serving:
// failures are logged and skipped.
func (t *Tracker) refreshAll(ctx context.Context) {
	if !t.refreshMu.TryLock() {
		return
	}
	defer t.refreshMu.Unlock()

	accounts := t.store.All()
	if len(accounts) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, acc := range accounts {
		acc := acc
		g.Go(func() error {
			t.refreshOne(gctx, acc)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) refreshOne(ctx context.Context, acc *credstore.Account) {
	creds, err := t.auth.CredentialsFor(ctx, acc)
	if err != nil {
		log.WithError(err).Debugf("quota: skip refresh for %s, credentials unavailable", acc.Key())
		return
	}

	// Deliberately bypasses the rate gate (§9 open question: left as-is,
	// parallelizing the per-account fan-out takes priority here).
	resp, err := t.upstream.ListModels(ctx, creds.AccessToken)
	if err != nil {
		log.WithError(err).Debugf("quota: listModels failed for %s", acc.Key())
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	now := time.Now().UnixMilli()
	models := gjson.GetBytes(resp.Body, "models")
	models.ForEach(func(_, model gjson.Result) bool {
		modelID := model.Get("name").String()
		if modelID == "" {
			modelID = model.Get("id").String()
		}
		quotaInfo := model.Get("quotaInfo")
		if !quotaInfo.Exists() {
			return true
		}

		remaining := -1
		if frac := quotaInfo.Get("remainingFraction"); frac.Exists() {
			remaining = int(math.Round(frac.Float() * 100))
		} else if pct := quotaInfo.Get("remainingPercent"); pct.Exists() {
			remaining = int(pct.Int())
		}
		resetTime := quotaInfo.Get("resetTime").Int()

		ms := t.stateFor(modelID)
		ms.mu.Lock()
		prior := ms.snapshots[acc.Key()]
		ms.snapshots[acc.Key()] = Snapshot{
			RemainingPercent: remaining,
			ResetTimeMs:      resetTime,
			UpdatedAtMs:      now,
			CooldownUntilMs:  prior.CooldownUntilMs,
		}
		ms.mu.Unlock()
		return true
	})
}

// RecordCooldown writes a cooldown deadline for (modelID, accountKey) after a
// 429, per §4.6.
func (t *Tracker) RecordCooldown(modelID, accountKey string, until time.Time) {
	ms := t.stateFor(modelID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	snap, ok := ms.snapshots[accountKey]
	if !ok {
		snap = Snapshot{RemainingPercent: -1}
	}
	snap.CooldownUntilMs = until.UnixMilli()
	ms.snapshots[accountKey] = snap
}

// RecordLastError caches the most recent 429 response for modelID.
func (t *Tracker) RecordLastError(modelID string, statusCode int, header map[string][]string, body []byte) {
	ms := t.stateFor(modelID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.lastErr = &LastError{StatusCode: statusCode, Header: header, Body: body}
}

func (t *Tracker) lastErrorFor(modelID string) *LastError {
	ms := t.stateFor(modelID)
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.lastErr
}

// synthesized429 builds the fallback 429 body when no cached error is available.
func synthesized429() *LastError {
	return &LastError{
		StatusCode: 429,
		Body:       []byte(`{"error":{"message":"quota exhausted","status":"RESOURCE_EXHAUSTED","code":429}}`),
	}
}

// Pick selects the best account to serve modelID right now, excluding any
// account keys already tried this attempt (§4.6). Accounts with no recorded
// snapshot yet are treated as unknown quota rather than excluded, so a model
// that hasn't been refreshed still round-robins normally.
func (t *Tracker) Pick(modelID string, now time.Time, excluded map[string]bool) Decision {
	ms := t.stateFor(modelID)
	pool := t.store.All()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	type candidate struct {
		key      string
		snap     Snapshot
		inCool   bool
		coolLeft time.Duration
	}

	if len(pool) == 0 {
		return Decision{Kind: KindFastFail, Response: t.preferredErrorLocked(ms)}
	}

	allKnownZero := true
	for _, acc := range pool {
		snap, ok := ms.snapshots[acc.Key()]
		if !ok || snap.RemainingPercent != 0 {
			allKnownZero = false
			break
		}
	}
	if allKnownZero {
		return Decision{Kind: KindFastFail, Response: t.preferredErrorLocked(ms)}
	}

	var candidates []candidate
	var minCooldownLeft time.Duration = -1
	for _, acc := range pool {
		key := acc.Key()
		if excluded[key] {
			continue
		}
		snap, ok := ms.snapshots[key]
		if !ok {
			snap = Snapshot{RemainingPercent: -1}
		}
		if snap.RemainingPercent == 0 {
			continue
		}
		inCool := snap.CooldownUntilMs > now.UnixMilli()
		var left time.Duration
		if inCool {
			left = time.UnixMilli(snap.CooldownUntilMs).Sub(now)
			if minCooldownLeft < 0 || left < minCooldownLeft {
				minCooldownLeft = left
			}
		}
		candidates = append(candidates, candidate{key: key, snap: snap, inCool: inCool, coolLeft: left})
	}

	if len(candidates) == 0 {
		return Decision{Kind: KindFastFail, Response: t.preferredErrorLocked(ms)}
	}

	var active []candidate
	for _, c := range candidates {
		if !c.inCool {
			active = append(active, c)
		}
	}

	if len(active) == 0 {
		if minCooldownLeft >= 0 && minCooldownLeft <= CooldownWaitThreshold {
			return Decision{Kind: KindWait, WaitMs: minCooldownLeft.Milliseconds()}
		}
		return Decision{Kind: KindFastFail, Response: t.preferredErrorLocked(ms)}
	}

	var positive []candidate
	for _, c := range active {
		if c.snap.known() && c.snap.RemainingPercent > 0 {
			positive = append(positive, c)
		}
	}
	candidatePool := active
	if len(positive) > 0 {
		candidatePool = positive
		best := candidatePool[0].snap.RemainingPercent
		var maxed []candidate
		for _, c := range candidatePool {
			if c.snap.RemainingPercent > best {
				best = c.snap.RemainingPercent
			}
		}
		for _, c := range candidatePool {
			if c.snap.RemainingPercent == best {
				maxed = append(maxed, c)
			}
		}
		candidatePool = maxed
	}

	chosen := roundRobinPick(candidatePool, ms.cursor, func(c candidate) string { return c.key })
	for i, c := range candidatePool {
		if c.key == chosen.key {
			ms.cursor = i + 1
			break
		}
	}

	return Decision{Kind: KindPick, AccountKey: chosen.key}
}

func (t *Tracker) preferredErrorLocked(ms *modelState) *LastError {
	if ms.lastErr != nil {
		return ms.lastErr
	}
	return synthesized429()
}

// roundRobinPick returns the first pool element at or after cursor (wrapping),
// using keyOf for a deterministic tie-break ordering.
func roundRobinPick[T any](pool []T, cursor int, keyOf func(T) string) T {
	sortByKey(pool, keyOf)
	if len(pool) == 0 {
		var zero T
		return zero
	}
	idx := cursor % len(pool)
	if idx < 0 {
		idx += len(pool)
	}
	return pool[idx]
}

func sortByKey[T any](pool []T, keyOf func(T) string) {
	for i := 1; i < len(pool); i++ {
		j := i
		for j > 0 && keyOf(pool[j-1]) > keyOf(pool[j]) {
			pool[j-1], pool[j] = pool[j], pool[j-1]
			j--
		}
	}
}
