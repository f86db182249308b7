// Package authmgr composes the rate gate, upstream client, and credential
// store into the gateway's single entry point for "get me a usable account
// for this model family" (C5).
package authmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/upstream"
)

// Credentials is what callers receive from GetCredentials: enough to place
// one authenticated call plus a handle back to the account for cooldown/retry
// bookkeeping.
type Credentials struct {
	AccessToken string
	ProjectID   string
	Account     *credstore.Account
}

// Manager composes C1-C4 behind single-flighted refresh/project-id resolution.
type Manager struct {
	store    *credstore.Store
	upstream *upstream.Client

	refreshFlight singleflight.Group
	projectFlight singleflight.Group
}

// New wires a Manager around an already-loaded Store and upstream Client, and
// installs the Store's refresh callback so pre-expiry timers route back here.
func New(store *credstore.Store, client *upstream.Client) *Manager {
	m := &Manager{store: store, upstream: client}
	store.SetRefreshCallback(func(acc *credstore.Account) (credstore.Credential, error) {
		return m.doRefresh(context.Background(), acc)
	})
	return m
}

// GetCredentials returns usable credentials for the account currently at
// group's rotation cursor: refreshing the token if it's past its expiry and
// resolving a projectId if one isn't yet known (§4.5).
func (m *Manager) GetCredentials(ctx context.Context, group string) (*Credentials, error) {
	acc, _, err := m.store.AccountAt(group)
	if err != nil {
		return nil, err
	}
	return m.credentialsFor(ctx, acc)
}

// CredentialsFor resolves credentials for a specific account, used by the
// orchestrator when rotating to an account chosen by the quota selector
// rather than by the plain round-robin cursor.
func (m *Manager) CredentialsFor(ctx context.Context, acc *credstore.Account) (*Credentials, error) {
	return m.credentialsFor(ctx, acc)
}

func (m *Manager) credentialsFor(ctx context.Context, acc *credstore.Account) (*Credentials, error) {
	cred := acc.Snapshot()
	if time.Now().UnixMilli() >= cred.ExpiryMs {
		refreshed, err := m.Refresh(ctx, acc)
		if err != nil {
			return nil, err
		}
		cred = *refreshed
	}

	if cred.ProjectID == "" {
		projectID, err := m.ResolveProjectID(ctx, acc)
		if err != nil {
			return nil, err
		}
		cred.ProjectID = projectID
	}

	return &Credentials{AccessToken: cred.AccessToken, ProjectID: cred.ProjectID, Account: acc}, nil
}

// Refresh exchanges acc's refresh token for a new access token, with at most
// one refresh in flight per account (P2/I3). e-mail and projectId survive the
// swap; if the new record somehow lacks a projectId, resolution runs again.
func (m *Manager) Refresh(ctx context.Context, acc *credstore.Account) (*credstore.Credential, error) {
	key := acc.Key()
	v, err, _ := m.refreshFlight.Do(key, func() (any, error) {
		return m.doRefresh(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	cred := v.(credstore.Credential)
	return &cred, nil
}

func (m *Manager) doRefresh(ctx context.Context, acc *credstore.Account) (credstore.Credential, error) {
	prior := acc.Snapshot()

	resp, err := m.upstream.RefreshToken(ctx, prior.RefreshToken)
	if err != nil {
		return credstore.Credential{}, fmt.Errorf("authmgr: refresh request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return credstore.Credential{}, fmt.Errorf("authmgr: refresh failed with status %d: %s", resp.StatusCode, string(resp.Body))
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.Unmarshal(resp.Body, &body); err != nil {
		return credstore.Credential{}, fmt.Errorf("authmgr: decode refresh response: %w", err)
	}

	next := prior
	next.AccessToken = body.AccessToken
	if body.RefreshToken != "" {
		next.RefreshToken = body.RefreshToken
	}
	if body.TokenType != "" {
		next.TokenType = body.TokenType
	}
	if body.Scope != "" {
		next.Scope = body.Scope
	}
	next.ExpiryMs = credstore.NewExpiry(time.Now(), time.Duration(body.ExpiresIn)*time.Second)

	if next.ProjectID == "" {
		acc.Update(next)
		if projectID, errResolve := m.ResolveProjectID(ctx, acc); errResolve == nil {
			next.ProjectID = projectID
		}
	}

	acc.Update(next)
	if err = m.store.Persist(acc); err != nil {
		return credstore.Credential{}, fmt.Errorf("authmgr: persist refreshed credential: %w", err)
	}
	m.store.ScheduleRefresh(acc)

	return next, nil
}

// ResolveProjectID resolves and persists acc's Google Cloud project id, with
// at most one resolution in flight per account (P2/I3). When loadCodeAssist
// omits a projectId but the raw body carries the literal "paidTier" marker, a
// synthetic id is generated and persisted instead of failing outright (§4.5,
// scenario 6).
func (m *Manager) ResolveProjectID(ctx context.Context, acc *credstore.Account) (string, error) {
	key := acc.Key()
	v, err, _ := m.projectFlight.Do(key, func() (any, error) {
		return m.doResolveProjectID(ctx, acc)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doResolveProjectID(ctx context.Context, acc *credstore.Account) (string, error) {
	cred := acc.Snapshot()
	if cred.ProjectID != "" {
		return cred.ProjectID, nil
	}

	resp, err := m.upstream.LoadProjectId(ctx, cred.AccessToken)
	if err != nil {
		return "", fmt.Errorf("authmgr: loadCodeAssist failed: %w", err)
	}

	projectID := gjson.GetBytes(resp.Body, "cloudaicompanionProject").String()
	if projectID == "" {
		if strings.Contains(string(resp.Body), `"paidTier"`) {
			projectID = synthesizeProjectID()
		} else {
			return "", fmt.Errorf("authmgr: account is not eligible")
		}
	}

	cred.ProjectID = projectID
	acc.Update(cred)
	if err = m.store.Persist(acc); err != nil {
		return "", fmt.Errorf("authmgr: persist resolved projectId: %w", err)
	}
	return projectID, nil
}

var adjectives = []string{"swift", "quiet", "bold", "calm", "bright", "amber", "lucid", "brisk"}
var nouns = []string{"harbor", "ridge", "meadow", "falcon", "cedar", "ember", "willow", "canyon"}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// synthesizeProjectID builds a "<adj>-<noun>-<5 base36>" identifier, matching
// the shape described in §4.5/scenario 6.
func synthesizeProjectID() string {
	adj := adjectives[randomIndex(len(adjectives))]
	noun := nouns[randomIndex(len(nouns))]
	suffix := make([]byte, 5)
	for i := range suffix {
		suffix[i] = base36Alphabet[randomIndex(len(base36Alphabet))]
	}
	return fmt.Sprintf("%s-%s-%s", adj, noun, string(suffix))
}

func randomIndex(n int) int {
	max := big.NewInt(int64(n))
	v, err := randInt(max)
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
