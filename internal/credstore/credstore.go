// Package credstore implements the on-disk credential pool: loading, persisting,
// renaming, and deleting per-account OAuth credential records, plus the
// pre-expiry refresh timer (C3/C4). The actual refresh call is injected by the
// caller (internal/authmgr) so this package never reaches back into it.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Groups this gateway routes between; rotation cursors are tracked per group.
const (
	GroupClaude = "claude"
	GroupGemini = "gemini"
)

// GroupForModel decides routing group by substring in the model name (§3):
// a "claude" exhaustion never touches Gemini-family selection and vice versa.
func GroupForModel(model string) string {
	if strings.Contains(strings.ToLower(model), GroupClaude) {
		return GroupClaude
	}
	return GroupGemini
}

// preExpiryWindow is how far ahead of expiry the refresh timer fires.
const preExpiryWindow = 10 * time.Minute

// refreshBackoff is the re-arm delay after a failed scheduled refresh.
const refreshBackoff = 60 * time.Second

// safetyMargin is subtracted from the upstream-reported token lifetime (§3).
const safetyMargin = 60 * time.Second

// Credential is the persisted shape of one account's OAuth state (§3).
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiryMs     int64  `json:"expiryMs"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Email        string `json:"email,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
}

// valid implements invariant I1: every field group required to serve traffic
// must be present for the record to be loaded at all.
func (c Credential) valid() bool {
	if c.AccessToken == "" || c.RefreshToken == "" {
		return false
	}
	return c.TokenType != "" || c.Scope != ""
}

// NewExpiry computes the absolute expiry deadline from an issuance time and a
// token lifetime, applying the §3 60-second safety margin.
func NewExpiry(issuedAt time.Time, lifetime time.Duration) int64 {
	return issuedAt.Add(lifetime).Add(-safetyMargin).UnixMilli()
}

// Account is the in-memory wrapper around a Credential plus its transient
// single-flight and scheduling state (§3).
type Account struct {
	mu         sync.Mutex
	cred       Credential
	filePath   string
	store      *Store
	refreshTmr *time.Timer
}

// Snapshot returns a copy of the account's current credential record.
func (a *Account) Snapshot() Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cred
}

// FilePath returns the backing file's current path.
func (a *Account) FilePath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filePath
}

// Key returns the stable identity used to index per-account quota state:
// the e-mail when known, else the file path.
func (a *Account) Key() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred.Email != "" {
		return a.cred.Email
	}
	return a.filePath
}

func (a *Account) setCredentialLocked(c Credential) {
	a.cred = c
}

// RefreshCallback performs the actual OAuth refresh exchange and returns the
// account's new Credential. Injected by internal/authmgr at Store construction
// to avoid a cyclic package dependency (§9 design notes).
type RefreshCallback func(acc *Account) (Credential, error)

// Store owns the credential pool loaded from a directory plus the per-group
// rotation cursors.
type Store struct {
	mu       sync.RWMutex
	dir      string
	accounts []*Account
	cursors  map[string]int

	refresh RefreshCallback
}

// New creates an empty Store rooted at dir. SetRefreshCallback must be called
// before the pre-expiry timers can do anything useful.
func New(dir string) *Store {
	return &Store{
		dir:     dir,
		cursors: map[string]int{GroupClaude: 0, GroupGemini: 0},
	}
}

// SetRefreshCallback installs the function invoked by pre-expiry timers and by
// explicit refresh requests.
func (s *Store) SetRefreshCallback(cb RefreshCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = cb
}

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9@.]`)

// sanitizeEmailForFilename implements the §4.3 rule `[^A-Za-z0-9@.] → _`.
func sanitizeEmailForFilename(email string) string {
	return filenameSanitizer.ReplaceAllString(email, "_")
}

func placeholderFilename() string {
	return fmt.Sprintf("account-%d.json", time.Now().UnixNano())
}

// Load reads every *.json credential file in the store's directory (excluding
// package manifests that might share the extension), discarding any that fail
// to parse or that don't satisfy I1, and resets both rotation cursors to 0.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("credstore: read directory: %w", err)
	}

	var loaded []*Account
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		if name == "tsconfig.json" || strings.HasPrefix(name, "package") {
			continue
		}

		path := filepath.Join(s.dir, name)
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			log.WithError(errRead).Warnf("credstore: skip unreadable file %s", name)
			continue
		}

		var cred Credential
		if errUnmarshal := json.Unmarshal(data, &cred); errUnmarshal != nil {
			log.WithError(errUnmarshal).Debugf("credstore: skip malformed file %s", name)
			continue
		}
		if !cred.valid() {
			log.Debugf("credstore: skip incomplete credential %s", name)
			continue
		}

		loaded = append(loaded, &Account{cred: cred, filePath: path, store: s})
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].filePath < loaded[j].filePath })

	s.mu.Lock()
	s.accounts = loaded
	s.cursors[GroupClaude] = 0
	s.cursors[GroupGemini] = 0
	s.mu.Unlock()

	return nil
}

// All returns a snapshot slice of the current account pool.
func (s *Store) All() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Len returns the pool size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Cursor returns the current rotation index for group.
func (s *Store) Cursor(group string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clampLocked(group, s.cursors[group])
}

// clampLocked enforces I4: 0 <= idx < max(1, |pool|).
func (s *Store) clampLocked(group string, idx int) int {
	n := len(s.accounts)
	if n == 0 {
		return 0
	}
	idx %= n
	if idx < 0 {
		idx += n
	}
	return idx
}

// Rotate advances group's cursor modulo the pool size (§4.5); a no-op for
// pools of size <= 1.
func (s *Store) Rotate(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.accounts)
	if n <= 1 {
		s.cursors[group] = 0
		return
	}
	s.cursors[group] = (s.cursors[group] + 1) % n
}

// AccountAt returns the account at the group's current cursor, or an error if
// the pool is empty.
func (s *Store) AccountAt(group string) (*Account, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accounts) == 0 {
		return nil, 0, fmt.Errorf("credstore: account pool is empty")
	}
	idx := s.clampLocked(group, s.cursors[group])
	return s.accounts[idx], idx, nil
}

// Persist writes through acc's current credential record to its backing file,
// naming it after the sanitized e-mail (or a timestamped placeholder when no
// e-mail is known yet).
func (s *Store) Persist(acc *Account) error {
	acc.mu.Lock()
	cred := acc.cred
	path := acc.filePath
	acc.mu.Unlock()

	if path == "" {
		name := placeholderFilename()
		if cred.Email != "" {
			name = sanitizeEmailForFilename(cred.Email) + ".json"
		}
		path = filepath.Join(s.dir, name)
	} else if cred.Email != "" {
		wantName := sanitizeEmailForFilename(cred.Email) + ".json"
		if filepath.Base(path) != wantName {
			newPath := filepath.Join(filepath.Dir(path), wantName)
			if errRename := os.Rename(path, newPath); errRename != nil && !os.IsNotExist(errRename) {
				log.WithError(errRename).Warnf("credstore: rename %s -> %s failed", path, newPath)
			} else {
				path = newPath
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("credstore: create directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal credential: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write credential file: %w", err)
	}

	acc.mu.Lock()
	acc.filePath = path
	acc.mu.Unlock()
	return nil
}

// Update replaces acc's credential record in memory, without persisting.
func (a *Account) Update(c Credential) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setCredentialLocked(c)
}

var validFilename = regexp.MustCompile(`^[A-Za-z0-9@._-]+\.json$`)

// DeleteByFilename removes the named credential file from the pool, canceling
// its refresh timer and adjusting both rotation cursors per §4.3.
func (s *Store) DeleteByFilename(filename string) error {
	if strings.Contains(filename, "/") || strings.Contains(filename, "\\") || strings.Contains(filename, "..") {
		return fmt.Errorf("credstore: invalid filename %q", filename)
	}
	if !strings.HasSuffix(filename, ".json") || !validFilename.MatchString(filename) {
		return fmt.Errorf("credstore: invalid filename %q", filename)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, acc := range s.accounts {
		if filepath.Base(acc.FilePath()) == filename {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("credstore: account %q not found", filename)
	}

	acc := s.accounts[idx]
	acc.mu.Lock()
	if acc.refreshTmr != nil {
		acc.refreshTmr.Stop()
		acc.refreshTmr = nil
	}
	path := acc.filePath
	acc.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: remove file: %w", err)
	}

	s.accounts = append(s.accounts[:idx], s.accounts[idx+1:]...)

	for _, group := range []string{GroupClaude, GroupGemini} {
		cur := s.cursors[group]
		switch {
		case idx < cur:
			s.cursors[group] = cur - 1
		case idx == cur:
			s.cursors[group] = s.clampLocked(group, cur)
		}
	}
	return nil
}

// Add inserts or reuses a credential record: an existing account with the same
// e-mail is updated and renamed in place; otherwise a new account is appended.
// Rotation cursors reset to 0 only when the pool transitions from empty.
func (s *Store) Add(cred Credential) (*Account, error) {
	s.mu.Lock()
	wasEmpty := len(s.accounts) == 0

	var acc *Account
	if cred.Email != "" {
		for _, existing := range s.accounts {
			if existing.Snapshot().Email == cred.Email {
				acc = existing
				break
			}
		}
	}
	if acc == nil {
		acc = &Account{cred: cred, store: s}
		s.accounts = append(s.accounts, acc)
	} else {
		acc.Update(cred)
	}

	if wasEmpty {
		s.cursors[GroupClaude] = 0
		s.cursors[GroupGemini] = 0
	}
	s.mu.Unlock()

	if err := s.Persist(acc); err != nil {
		return acc, err
	}
	return acc, nil
}

// ScheduleRefresh (re-)arms acc's pre-expiry timer, canceling any previous one
// first (§4.4). The timer invokes the Store's refresh callback; on failure it
// re-arms after a fixed backoff instead of at the (stale) expiry.
func (s *Store) ScheduleRefresh(acc *Account) {
	acc.mu.Lock()
	if acc.refreshTmr != nil {
		acc.refreshTmr.Stop()
	}
	fireAt := time.UnixMilli(acc.cred.ExpiryMs).Add(-preExpiryWindow)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	acc.refreshTmr = time.AfterFunc(delay, func() { s.fireRefresh(acc) })
	acc.mu.Unlock()
}

func (s *Store) fireRefresh(acc *Account) {
	s.mu.RLock()
	cb := s.refresh
	s.mu.RUnlock()
	if cb == nil {
		return
	}
	if _, err := cb(acc); err != nil {
		log.WithError(err).Warnf("credstore: scheduled refresh failed for %s, retrying in %s", acc.Key(), refreshBackoff)
		acc.mu.Lock()
		acc.refreshTmr = time.AfterFunc(refreshBackoff, func() { s.fireRefresh(acc) })
		acc.mu.Unlock()
		return
	}
	s.ScheduleRefresh(acc)
}

// CancelRefresh stops acc's pending timer, if any.
func (a *Account) CancelRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refreshTmr != nil {
		a.refreshTmr.Stop()
		a.refreshTmr = nil
	}
}

// ParseExpiryMs is a small helper for credential records stored with a numeric
// expiry represented as either a JSON number or a numeric string.
func ParseExpiryMs(raw json.RawMessage) (int64, error) {
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		return strconv.ParseInt(asStr, 10, 64)
	}
	return 0, fmt.Errorf("credstore: unrecognized expiry encoding")
}
