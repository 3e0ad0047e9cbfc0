// Package policy decides whether a request may be answered without asking the
// user, and tracks requests parked while an answer is awaited.  Settings are
// per session: a base state (always-ask or never-ask) plus lazily expiring
// temporary grants layered on top.
package policy

import (
	"encoding/json"
	"sync"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

// ScopeAll is the session-wide grant scope.
const ScopeAll = "all"

// UserAndHostScope is the grant scope for one verified (user, host) pair.
func UserAndHostScope(inUser, inHost string) string {
	return "ssh:" + inUser + "@" + inHost
}

// SessionSettings is one session's persisted policy state.
type SessionSettings struct {

	// NeverAsk auto-approves everything for the session.
	NeverAsk bool `json:"should_never_ask"`

	// PermitUnknownHostsAllowed gates whether unknown-host ssh requests are
	// eligible for session-wide temporary grants.
	PermitUnknownHostsAllowed bool `json:"should_permit_unknown_hosts_allowed"`

	// ShowApprovedNotifications surfaces a local notification for each
	// auto-approved request.
	ShowApprovedNotifications bool `json:"should_show_approved_notifications"`

	// AllowedUntil maps grant scope to unix expiry.  Expired entries are
	// treated as absent on read and swept by PruneExpired.
	AllowedUntil map[string]int64 `json:"allowed_until,omitempty"`
}

func (s *SessionSettings) grantActive(inScope string, inNow int64) bool {
	expiry, ok := s.AllowedUntil[inScope]
	return ok && inNow < expiry
}

// Responder delivers a decision for a parked request back to the arbiter.
type Responder func(inSessionID string, inRequest *wire.Request, inAllowed bool)

// PendingAuthorization is one (session, request) awaiting a user decision.
type PendingAuthorization struct {
	SessionID   string
	Request     *wire.Request
	UnixSeconds int64

	// VerifiedHost is the host name the request authenticated as, when known.
	VerifiedHost string
}

func (pa *PendingAuthorization) expired(inNow int64) bool {
	return inNow-pa.UnixSeconds > int64(kr.PendingRequestTTL.Seconds())
}

// Store is the authorization state machine.  Settings mutations are atomic
// per store; evaluation never errors, absence of state means "ask the user".
type Store struct {
	kr.Logger

	mutex    sync.Mutex
	settings map[string]*SessionSettings
	pending  []*PendingAuthorization

	vault     vault.Vault
	responder Responder
}

// NewStore returns a policy store persisting through the given vault.
func NewStore(inVault vault.Vault) *Store {
	return &Store{
		Logger:   kr.NewLogger("policy"),
		settings: make(map[string]*SessionSettings),
		vault:    inVault,
	}
}

// SetResponder installs the callback that answers parked requests when the
// user decides (or a batch decision fires).  Set once at assembly time.
func (st *Store) SetResponder(inResponder Responder) {
	st.mutex.Lock()
	st.responder = inResponder
	st.mutex.Unlock()
}

func settingsVaultKey(inSessionID string) string {
	return "policy_settings_" + inSessionID
}

// settingsForSession returns (loading if needed) a session's settings.
// Callers hold st.mutex.
func (st *Store) settingsForSession(inSessionID string) *SessionSettings {
	if s := st.settings[inSessionID]; s != nil {
		return s
	}

	s := &SessionSettings{}
	buf, err := st.vault.Get(settingsVaultKey(inSessionID))
	if err == nil {
		if err = json.Unmarshal(buf, s); err != nil {
			st.Warnf("resetting unparsable policy settings for session %v: %v", inSessionID, err)
			*s = SessionSettings{}
		}
	}
	if s.AllowedUntil == nil {
		s.AllowedUntil = make(map[string]int64)
	}

	st.settings[inSessionID] = s
	return s
}

// persist writes a session's settings through.  Callers hold st.mutex.
func (st *Store) persist(inSessionID string, inSettings *SessionSettings) {
	buf, err := json.Marshal(inSettings)
	if err != nil {
		st.Error("policy settings did not marshal: ", err)
		return
	}
	if err = st.vault.Set(settingsVaultKey(inSessionID), buf); err != nil {
		st.Error("policy settings did not persist: ", err)
	}
}

// Settings returns a copy of a session's current settings.
func (st *Store) Settings(inSessionID string) SessionSettings {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)

	out := *s
	out.AllowedUntil = make(map[string]int64, len(s.AllowedUntil))
	for scope, expiry := range s.AllowedUntil {
		out.AllowedUntil[scope] = expiry
	}
	return out
}

/*****************************************************
** Evaluation
**/

// RequiresApproval reports whether a request variant is subject to policy at
// all.  Liveness probes, unpair, and identity reads answer unconditionally.
func RequiresApproval(inRequest *wire.Request) bool {
	switch inRequest.Body.(type) {
	case wire.NoOpRequest, wire.UnpairRequest, wire.MeRequest:
		return false
	}
	return true
}

// IsAllowed decides whether a request proceeds without interactive approval.
// inVerifiedHost is the authenticated host name for ssh requests, empty when
// the host is unknown or the request is not an ssh signature.
//
// Order matters: never-ask wins outright, then temporary grants, then the
// conservative default.
func (st *Store) IsAllowed(inSessionID string, inRequest *wire.Request, inVerifiedHost string) bool {
	if !RequiresApproval(inRequest) {
		return true
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	if s.NeverAsk {
		return true
	}

	now := kr.Now()

	if sign, isSSH := inRequest.Body.(wire.SignRequest); isSSH {
		if len(inVerifiedHost) > 0 {
			if s.grantActive(UserAndHostScope(sign.User, inVerifiedHost), now) {
				return true
			}
			return s.grantActive(ScopeAll, now)
		}

		// unknown host: session-wide grants apply only when the user has
		// opted in to covering unknown hosts
		return s.PermitUnknownHostsAllowed && s.grantActive(ScopeAll, now)
	}

	return s.grantActive(ScopeAll, now)
}

/*****************************************************
** Transitions
**/

// AllowThis installs (or refreshes) a temporary grant for one (user, host).
func (st *Store) AllowThis(inSessionID, inUser, inHost string, inDuration int64) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.AllowedUntil[UserAndHostScope(inUser, inHost)] = kr.Now() + inDuration
	st.persist(inSessionID, s)
}

// AllowAll installs (or refreshes) a session-wide temporary grant.
func (st *Store) AllowAll(inSessionID string, inDuration int64) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.AllowedUntil[ScopeAll] = kr.Now() + inDuration
	st.persist(inSessionID, s)
}

// SetNeverAsk flips the session's base state to auto-approve.  Existing
// temporary grants are left in place; they become relevant again if the user
// later reverts to always-ask.
func (st *Store) SetNeverAsk(inSessionID string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.NeverAsk = true
	st.persist(inSessionID, s)
}

// SetAlwaysAsk restores the default base state.  Unexpired temporary grants
// keep being honored.
func (st *Store) SetAlwaysAsk(inSessionID string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.NeverAsk = false
	st.persist(inSessionID, s)
}

// SetPermitUnknownHostsAllowed flips the unknown-host safety toggle.
func (st *Store) SetPermitUnknownHostsAllowed(inSessionID string, inPermit bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.PermitUnknownHostsAllowed = inPermit
	st.persist(inSessionID, s)
}

// SetShowApprovedNotifications flips auto-approval notifications.
func (st *Store) SetShowApprovedNotifications(inSessionID string, inShow bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s := st.settingsForSession(inSessionID)
	s.ShowApprovedNotifications = inShow
	st.persist(inSessionID, s)
}

// PruneExpired sweeps expired grants and pending entries.  Evaluation already
// ignores both; this only bounds memory in a long-lived process.
func (st *Store) PruneExpired() {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	now := kr.Now()

	for sessionID, s := range st.settings {
		dirty := false
		for scope, expiry := range s.AllowedUntil {
			if now >= expiry {
				delete(s.AllowedUntil, scope)
				dirty = true
			}
		}
		if dirty {
			st.persist(sessionID, s)
		}
	}

	kept := st.pending[:0]
	for _, pa := range st.pending {
		if !pa.expired(now) {
			kept = append(kept, pa)
		}
	}
	st.pending = kept
}

// RemoveSession drops a session's policy state entirely.
func (st *Store) RemoveSession(inSessionID string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	delete(st.settings, inSessionID)

	kept := st.pending[:0]
	for _, pa := range st.pending {
		if pa.SessionID != inSessionID {
			kept = append(kept, pa)
		}
	}
	st.pending = kept

	if err := st.vault.Delete(settingsVaultKey(inSessionID)); err != nil {
		st.Warnf("could not delete policy settings for session %v: %v", inSessionID, err)
	}
}

/*****************************************************
** Pending authorizations
**/

// AddPendingAuthorization parks a request awaiting the user's decision.
func (st *Store) AddPendingAuthorization(inPending *PendingAuthorization) {
	if inPending.UnixSeconds == 0 {
		inPending.UnixSeconds = kr.Now()
	}

	st.mutex.Lock()
	st.pending = append(st.pending, inPending)
	st.mutex.Unlock()
}

// LastPendingAuthorization peeks the most recently parked request, skipping
// expired entries.
func (st *Store) LastPendingAuthorization() *PendingAuthorization {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	now := kr.Now()
	for i := len(st.pending) - 1; i >= 0; i-- {
		if !st.pending[i].expired(now) {
			return st.pending[i]
		}
	}
	return nil
}

// RemovePendingAuthorization unparks one request, returning whether it was
// present.
func (st *Store) RemovePendingAuthorization(inSessionID, inRequestID string) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	for i, pa := range st.pending {
		if pa.SessionID == inSessionID && pa.Request.ID == inRequestID {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return true
		}
	}
	return false
}

// RejectAllPending answers every parked request with a denial.  Fired when
// the user explicitly rejects one prompt: the rest are failed closed rather
// than queued indefinitely.
func (st *Store) RejectAllPending() {
	st.mutex.Lock()
	rejected := st.pending
	st.pending = nil
	responder := st.responder
	st.mutex.Unlock()

	if responder == nil {
		return
	}

	now := kr.Now()
	for _, pa := range rejected {
		if pa.expired(now) {
			continue
		}
		responder(pa.SessionID, pa.Request, false)
	}
}

// FlushAllowedPending re-evaluates every parked request and answers the ones
// the current policy now covers, leaving the rest parked.  Fired after an
// approval installs a new grant.
func (st *Store) FlushAllowedPending() {
	st.mutex.Lock()
	responder := st.responder
	parked := append([]*PendingAuthorization(nil), st.pending...)
	st.mutex.Unlock()

	if responder == nil {
		return
	}

	now := kr.Now()
	for _, pa := range parked {
		if pa.expired(now) {
			continue
		}
		if st.IsAllowed(pa.SessionID, pa.Request, pa.VerifiedHost) {
			if st.RemovePendingAuthorization(pa.SessionID, pa.Request.ID) {
				responder(pa.SessionID, pa.Request, true)
			}
		}
	}
}
