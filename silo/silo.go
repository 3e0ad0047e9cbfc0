// Package silo is the arbitration engine: the single authority that turns a
// (request, session) pair into exactly one response.  It owns the dedup and
// pending caches, the per-category locks, policy consultation, and the
// dispatch of every cryptographic operation.
package silo

import (
	"sync"

	"github.com/kryptco/krypton-go/auditlog"
	"github.com/kryptco/krypton-go/keys"
	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/policy"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/teams"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

// UserRejectedMessage is the exact error string a denied request carries.
const UserRejectedMessage = "rejected"

const endpointARNKey = "sns_endpoint_arn"

// CacheKey dedups retries of one logical request.  Session id first: two
// workstations may reuse request ids, (session, request) never repeats.
func CacheKey(inSessionID, inRequestID string) string {
	return inSessionID + "_" + inRequestID
}

// Sender is the outbound half of the transport layer.
type Sender interface {

	// Send fans a response out to every medium bound to the session.
	Send(inResponse *wire.Response, inSession *session.Session) error

	// Remove unbinds a session from every medium.
	Remove(inSession *session.Session, inSendUnpairResponse bool)
}

// Notifier surfaces approval prompts and outcomes to the user.
type Notifier interface {
	RequestUserAuthorization(inSession *session.Session, inRequest *wire.Request)
	NotifyApproved(inSession *session.Session, inRequest *wire.Request)
	NotifyError(inSession *session.Session, inErrorMessage string)
}

// Params collects the collaborators a Silo is assembled from.
type Params struct {
	Registry   *session.Registry
	Policy     *policy.Store
	AuditLog   auditlog.Store
	Keys       *keys.KeyManager
	PGP        *keys.PGPKeyManager
	KnownHosts *keys.KnownHostManager
	U2F        *keys.U2FKeyManager
	Teams      *teams.Service
	Vault      vault.Vault
	Notifier   Notifier
	TrackingID string
}

type cacheEntry struct {
	responseBuf []byte
	expiresAt   int64
}

// Silo arbitrates requests.  Team operations serialize on their own lock so a
// slow consensus round trip never blocks ssh/git/u2f signing; everything else
// shares one lock, which also guards both caches.
type Silo struct {
	kr.Logger
	Params

	mutex               sync.Mutex
	teamsOperationMutex sync.Mutex

	cacheMutex    sync.Mutex
	responseCache map[string]cacheEntry
	pending       map[string]int64

	sender Sender
}

// NewSilo assembles the arbitration engine.  The Sender is attached
// afterwards via SetSender since the transport router needs the silo first.
func NewSilo(inParams Params) *Silo {
	return &Silo{
		Logger:        kr.NewLogger("silo"),
		Params:        inParams,
		responseCache: make(map[string]cacheEntry),
		pending:       make(map[string]int64),
	}
}

// SetSender attaches the transport router.  Called once at assembly time.
func (s *Silo) SetSender(inSender Sender) {
	s.sender = inSender
}

func (s *Silo) lockFor(inRequest *wire.Request) *sync.Mutex {
	if _, isTeamOp := inRequest.Body.(wire.TeamOperationRequest); isTeamOp {
		return &s.teamsOperationMutex
	}
	return &s.mutex
}

/*****************************************************
** Caches
**
** Both caches live under cacheMutex, independent of the category locks, so
** RemovePending/IsPending never contend with an in-flight team operation.
**/

func (s *Silo) purgeExpiredCaches() {
	now := kr.Now()

	s.cacheMutex.Lock()
	for key, entry := range s.responseCache {
		if now >= entry.expiresAt {
			delete(s.responseCache, key)
		}
	}
	for key, expiresAt := range s.pending {
		if now >= expiresAt {
			delete(s.pending, key)
		}
	}
	s.cacheMutex.Unlock()
}

func (s *Silo) cachedResponse(inKey string) *wire.Response {
	s.cacheMutex.Lock()
	entry, ok := s.responseCache[inKey]
	s.cacheMutex.Unlock()

	if !ok || kr.Now() >= entry.expiresAt {
		return nil
	}

	resp, err := wire.ParseResponse(entry.responseBuf)
	if err != nil {
		s.Error("cached response did not re-parse: ", err)
		return nil
	}
	return resp
}

func (s *Silo) cacheResponse(inKey string, inResponse *wire.Response) {
	buf, err := inResponse.Marshal()
	if err != nil {
		s.Error("response did not marshal for caching: ", err)
		return
	}

	s.cacheMutex.Lock()
	s.responseCache[inKey] = cacheEntry{
		responseBuf: buf,
		expiresAt:   kr.Now() + int64(kr.ResponseCacheTTL.Seconds()),
	}
	s.cacheMutex.Unlock()
}

/*****************************************************
** Handle
**/

// Handle is the single inbound entrypoint.  It either sends a response (fresh
// or cached), parks the request pending approval, or returns an error that
// stops processing with nothing cached and nothing audited.
func (s *Silo) Handle(inRequest *wire.Request, inSession *session.Session, inMedium string) error {

	lock := s.lockFor(inRequest)
	lock.Lock()
	defer lock.Unlock()

	s.purgeExpiredCaches()

	if s.Registry.Lookup(inSession.ID) == nil {
		return kr.Errorf(nil, kr.SessionRemoved, "session %v is no longer registered", inSession.ID)
	}

	if err := s.checkRequestTime(inRequest); err != nil {
		return err
	}

	cacheKey := CacheKey(inSession.ID, inRequest.ID)
	if cached := s.cachedResponse(cacheKey); cached != nil {
		s.Infof(1, "replaying cached response for %v", inRequest.ID)
		return s.sender.Send(cached, inSession)
	}

	// the cache probe may have been slow; re-check the window so a request
	// that aged out mid-lookup is still rejected
	if err := s.checkRequestTime(inRequest); err != nil {
		return err
	}

	switch inRequest.Body.(type) {
	case wire.UnpairRequest:
		if err := s.Registry.Remove(inSession); err != nil {
			s.Warnf("session %v did not fully remove: %v", inSession.ID, err)
		}
		s.Policy.RemoveSession(inSession.ID)
		s.sender.Remove(inSession, false)
		return kr.Errorf(nil, kr.SessionRemoved, "session %v unpaired", inSession.ID)

	case wire.NoOpRequest:
		// pure liveness probe
		return nil
	}

	verifiedHost := s.verifiedHostFor(inRequest)

	if !s.Policy.IsAllowed(inSession.ID, inRequest, verifiedHost) {
		return s.handleRequiresApproval(inRequest, inSession, verifiedHost)
	}

	resp, err := s.responseFor(inRequest, inSession, true)
	if err != nil {
		return err
	}

	s.notifyOutcome(inRequest, inSession, resp)

	return s.sender.Send(resp, inSession)
}

func (s *Silo) checkRequestTime(inRequest *wire.Request) error {
	skew := kr.Now() - inRequest.UnixSeconds
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(kr.RequestTimeTolerance.Seconds()) {
		return kr.Errorf(nil, kr.InvalidRequestTime, "request %v is %d seconds out of tolerance", inRequest.ID, skew)
	}
	return nil
}

// verifiedHostFor authenticates an ssh request's host claim, returning the
// verified host name or empty.  Verification failure downgrades the request
// to unknown-host handling rather than aborting it.
func (s *Silo) verifiedHostFor(inRequest *wire.Request) string {
	sign, isSSH := inRequest.Body.(wire.SignRequest)
	if !isSSH || sign.HostAuth == nil {
		return ""
	}

	verified, err := keys.VerifyHostAuth(sign.HostAuth, sign.SessionID)
	if err != nil {
		s.Warnf("host auth did not verify for request %v: %v", inRequest.ID, err)
		return ""
	}
	return verified.HostName
}

func (s *Silo) handleRequiresApproval(inRequest *wire.Request, inSession *session.Session, inVerifiedHost string) error {

	cacheKey := CacheKey(inSession.ID, inRequest.ID)

	s.cacheMutex.Lock()
	if _, alreadyPending := s.pending[cacheKey]; alreadyPending {
		s.cacheMutex.Unlock()
		return kr.Errorf(nil, kr.RequestPending, "request %v already awaits approval", inRequest.ID)
	}
	s.pending[cacheKey] = kr.Now() + int64(kr.PendingRequestTTL.Seconds())
	s.cacheMutex.Unlock()

	s.Policy.AddPendingAuthorization(&policy.PendingAuthorization{
		SessionID:    inSession.ID,
		Request:      inRequest,
		VerifiedHost: inVerifiedHost,
	})

	if s.Notifier != nil {
		s.Notifier.RequestUserAuthorization(inSession, inRequest)
	}

	if inRequest.SendACK {
		ack := wire.NewResponse(inRequest.ID, s.endpointARN(), wire.AckResponse{}, s.TrackingID)
		if err := s.sender.Send(ack, inSession); err != nil {
			s.Warnf("ack send failed for request %v: %v", inRequest.ID, err)
		}
	}
	return nil
}

// LockResponseFor computes (and caches) the response for an approval decision
// arriving out of band.  It takes the same category lock as Handle, so a
// decision and a freshly arrived duplicate race cleanly: whichever wins the
// lock computes, the other observes the cache.
func (s *Silo) LockResponseFor(inRequest *wire.Request, inSession *session.Session, inAllowed bool) (*wire.Response, error) {
	lock := s.lockFor(inRequest)
	lock.Lock()
	defer lock.Unlock()

	if cached := s.cachedResponse(CacheKey(inSession.ID, inRequest.ID)); cached != nil {
		return cached, nil
	}

	return s.responseFor(inRequest, inSession, inAllowed)
}

// RemovePending clears a request's pending marker.
func (s *Silo) RemovePending(inRequest *wire.Request, inSession *session.Session) {
	s.cacheMutex.Lock()
	delete(s.pending, CacheKey(inSession.ID, inRequest.ID))
	s.cacheMutex.Unlock()
}

// IsPending reports whether a request awaits approval.
func (s *Silo) IsPending(inRequest *wire.Request, inSession *session.Session) bool {
	s.cacheMutex.Lock()
	expiresAt, ok := s.pending[CacheKey(inSession.ID, inRequest.ID)]
	s.cacheMutex.Unlock()

	return ok && kr.Now() < expiresAt
}

func (s *Silo) notifyOutcome(inRequest *wire.Request, inSession *session.Session, inResponse *wire.Response) {
	if s.Notifier == nil {
		return
	}

	switch inResponse.Body.(type) {
	case wire.SSHSignResponse, wire.GitSignResponse:
		if errStr := inResponse.Body.Err(); len(errStr) > 0 {
			s.Notifier.NotifyError(inSession, errStr)
		} else if s.Policy.Settings(inSession.ID).ShowApprovedNotifications {
			s.Notifier.NotifyApproved(inSession, inRequest)
		}
	}
}

func (s *Silo) endpointARN() string {
	buf, err := s.Vault.Get(endpointARNKey)
	if err != nil {
		return ""
	}
	return string(buf)
}
