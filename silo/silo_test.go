package silo

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/kryptco/krypton-go/auditlog"
	"github.com/kryptco/krypton-go/keys"
	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/policy"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/teams"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

type captureSender struct {
	sync.Mutex

	responses []*wire.Response
	removed   []string
}

func (cs *captureSender) Send(inResponse *wire.Response, inSession *session.Session) error {
	cs.Lock()
	cs.responses = append(cs.responses, inResponse)
	cs.Unlock()
	return nil
}

func (cs *captureSender) Remove(inSession *session.Session, inSendUnpairResponse bool) {
	cs.Lock()
	cs.removed = append(cs.removed, inSession.ID)
	cs.Unlock()
}

func (cs *captureSender) count() int {
	cs.Lock()
	defer cs.Unlock()
	return len(cs.responses)
}

type captureNotifier struct {
	sync.Mutex

	prompts int
	errors  []string
}

func (cn *captureNotifier) RequestUserAuthorization(inSession *session.Session, inRequest *wire.Request) {
	cn.Lock()
	cn.prompts++
	cn.Unlock()
}

func (cn *captureNotifier) NotifyApproved(inSession *session.Session, inRequest *wire.Request) {}

func (cn *captureNotifier) NotifyError(inSession *session.Session, inErrorMessage string) {
	cn.Lock()
	cn.errors = append(cn.errors, inErrorMessage)
	cn.Unlock()
}

type harness struct {
	silo     *Silo
	session  *session.Session
	registry *session.Registry
	policy   *policy.Store
	audit    auditlog.Store
	keys     *keys.KeyManager
	sender   *captureSender
	notifier *captureNotifier
}

func newHarness(t *testing.T) *harness {
	v := vault.NewMemoryVault()

	registry, err := session.NewRegistry(v)
	if err != nil {
		t.Fatal(err)
	}

	var wpk [32]byte
	if _, err = crypto_rand.Read(wpk[:]); err != nil {
		t.Fatal(err)
	}
	pairing, err := session.NewPairing(v, "workstation.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := session.NewSession(pairing)
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.Add(sess, false); err != nil {
		t.Fatal(err)
	}

	keyManager, err := keys.NewKeyManager(v)
	if err != nil {
		t.Fatal(err)
	}
	pgp, err := keys.NewPGPKeyManager(v, "Test <test@example.com>")
	if err != nil {
		t.Fatal(err)
	}
	teamService, err := teams.NewService(v, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		session:  sess,
		registry: registry,
		policy:   policy.NewStore(v),
		audit:    auditlog.NewMemoryStore(),
		keys:     keyManager,
		sender:   &captureSender{},
		notifier: &captureNotifier{},
	}

	h.silo = NewSilo(Params{
		Registry:   registry,
		Policy:     h.policy,
		AuditLog:   h.audit,
		Keys:       keyManager,
		PGP:        pgp,
		KnownHosts: keys.NewKnownHostManager(v),
		U2F:        keys.NewU2FKeyManager(v),
		Teams:      teamService,
		Vault:      v,
		Notifier:   h.notifier,
	})
	h.silo.SetSender(h.sender)

	return h
}

func (h *harness) signRequest(inID string) *wire.Request {
	return &wire.Request{
		ID:          inID,
		UnixSeconds: kr.Now(),
		Version:     kr.CurrentVersion,
		Body: wire.SignRequest{
			Data:        []byte("userauth session payload"),
			Fingerprint: base64.StdEncoding.EncodeToString(h.keys.Fingerprint()),
			SessionID:   []byte("ssh-session"),
			User:        "alice",
		},
	}
}

func TestReplayWindowRejection(t *testing.T) {
	h := newHarness(t)
	h.policy.SetNeverAsk(h.session.ID)

	req := h.signRequest("stale-1")
	req.UnixSeconds = kr.Now() - int64((kr.RequestTimeTolerance + time.Minute).Seconds())

	err := h.silo.Handle(req, h.session, "test")
	if !kr.IsError(err, kr.InvalidRequestTime) {
		t.Fatalf("expected InvalidRequestTime, got %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("stale request produced a response")
	}

	stmts, _ := h.audit.Fetch(h.session.ID)
	if len(stmts) != 0 {
		t.Fatal("stale request produced an audit entry")
	}
}

func TestIdempotentRetry(t *testing.T) {
	h := newHarness(t)
	h.policy.SetNeverAsk(h.session.ID)

	req := h.signRequest("retry-1")

	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}
	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}

	if h.sender.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", h.sender.count())
	}

	first, err := h.sender.responses[0].Marshal()
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.sender.responses[1].Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("retry produced a different serialized response")
	}

	// the signer ran once: exactly one audit entry, no prompts
	stmts, _ := h.audit.Fetch(h.session.ID)
	if len(stmts) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(stmts))
	}
	if h.notifier.prompts != 0 {
		t.Fatal("auto-approved request prompted the user")
	}
}

func TestPendingThenApprove(t *testing.T) {
	h := newHarness(t)

	req := h.signRequest("pending-1")

	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}

	if h.sender.count() != 0 {
		t.Fatal("unapproved request produced a response")
	}
	if !h.silo.IsPending(req, h.session) {
		t.Fatal("request not marked pending")
	}
	if h.notifier.prompts != 1 {
		t.Fatalf("expected 1 prompt, got %d", h.notifier.prompts)
	}
	if pa := h.policy.LastPendingAuthorization(); pa == nil || pa.Request.ID != req.ID {
		t.Fatal("request not parked in the policy store")
	}

	// a retransmission while parked is a distinct precondition failure
	if err := h.silo.Handle(req, h.session, "test"); !kr.IsError(err, kr.RequestPending) {
		t.Fatalf("expected RequestPending, got %v", err)
	}

	resp, err := h.silo.LockResponseFor(req, h.session, true)
	if err != nil {
		t.Fatal(err)
	}
	h.silo.RemovePending(req, h.session)

	sshResp, ok := resp.Body.(wire.SSHSignResponse)
	if !ok {
		t.Fatalf("expected SSHSignResponse, got %T", resp.Body)
	}
	if sshResp.Error != "" {
		t.Fatalf("approved request carried error %q", sshResp.Error)
	}
	if len(sshResp.Signature) == 0 {
		t.Fatal("approved request carried no signature")
	}
	if h.silo.IsPending(req, h.session) {
		t.Fatal("pending marker survived the decision")
	}

	stmts, _ := h.audit.Fetch(h.session.ID)
	if len(stmts) != 1 || stmts[0].SSH == nil {
		t.Fatal("approval did not audit the ssh signature")
	}
	if stmts[0].SSH.User != "alice" {
		t.Fatalf("audit recorded user %q", stmts[0].SSH.User)
	}
	if stmts[0].SSH.Result.Signature == nil {
		t.Fatal("audit result is not a signature")
	}
}

func TestRejectionAuditsAndAnswers(t *testing.T) {
	h := newHarness(t)

	req := h.signRequest("rejected-1")
	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}

	resp, err := h.silo.LockResponseFor(req, h.session, false)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Body.Err() != UserRejectedMessage {
		t.Fatalf("expected error %q, got %q", UserRejectedMessage, resp.Body.Err())
	}

	stmts, _ := h.audit.Fetch(h.session.ID)
	if len(stmts) != 1 || !stmts[0].SSH.Result.UserRejected {
		t.Fatal("rejection not audited")
	}
}

func TestDecisionRaceObservesCache(t *testing.T) {
	h := newHarness(t)

	req := h.signRequest("race-1")
	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}

	// approval wins the lock first
	approved, err := h.silo.LockResponseFor(req, h.session, true)
	if err != nil {
		t.Fatal(err)
	}

	// the late rejection must observe the cached approval, not compute its own
	late, err := h.silo.LockResponseFor(req, h.session, false)
	if err != nil {
		t.Fatal(err)
	}

	approvedBuf, _ := approved.Marshal()
	lateBuf, _ := late.Marshal()
	if !bytes.Equal(approvedBuf, lateBuf) {
		t.Fatal("late decision computed a fresh response instead of the cached one")
	}
}

func TestUnpairRemovesSession(t *testing.T) {
	h := newHarness(t)

	req := &wire.Request{
		ID:          "unpair-1",
		UnixSeconds: kr.Now(),
		Version:     kr.CurrentVersion,
		Body:        wire.UnpairRequest{},
	}

	err := h.silo.Handle(req, h.session, "test")
	if !kr.IsError(err, kr.SessionRemoved) {
		t.Fatalf("expected SessionRemoved, got %v", err)
	}

	if h.registry.Lookup(h.session.ID) != nil {
		t.Fatal("session survived unpair")
	}
	if len(h.sender.removed) != 1 || h.sender.removed[0] != h.session.ID {
		t.Fatal("transport was not told to unbind the session")
	}

	// further traffic for the dead session is refused
	err = h.silo.Handle(h.signRequest("after-unpair"), h.session, "test")
	if !kr.IsError(err, kr.SessionRemoved) {
		t.Fatalf("expected SessionRemoved for dead session, got %v", err)
	}
}

func TestNoOpProducesNothing(t *testing.T) {
	h := newHarness(t)

	req := &wire.Request{
		ID:          "noop-1",
		UnixSeconds: kr.Now(),
		Version:     kr.CurrentVersion,
		Body:        wire.NoOpRequest{},
	}

	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}
	if h.sender.count() != 0 {
		t.Fatal("noOp produced a response")
	}
}

func TestUnknownFingerprintRefused(t *testing.T) {
	h := newHarness(t)
	h.policy.SetNeverAsk(h.session.ID)

	req := h.signRequest("wrong-key-1")
	body := req.Body.(wire.SignRequest)
	body.Fingerprint = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xab}, 32))
	req.Body = body

	err := h.silo.Handle(req, h.session, "test")
	if !kr.IsError(err, kr.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
	if h.sender.count() != 0 {
		t.Fatal("unknown key produced a response")
	}
}

func TestAckRequested(t *testing.T) {
	h := newHarness(t)

	req := h.signRequest("ack-1")
	req.SendACK = true

	if err := h.silo.Handle(req, h.session, "test"); err != nil {
		t.Fatal(err)
	}

	if h.sender.count() != 1 {
		t.Fatalf("expected 1 ack delivery, got %d", h.sender.count())
	}
	if _, ok := h.sender.responses[0].Body.(wire.AckResponse); !ok {
		t.Fatalf("expected AckResponse, got %T", h.sender.responses[0].Body)
	}
}
