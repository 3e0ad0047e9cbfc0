package policy

import (
	"testing"

	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

func sshRequest(inID, inUser string) *wire.Request {
	return &wire.Request{
		ID:   inID,
		Body: wire.SignRequest{User: inUser},
	}
}

func TestNeverAskMonotonic(t *testing.T) {

	st := NewStore(vault.NewMemoryVault())
	sessionID := "session-1"

	if st.IsAllowed(sessionID, sshRequest("r1", "alice"), "") {
		t.Fatal("fresh session must not auto-approve")
	}

	st.SetNeverAsk(sessionID)

	// every variant, verified or not, expired overlays or not
	st.AllowThis(sessionID, "alice", "example.com", 0)

	for _, req := range []*wire.Request{
		sshRequest("r2", "alice"),
		{ID: "r3", Body: wire.GitSignRequest{Tag: &wire.TagInfo{}}},
		{ID: "r4", Body: wire.TeamOperationRequest{}},
		{ID: "r5", Body: wire.HostsRequest{}},
	} {
		if !st.IsAllowed(sessionID, req, "") {
			t.Fatalf("never-ask session still asked for %v", req.AnalyticsCategory())
		}
	}

	st.SetAlwaysAsk(sessionID)
	if st.IsAllowed(sessionID, sshRequest("r6", "alice"), "") {
		t.Fatal("always-ask did not restore the conservative default")
	}
}

func TestTemporaryGrantExpiry(t *testing.T) {

	st := NewStore(vault.NewMemoryVault())
	sessionID := "session-1"

	st.AllowThis(sessionID, "alice", "example.com", 60)

	if !st.IsAllowed(sessionID, sshRequest("r1", "alice"), "example.com") {
		t.Fatal("unexpired grant not honored")
	}
	if st.IsAllowed(sessionID, sshRequest("r2", "bob"), "example.com") {
		t.Fatal("grant leaked to another user")
	}
	if st.IsAllowed(sessionID, sshRequest("r3", "alice"), "other.com") {
		t.Fatal("grant leaked to another host")
	}

	// a grant whose window has closed is treated as absent
	st.AllowThis(sessionID, "carol", "example.com", 0)
	if st.IsAllowed(sessionID, sshRequest("r4", "carol"), "example.com") {
		t.Fatal("expired grant honored")
	}

	st.PruneExpired()
	if _, present := st.Settings(sessionID).AllowedUntil[UserAndHostScope("carol", "example.com")]; present {
		t.Fatal("prune left the expired grant behind")
	}
	if _, present := st.Settings(sessionID).AllowedUntil[UserAndHostScope("alice", "example.com")]; !present {
		t.Fatal("prune swept a live grant")
	}
}

func TestUnknownHostGrantGate(t *testing.T) {

	st := NewStore(vault.NewMemoryVault())
	sessionID := "session-1"

	st.AllowAll(sessionID, 60)

	if !st.IsAllowed(sessionID, sshRequest("r1", "alice"), "example.com") {
		t.Fatal("session-wide grant not honored for verified host")
	}
	if st.IsAllowed(sessionID, sshRequest("r2", "alice"), "") {
		t.Fatal("session-wide grant covered an unknown host without opt-in")
	}

	st.SetPermitUnknownHostsAllowed(sessionID, true)
	if !st.IsAllowed(sessionID, sshRequest("r3", "alice"), "") {
		t.Fatal("opt-in did not extend the grant to unknown hosts")
	}
}

func TestRejectAllPendingFailsClosed(t *testing.T) {

	st := NewStore(vault.NewMemoryVault())

	type decision struct {
		requestID string
		allowed   bool
	}
	var decisions []decision
	st.SetResponder(func(inSessionID string, inRequest *wire.Request, inAllowed bool) {
		decisions = append(decisions, decision{inRequest.ID, inAllowed})
	})

	st.AddPendingAuthorization(&PendingAuthorization{SessionID: "s1", Request: sshRequest("r1", "alice")})
	st.AddPendingAuthorization(&PendingAuthorization{SessionID: "s1", Request: sshRequest("r2", "bob")})

	st.RejectAllPending()

	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	for _, d := range decisions {
		if d.allowed {
			t.Fatalf("request %v was approved by a batch rejection", d.requestID)
		}
	}
	if st.LastPendingAuthorization() != nil {
		t.Fatal("pending queue not drained")
	}
}

func TestFlushAllowedPending(t *testing.T) {

	st := NewStore(vault.NewMemoryVault())

	var approved []string
	st.SetResponder(func(inSessionID string, inRequest *wire.Request, inAllowed bool) {
		if inAllowed {
			approved = append(approved, inRequest.ID)
		}
	})

	st.AddPendingAuthorization(&PendingAuthorization{
		SessionID: "s1", Request: sshRequest("r1", "alice"), VerifiedHost: "example.com",
	})
	st.AddPendingAuthorization(&PendingAuthorization{
		SessionID: "s1", Request: sshRequest("r2", "alice"), VerifiedHost: "other.com",
	})

	st.AllowThis("s1", "alice", "example.com", 60)
	st.FlushAllowedPending()

	if len(approved) != 1 || approved[0] != "r1" {
		t.Fatalf("expected exactly r1 approved, got %v", approved)
	}

	// the uncovered request stays parked
	pa := st.LastPendingAuthorization()
	if pa == nil || pa.Request.ID != "r2" {
		t.Fatal("uncovered request did not stay parked")
	}
}
