package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

// chainConsensus mimics the sig chain service: each append sees the hash the
// member built against and commits a new head.
type chainConsensus struct {
	observedHashes [][]byte
}

func (c *chainConsensus) AppendOperation(ctx context.Context, inCurrent *Snapshot, inOperation json.RawMessage) (*Snapshot, json.RawMessage, error) {

	// calls are serialized by the service's team lock, so no mutex here; a
	// data race failure in this slice IS the bug under test
	c.observedHashes = append(c.observedHashes, inCurrent.LastBlockHash)

	newSnap := *inCurrent
	newSnap.LastBlockHash = append(append([]byte(nil), inCurrent.LastBlockHash...), byte(len(c.observedHashes)))

	// a slow consensus round trip
	time.Sleep(20 * time.Millisecond)

	return &newSnap, json.RawMessage(`{"ok":true}`), nil
}

func enrolledService(t *testing.T, inConsensus Consensus) (*Service, vault.Vault) {
	v := vault.NewMemoryVault()

	svc, err := NewService(v, inConsensus)
	if err != nil {
		t.Fatal(err)
	}
	err = svc.Enroll(&Snapshot{
		Email:         "member@example.com",
		TeamPublicKey: bytes.Repeat([]byte{0x01}, 32),
		LastBlockHash: []byte{0xaa},
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc, v
}

func TestAppendOperationSerialized(t *testing.T) {

	consensus := &chainConsensus{}
	svc, v := enrolledService(t, consensus)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AppendOperation(context.Background(), json.RawMessage(`{"op":"x"}`)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if len(consensus.observedHashes) != 2 {
		t.Fatalf("expected 2 appends, got %d", len(consensus.observedHashes))
	}

	// the second append must have built on the first's committed head
	first := consensus.observedHashes[0]
	second := consensus.observedHashes[1]
	if !bytes.Equal(second, append(append([]byte(nil), first...), 0x01)) {
		t.Fatalf("second append did not observe the first's committed snapshot: %x then %x", first, second)
	}

	// the final head is committed to the vault before any reply is released
	buf, err := v.Get("team_identity")
	if err != nil {
		t.Fatal(err)
	}
	var persisted Snapshot
	if err = json.Unmarshal(buf, &persisted); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(persisted.LastBlockHash, []byte{0xaa, 0x01, 0x02}) {
		t.Fatalf("persisted head is %x", persisted.LastBlockHash)
	}
}

func TestOperationsWithoutIdentity(t *testing.T) {

	svc, err := NewService(vault.NewMemoryVault(), &chainConsensus{})
	if err != nil {
		t.Fatal(err)
	}
	if svc.HasIdentity() {
		t.Fatal("fresh service claims an identity")
	}

	if _, err = svc.AppendOperation(context.Background(), json.RawMessage(`{}`)); !kr.IsError(err, kr.NoTeamIdentity) {
		t.Fatalf("expected NoTeamIdentity, got %v", err)
	}
	if _, err = svc.SignReadToken(bytes.Repeat([]byte{0x02}, 32)); !kr.IsError(err, kr.NoTeamIdentity) {
		t.Fatalf("expected NoTeamIdentity, got %v", err)
	}
	if svc.Checkpoint() != nil {
		t.Fatal("fresh service advertises a checkpoint")
	}
}

func TestSignReadToken(t *testing.T) {

	svc, _ := enrolledService(t, &chainConsensus{})

	readerKey := bytes.Repeat([]byte{0x03}, 32)
	signed, err := svc.SignReadToken(readerKey)
	if err != nil {
		t.Fatal(err)
	}

	var msg signedMessage
	if err = json.Unmarshal(signed, &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Signature) != 64 {
		t.Fatalf("signature is %d bytes", len(msg.Signature))
	}

	var token readToken
	if err = json.Unmarshal(msg.Message, &token); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(token.ReaderPublicKey, readerKey) {
		t.Fatal("token names the wrong reader")
	}

	wantExpiry := kr.Now() + int64(kr.ReadTokenValidity.Seconds())
	if token.Expiration < wantExpiry-5 || token.Expiration > wantExpiry+5 {
		t.Fatalf("token expiry %d not near %d", token.Expiration, wantExpiry)
	}
}

func TestMembershipSurvivesRestart(t *testing.T) {

	svc, v := enrolledService(t, &chainConsensus{})
	checkpointBefore := svc.Checkpoint()

	revived, err := NewService(v, &chainConsensus{})
	if err != nil {
		t.Fatal(err)
	}
	if !revived.HasIdentity() {
		t.Fatal("membership did not survive restart")
	}

	checkpointAfter := revived.Checkpoint()
	if !bytes.Equal(checkpointBefore.PublicKey, checkpointAfter.PublicKey) {
		t.Fatal("member signing key changed across restart")
	}
}
