package session

import (
	"bytes"
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

func randomWorkstationKey(t *testing.T) [32]byte {
	var wpk [32]byte
	if _, err := crypto_rand.Read(wpk[:]); err != nil {
		t.Fatal(err)
	}
	return wpk
}

func TestPairingKeyPairStableAcrossRevival(t *testing.T) {

	v := vault.NewMemoryVault()
	wpk := randomWorkstationKey(t)

	first, err := NewPairing(v, "work.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}

	// reviving the pairing for the same workstation must yield the same key
	// pair, or the workstation's sealed traffic becomes unreadable
	revived, err := NewPairing(v, "work.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}

	if first.PublicKey != revived.PublicKey {
		t.Fatal("pairing public key changed across revival")
	}
	if *first.PrivateKey() != *revived.PrivateKey() {
		t.Fatal("pairing private key changed across revival")
	}

	if err = first.RemoveCachedSeed(v); err != nil {
		t.Fatal(err)
	}
	severed, err := NewPairing(v, "work.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKey == severed.PublicKey {
		t.Fatal("severed pairing reused the old key pair")
	}
}

func TestPairingAddressing(t *testing.T) {

	v := vault.NewMemoryVault()
	wpk := randomWorkstationKey(t)

	p, err := NewPairing(v, "work.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}

	// the queue name and the service UUID must agree, and must be stable
	if p.Queue() != p.UUID().String() {
		t.Fatal("queue name diverges from the pairing UUID")
	}

	other, err := NewPairing(v, "renamed.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.UUID() != other.UUID() {
		t.Fatal("pairing UUID depends on something besides the workstation key")
	}

	if p.DisplayName() != "work" {
		t.Fatalf("display name %q", p.DisplayName())
	}

	doubleHash := p.WorkstationPublicKeyDoubleHash()
	if len(doubleHash) != 32 || bytes.Equal(doubleHash, wpk[:]) {
		t.Fatal("double hash does not blind the workstation key")
	}
}

func TestRegistryPersistence(t *testing.T) {

	v := vault.NewMemoryVault()

	reg, err := NewRegistry(v)
	if err != nil {
		t.Fatal(err)
	}

	pairing, err := NewPairing(v, "work.local", randomWorkstationKey(t), kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := NewSession(pairing)
	if err != nil {
		t.Fatal(err)
	}
	if err = reg.Add(sess, false); err != nil {
		t.Fatal(err)
	}

	tempPairing, err := NewPairing(v, "temp.local", randomWorkstationKey(t), kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	tempSess, err := NewSession(tempPairing)
	if err != nil {
		t.Fatal(err)
	}
	if err = reg.Add(tempSess, true); err != nil {
		t.Fatal(err)
	}

	revived, err := NewRegistry(v)
	if err != nil {
		t.Fatal(err)
	}

	if revived.Lookup(sess.ID) == nil {
		t.Fatal("persisted session did not survive restart")
	}
	if revived.Lookup(tempSess.ID) != nil {
		t.Fatal("temporary session survived restart")
	}
	if revived.LookupByQueue(pairing.Queue()) == nil {
		t.Fatal("queue lookup failed after restart")
	}

	if err = revived.Remove(revived.Lookup(sess.ID)); err != nil {
		t.Fatal(err)
	}
	final, err := NewRegistry(v)
	if err != nil {
		t.Fatal(err)
	}
	if final.Lookup(sess.ID) != nil {
		t.Fatal("removed session survived restart")
	}
}
