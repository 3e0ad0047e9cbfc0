package keys

import (
	"testing"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

func TestU2FCounterMonotonicAcrossRestart(t *testing.T) {

	v := vault.NewMemoryVault()
	um := NewU2FKeyManager(v)

	_, handle, err := um.Generate()
	if err != nil {
		t.Fatal(err)
	}

	for want := uint32(1); want <= 3; want++ {
		got, err := um.FetchAndIncrementCounter(handle)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("counter %d, want %d", got, want)
		}
	}

	// a fresh manager over the same vault is a process restart: the counter
	// must continue, never reissue
	revived := NewU2FKeyManager(v)
	got, err := revived.FetchAndIncrementCounter(handle)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Fatalf("counter %d after restart, want 4", got)
	}
}

func TestU2FKeyHandleBinding(t *testing.T) {

	v := vault.NewMemoryVault()
	um := NewU2FKeyManager(v)

	_, handle, err := um.Generate()
	if err != nil {
		t.Fatal(err)
	}

	if _, err = um.KeyPair(handle); err != nil {
		t.Fatal(err)
	}

	// flip a byte of the device binding
	tampered := append([]byte(nil), handle...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err = um.KeyPair(tampered); !kr.IsError(err, kr.KeyNotFound) {
		t.Fatalf("expected KeyNotFound for tampered handle, got %v", err)
	}

	// a handle minted by a different device fails the magic/binding check
	other := NewU2FKeyManager(vault.NewMemoryVault())
	_, foreignHandle, err := other.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = um.KeyPair(foreignHandle); !kr.IsError(err, kr.KeyNotFound) {
		t.Fatalf("expected KeyNotFound for foreign handle, got %v", err)
	}
}

func TestU2FSignatureData(t *testing.T) {

	regData := RegistrationSignatureData("https://example.com", []byte("challenge"), []byte("handle"), []byte("pubkey"))
	if regData[0] != 0x00 {
		t.Fatal("registration data must open with the reserved byte")
	}
	if len(regData) != 1+32+len("challenge")+len("handle")+len("pubkey") {
		t.Fatalf("registration data is %d bytes", len(regData))
	}

	authData := AuthenticationSignatureData("https://example.com", []byte("challenge"), 7)
	if authData[32] != 0x01 {
		t.Fatal("authentication data must carry the user-presence byte")
	}
	if authData[33] != 0 || authData[34] != 0 || authData[35] != 0 || authData[36] != 7 {
		t.Fatal("counter not big-endian encoded")
	}
}
