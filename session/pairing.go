// Package session tracks pairings with workstations and the registry of live sessions.
package session

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

// Browser identifies a browser-extension pairing.
type Browser struct {
	Kind             string `json:"b"`
	DeviceIdentifier []byte `json:"d"`
}

// Pairing is the cryptographic binding to one workstation: its public key, our
// ephemeral key pair for it, and display metadata from the pairing QR code.
type Pairing struct {
	Name                 string
	WorkstationPublicKey [32]byte
	PublicKey            [32]byte
	privateKey           [32]byte

	Version kr.Version
	Browser *Browser
}

// UUID derives the pairing's stable identifier: the first 16 bytes of
// SHA256(workstation public key).  The bluetooth service UUID and the queue
// name both come from here, so every medium addresses the same workstation
// the same way.
func (p *Pairing) UUID() uuid.UUID {
	digest := sha256.Sum256(p.WorkstationPublicKey[:])
	id, _ := uuid.FromBytes(digest[:16])
	return id
}

// Queue returns the medium-agnostic queue name for this pairing.
func (p *Pairing) Queue() string {
	return p.UUID().String()
}

// DisplayName is the workstation name with the mDNS suffix trimmed.
func (p *Pairing) DisplayName() string {
	const suffix = ".local"
	name := p.Name
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// WorkstationPublicKeyDoubleHash identifies the workstation in audit logs
// without exposing its public key.
func (p *Pairing) WorkstationPublicKeyDoubleHash() []byte {
	first := sha256.Sum256(p.WorkstationPublicKey[:])
	second := sha256.Sum256(first[:])
	return second[:]
}

// PrivateKey hands the session's box private key to the sealer.
func (p *Pairing) PrivateKey() *[32]byte {
	return &p.privateKey
}

func seedVaultKey(inWorkstationPublicKey [32]byte) string {
	digest := sha256.Sum256(inWorkstationPublicKey[:])
	return "pairing_seed_" + base64.RawURLEncoding.EncodeToString(digest[:])
}

// NewPairing creates (or revives) the pairing for a workstation public key.
// The key pair seed is cached in the vault so re-pairing with the same
// machine yields the same local key pair.
func NewPairing(inVault vault.Vault, inName string, inWorkstationPublicKey [32]byte, inVersion kr.Version, inBrowser *Browser) (*Pairing, error) {

	seedKey := seedVaultKey(inWorkstationPublicKey)

	seed, err := inVault.Get(seedKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		seed = make([]byte, 32)
		if _, err = crypto_rand.Read(seed); err != nil {
			return nil, kr.Error(err, kr.KeyGenerationFailed, "pairing seed generation failed")
		}
		if err = inVault.Set(seedKey, seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	pub, priv, err := keyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}

	p := &Pairing{
		Name:                 inName,
		WorkstationPublicKey: inWorkstationPublicKey,
		PublicKey:            *pub,
		privateKey:           *priv,
		Version:              inVersion,
		Browser:              inBrowser,
	}

	return p, nil
}

// RemoveCachedSeed drops the cached key pair seed, severing the pairing for good.
func (p *Pairing) RemoveCachedSeed(inVault vault.Vault) error {
	return inVault.Delete(seedVaultKey(p.WorkstationPublicKey))
}

// keyPairFromSeed derives a box key pair deterministically from a 32-byte seed.
func keyPairFromSeed(inSeed []byte) (*[32]byte, *[32]byte, error) {
	if len(inSeed) != 32 {
		return nil, nil, kr.Errorf(nil, kr.BadKeyFormat, "pairing seed is %d bytes, want 32", len(inSeed))
	}

	// box.GenerateKey reads exactly 32 bytes from the reader, so a fixed seed
	// always yields the same key pair.
	pub, priv, err := box.GenerateKey(seedReader(inSeed))
	if err != nil {
		return nil, nil, kr.Error(err, kr.KeyGenerationFailed, "box key pair generation failed")
	}
	return pub, priv, nil
}

type seedReader []byte

func (r seedReader) Read(p []byte) (int, error) {
	n := copy(p, r)
	return n, nil
}
