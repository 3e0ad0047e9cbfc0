// Package keys holds the device's long-lived key material: the ssh identity
// key pair, the pgp signing identity, pinned host keys, and u2f account keys.
// Everything persists through the vault so the agent's identity survives
// restarts.
package keys

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/ssh"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

const (
	meSeedKey  = "me_ssh_seed"
	meEmailKey = "me_email"
)

// KeyManager owns the device's ed25519 ssh identity.
type KeyManager struct {
	kr.Logger

	vault vault.Vault

	privateKey ed25519.PrivateKey
	sshPub     ssh.PublicKey
}

// NewKeyManager loads the identity key pair from the vault, generating one on
// first run.
func NewKeyManager(inVault vault.Vault) (*KeyManager, error) {

	km := &KeyManager{
		Logger: kr.NewLogger("keys"),
		vault:  inVault,
	}

	seed, err := inVault.Get(meSeedKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		seed = make([]byte, ed25519.SeedSize)
		if _, err = crypto_rand.Read(seed); err != nil {
			return nil, kr.Error(err, kr.KeyGenerationFailed, "identity seed generation failed")
		}
		if err = inVault.Set(meSeedKey, seed); err != nil {
			return nil, err
		}
		km.Infof(0, "generated new ssh identity key pair")
	} else if err != nil {
		return nil, err
	}

	if len(seed) != ed25519.SeedSize {
		return nil, kr.Errorf(nil, kr.BadKeyFormat, "identity seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	km.privateKey = ed25519.NewKeyFromSeed(seed)

	if km.sshPub, err = ssh.NewPublicKey(km.privateKey.Public()); err != nil {
		return nil, kr.Error(err, kr.BadKeyFormat, "identity public key did not convert to ssh form")
	}

	return km, nil
}

// PublicKeyWire returns the identity public key in ssh wire format.
func (km *KeyManager) PublicKeyWire() []byte {
	return km.sshPub.Marshal()
}

// Fingerprint returns SHA256 of the ssh wire-format public key.
func (km *KeyManager) Fingerprint() []byte {
	digest := sha256.Sum256(km.PublicKeyWire())
	return digest[:]
}

// MatchesFingerprint reports whether a requested key fingerprint is ours.
func (km *KeyManager) MatchesFingerprint(inFingerprint []byte) bool {
	ours := km.Fingerprint()
	if len(inFingerprint) != len(ours) {
		return false
	}
	for i := range ours {
		if ours[i] != inFingerprint[i] {
			return false
		}
	}
	return true
}

// Sign produces the raw ed25519 signature over an ssh signature payload.
// ed25519 hashes internally, so the negotiated digest type only matters for
// key types this agent does not hold.
func (km *KeyManager) Sign(inData []byte) ([]byte, error) {
	if km.privateKey == nil {
		return nil, kr.Error(nil, kr.KeyNotFound, "no identity key pair loaded")
	}
	return ed25519.Sign(km.privateKey, inData), nil
}

// Email returns the identity email, if one has been set.
func (km *KeyManager) Email() string {
	buf, err := km.vault.Get(meEmailKey)
	if err != nil {
		return ""
	}
	return string(buf)
}

// SetEmail stores the identity email.
func (km *KeyManager) SetEmail(inEmail string) error {
	return km.vault.Set(meEmailKey, []byte(inEmail))
}

// Destroy wipes the identity key pair.
func (km *KeyManager) Destroy() error {
	km.privateKey = nil
	km.sshPub = nil
	return km.vault.Delete(meSeedKey)
}

func b64(in []byte) string {
	return base64.RawURLEncoding.EncodeToString(in)
}
