// Package teams holds the agent's team membership: the member identity
// snapshot, signed read tokens, pinned host keys, and the bridge to the
// sig-chain consensus service that serializes team mutations.
package teams

import (
	"bytes"
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

const (
	snapshotVaultKey = "team_identity"
	signSeedKey      = "team_sign_seed"
	boxSeedKey       = "team_box_seed"
)

// Snapshot is the persisted view of team membership.  The consensus service
// returns a fresh snapshot after every committed operation.
type Snapshot struct {
	Email           string              `json:"email"`
	TeamPublicKey   []byte              `json:"team_public_key"`
	LastBlockHash   []byte              `json:"last_block_hash"`
	ServerEndpoints []string            `json:"server_endpoints"`
	PinnedHostKeys  map[string][][]byte `json:"pinned_host_keys,omitempty"`
}

// Consensus appends one signed operation to the team sig chain and returns
// the updated membership snapshot plus the service's raw reply.  Calls block
// until the chain accepts or rejects the operation.
type Consensus interface {
	AppendOperation(ctx context.Context, inCurrent *Snapshot, inOperation json.RawMessage) (*Snapshot, json.RawMessage, error)
}

// Service owns team state.  All mutation flows through AppendOperation under
// one lock, so at most one team mutation is ever in flight.
type Service struct {
	kr.Logger

	mutex sync.Mutex

	vault     vault.Vault
	consensus Consensus

	snapshot *Snapshot

	signKey ed25519.PrivateKey
	boxPub  [32]byte
	boxPriv [32]byte
}

// NewService loads any persisted team membership.  A service with no
// membership is valid; team operations on it fail with NoTeamIdentity.
func NewService(inVault vault.Vault, inConsensus Consensus) (*Service, error) {

	svc := &Service{
		Logger:    kr.NewLogger("teams"),
		vault:     inVault,
		consensus: inConsensus,
	}

	buf, err := inVault.Get(snapshotVaultKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		return svc, nil
	} else if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err = json.Unmarshal(buf, &snap); err != nil {
		return nil, kr.Error(err, kr.UnmarshalFailed, "persisted team snapshot did not parse")
	}
	svc.snapshot = &snap

	if err = svc.loadKeys(); err != nil {
		return nil, err
	}
	svc.Infof(1, "loaded team membership for %v", snap.Email)

	return svc, nil
}

func (svc *Service) loadKeys() error {
	signSeed, err := svc.seed(signSeedKey)
	if err != nil {
		return err
	}
	svc.signKey = ed25519.NewKeyFromSeed(signSeed)

	boxSeed, err := svc.seed(boxSeedKey)
	if err != nil {
		return err
	}
	pub, priv, err := box.GenerateKey(bytes.NewReader(boxSeed))
	if err != nil {
		return kr.Error(err, kr.KeyGenerationFailed, "team box key pair generation failed")
	}
	svc.boxPub, svc.boxPriv = *pub, *priv

	return nil
}

func (svc *Service) seed(inKey string) ([]byte, error) {
	seed, err := svc.vault.Get(inKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		seed = make([]byte, 32)
		if _, err = crypto_rand.Read(seed); err != nil {
			return nil, kr.Error(err, kr.KeyGenerationFailed, "team seed generation failed")
		}
		if err = svc.vault.Set(inKey, seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return seed, nil
}

// HasIdentity reports whether the agent is enrolled in a team.
func (svc *Service) HasIdentity() bool {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	return svc.snapshot != nil
}

func (svc *Service) errNoIdentity() error {
	return kr.Error(nil, kr.NoTeamIdentity, "agent is not enrolled in a team")
}

// Enroll installs a membership snapshot, generating member keys on first use.
func (svc *Service) Enroll(inSnapshot *Snapshot) error {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.snapshot = inSnapshot
	if err := svc.loadKeys(); err != nil {
		return err
	}
	return svc.persist()
}

// persist writes the snapshot through.  Callers hold svc.mutex.
func (svc *Service) persist() error {
	buf, err := json.Marshal(svc.snapshot)
	if err != nil {
		return kr.Error(err, kr.MarshalFailed, "team snapshot did not marshal")
	}
	return svc.vault.Set(snapshotVaultKey, buf)
}

// Checkpoint returns the identity pin the "me" response advertises, or nil
// when not on a team.
func (svc *Service) Checkpoint() *wire.TeamCheckpoint {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return nil
	}
	return &wire.TeamCheckpoint{
		PublicKey:       []byte(svc.signKey.Public().(ed25519.PublicKey)),
		TeamPublicKey:   svc.snapshot.TeamPublicKey,
		LastBlockHash:   svc.snapshot.LastBlockHash,
		ServerEndpoints: svc.snapshot.ServerEndpoints,
	}
}

// PinnedHostKeys returns the team's pinned public keys for a host, and
// whether the team pins that host at all.
func (svc *Service) PinnedHostKeys(inHost string) ([][]byte, bool) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return nil, false
	}
	keys, ok := svc.snapshot.PinnedHostKeys[inHost]
	return keys, ok
}

// readToken is the payload of a signed team read token.
type readToken struct {
	ReaderPublicKey []byte `json:"reader_public_key"`
	Expiration      int64  `json:"expiration"`
}

// signedMessage is the wire form of a member-signed payload.
type signedMessage struct {
	PublicKey []byte `json:"public_key"`
	Message   []byte `json:"message"`
	Signature []byte `json:"signature"`
}

// SignReadToken issues a time-limited token letting the holder of the given
// key read the team chain on this member's behalf.
func (svc *Service) SignReadToken(inReaderPublicKey []byte) (json.RawMessage, error) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return nil, svc.errNoIdentity()
	}

	tokenBuf, err := json.Marshal(readToken{
		ReaderPublicKey: inReaderPublicKey,
		Expiration:      kr.Now() + int64(kr.ReadTokenValidity.Seconds()),
	})
	if err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "read token did not marshal")
	}

	signed := signedMessage{
		PublicKey: []byte(svc.signKey.Public().(ed25519.PublicKey)),
		Message:   tokenBuf,
		Signature: ed25519.Sign(svc.signKey, tokenBuf),
	}

	out, err := json.Marshal(signed)
	if err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "signed read token did not marshal")
	}
	return out, nil
}

// AppendOperation submits one team mutation to the consensus service.  The
// updated snapshot is committed to the vault before the reply is released:
// a response must never reference chain state the vault has not yet seen.
func (svc *Service) AppendOperation(ctx context.Context, inOperation json.RawMessage) (json.RawMessage, error) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return nil, svc.errNoIdentity()
	}

	newSnap, reply, err := svc.consensus.AppendOperation(ctx, svc.snapshot, inOperation)
	if err != nil {
		return nil, err
	}

	svc.snapshot = newSnap
	if err = svc.persist(); err != nil {
		return nil, err
	}

	return reply, nil
}

// UnwrapLogDecryptionKey opens a log encryption key wrapped to this member's
// box public key.
func (svc *Service) UnwrapLogDecryptionKey(inWrapped *wire.BoxedMessage) ([]byte, error) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return nil, svc.errNoIdentity()
	}

	if !bytes.Equal(inWrapped.RecipientPublicKey, svc.boxPub[:]) {
		return nil, kr.Error(nil, kr.UnsealFailed, "wrapped key is addressed to another recipient")
	}
	if len(inWrapped.SenderPublicKey) != 32 {
		return nil, kr.Error(nil, kr.BadKeyFormat, "wrapped key sender public key is malformed")
	}

	var senderPub [32]byte
	copy(senderPub[:], inWrapped.SenderPublicKey)

	return wire.Open(inWrapped.Ciphertext, &senderPub, &svc.boxPriv)
}

const auditQueueKey = "team_audit_queue"

// EnqueueAuditLog buffers a member-signed audit statement for submission to
// the team log chain.  Statements accumulate while the chain is unreachable;
// a skipped statement is preferable to a blocked signing path, so callers
// treat errors here as non-fatal.
func (svc *Service) EnqueueAuditLog(inStatement json.RawMessage) error {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.snapshot == nil {
		return svc.errNoIdentity()
	}

	var queue []json.RawMessage
	buf, err := svc.vault.Get(auditQueueKey)
	if err == nil {
		if err = json.Unmarshal(buf, &queue); err != nil {
			svc.Warnf("resetting unparsable team audit queue: %v", err)
			queue = nil
		}
	} else if !kr.IsError(err, kr.VaultItemNotFound) {
		return err
	}

	queue = append(queue, inStatement)

	if buf, err = json.Marshal(queue); err != nil {
		return kr.Error(err, kr.MarshalFailed, "team audit queue did not marshal")
	}
	return svc.vault.Set(auditQueueKey, buf)
}

// Leave drops team membership entirely.
func (svc *Service) Leave() error {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.snapshot = nil
	svc.signKey = nil

	return svc.vault.Delete(snapshotVaultKey)
}
