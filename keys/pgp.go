package keys

import (
	"bytes"
	"crypto"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

const (
	pgpEntityKey  = "pgp_entity"
	pgpUserIDsKey = "pgp_user_ids"

	// armorComment tags signatures this agent produces.
	armorComment = "Created With Krypton"

	// maxPGPUserIDs caps the most-recently-used user id list.
	maxPGPUserIDs = 3
)

// PGPKeyManager owns the device's pgp signing identity and its user id list.
// Git commit and tag signatures come from here.
type PGPKeyManager struct {
	kr.Logger

	vault  vault.Vault
	entity *openpgp.Entity
}

// NewPGPKeyManager loads the pgp entity from the vault, generating one on
// first run.
func NewPGPKeyManager(inVault vault.Vault, inDefaultUserID string) (*PGPKeyManager, error) {

	pm := &PGPKeyManager{
		Logger: kr.NewLogger("pgp"),
		vault:  inVault,
	}

	entBuf, err := inVault.Get(pgpEntityKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		if err = pm.generate(inDefaultUserID); err != nil {
			return nil, err
		}
		return pm, nil
	} else if err != nil {
		return nil, err
	}

	pm.entity, err = openpgp.ReadEntity(packet.NewReader(bytes.NewReader(entBuf)))
	if err != nil {
		return nil, kr.Error(err, kr.BadKeyFormat, "stored pgp entity did not parse")
	}

	return pm, nil
}

func (pm *PGPKeyManager) generate(inUserID string) error {
	name, email := splitUserID(inUserID)

	ent, err := openpgp.NewEntity(name, "", email, nil)
	if err != nil {
		return kr.Error(err, kr.KeyGenerationFailed, "pgp entity generation failed")
	}
	pm.entity = ent
	pm.Infof(0, "generated new pgp signing key")

	if err = pm.persistEntity(); err != nil {
		return err
	}
	return pm.saveUserIDs([]string{inUserID})
}

func (pm *PGPKeyManager) persistEntity() error {
	var buf bytes.Buffer
	if err := pm.entity.SerializePrivate(&buf, nil); err != nil {
		return kr.Error(err, kr.MarshalFailed, "pgp entity did not serialize")
	}
	return pm.vault.Set(pgpEntityKey, buf.Bytes())
}

// UserIDs returns the user id list, most recently used first.
func (pm *PGPKeyManager) UserIDs() []string {
	buf, err := pm.vault.Get(pgpUserIDsKey)
	if err != nil {
		return nil
	}

	var ids []string
	if err = json.Unmarshal(buf, &ids); err != nil {
		return nil
	}
	return ids
}

func (pm *PGPKeyManager) saveUserIDs(inIDs []string) error {
	if len(inIDs) > maxPGPUserIDs {
		inIDs = inIDs[:maxPGPUserIDs]
	}

	buf, err := json.Marshal(inIDs)
	if err != nil {
		return kr.Error(err, kr.MarshalFailed, "pgp user id list did not marshal")
	}
	return pm.vault.Set(pgpUserIDsKey, buf)
}

// UpdateUserID moves a user id to the front of the list, certifying it on the
// key if it is new.  Only the most recent ids are kept.
func (pm *PGPKeyManager) UpdateUserID(inUserID string) error {

	ids := []string{inUserID}
	for _, id := range pm.UserIDs() {
		if id != inUserID {
			ids = append(ids, id)
		}
	}

	if _, certified := pm.entity.Identities[inUserID]; !certified {
		if err := pm.certifyUserID(inUserID); err != nil {
			return err
		}
		if err := pm.persistEntity(); err != nil {
			return err
		}
	}

	return pm.saveUserIDs(ids)
}

// certifyUserID self-signs a new identity onto the entity.
func (pm *PGPKeyManager) certifyUserID(inUserID string) error {
	name, email := splitUserID(inUserID)

	uid := packet.NewUserId(name, "", email)
	if uid == nil {
		return kr.Errorf(nil, kr.BadKeyFormat, "pgp user id %q is invalid", inUserID)
	}

	sig := &packet.Signature{
		SigType:      packet.SigTypePositiveCert,
		PubKeyAlgo:   pm.entity.PrimaryKey.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &pm.entity.PrimaryKey.KeyId,
	}
	if err := sig.SignUserId(uid.Id, pm.entity.PrimaryKey, pm.entity.PrivateKey, nil); err != nil {
		return kr.Error(err, kr.KeyGenerationFailed, "pgp user id certification failed")
	}

	pm.entity.Identities[uid.Id] = &openpgp.Identity{
		Name:          uid.Id,
		UserId:        uid,
		SelfSignature: sig,
	}
	return nil
}

// ArmoredPublicKey exports the public half in ascii armor.
func (pm *PGPKeyManager) ArmoredPublicKey() ([]byte, error) {
	var buf bytes.Buffer

	w, err := armor.Encode(&buf, openpgp.PublicKeyType, map[string]string{"Comment": armorComment})
	if err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "pgp armor encoding failed")
	}
	if err = pm.entity.Serialize(w); err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "pgp public key did not serialize")
	}
	if err = w.Close(); err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "pgp armor encoding failed")
	}

	return buf.Bytes(), nil
}

// SignCommit produces the ascii-armored signature git embeds in a commit
// object.  The signed bytes are the commit object content in git's own order.
func (pm *PGPKeyManager) SignCommit(inCommit *wire.CommitInfo) ([]byte, error) {
	return pm.armoredSignature(commitSigningData(inCommit))
}

// SignTag produces the ascii-armored signature git appends to a tag object.
func (pm *PGPKeyManager) SignTag(inTag *wire.TagInfo) ([]byte, error) {
	return pm.armoredSignature(tagSigningData(inTag))
}

func (pm *PGPKeyManager) armoredSignature(inData []byte) ([]byte, error) {
	var buf bytes.Buffer

	err := openpgp.ArmoredDetachSign(&buf, pm.entity, bytes.NewReader(inData), nil)
	if err != nil {
		return nil, kr.Error(err, kr.VerifySignatureFailed, "pgp signing failed")
	}
	return buf.Bytes(), nil
}

// commitSigningData reassembles the commit object bytes the signature covers.
func commitSigningData(inCommit *wire.CommitInfo) []byte {
	var buf bytes.Buffer

	buf.WriteString("tree ")
	buf.Write(inCommit.Tree)
	buf.WriteByte('\n')

	if len(inCommit.Parent) > 0 {
		buf.WriteString("parent ")
		buf.Write(inCommit.Parent)
		buf.WriteByte('\n')
	}
	for _, parent := range inCommit.MergeParents {
		buf.WriteString("parent ")
		buf.Write(parent)
		buf.WriteByte('\n')
	}

	buf.WriteString("author ")
	buf.Write(inCommit.Author)
	buf.WriteByte('\n')

	buf.WriteString("committer ")
	buf.Write(inCommit.Committer)
	buf.WriteByte('\n')

	buf.WriteByte('\n')
	buf.Write(inCommit.Message)

	return buf.Bytes()
}

// tagSigningData reassembles the tag object bytes the signature covers.  The
// message already carries its leading blank line.
func tagSigningData(inTag *wire.TagInfo) []byte {
	var buf bytes.Buffer

	buf.WriteString("object " + inTag.Object + "\n")
	buf.WriteString("type " + inTag.Type + "\n")
	buf.WriteString("tag " + inTag.Tag + "\n")
	buf.WriteString("tagger " + inTag.Tagger + "\n")
	buf.Write(inTag.Message)

	return buf.Bytes()
}

// splitUserID splits "Name <email>" into its parts.
func splitUserID(inUserID string) (name string, email string) {
	name = inUserID

	if open := strings.LastIndex(inUserID, "<"); open >= 0 {
		if end := strings.LastIndex(inUserID, ">"); end > open {
			name = strings.TrimSpace(inUserID[:open])
			email = inUserID[open+1 : end]
		}
	}
	return
}
