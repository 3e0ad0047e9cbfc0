package keys

import (
	"bytes"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

// HostMismatchPrefix opens every host mismatch error message.  Callers key off
// this prefix to classify a failure without exposing the host name itself.
const HostMismatchPrefix = "Host public key mismatched for"

// HostMismatchError reports a host presenting a key other than the pinned one.
type HostMismatchError struct {
	HostName          string
	ExpectedPublicKey []byte
}

func (e *HostMismatchError) Error() string {
	return HostMismatchPrefix + " " + e.HostName
}

// IsHostMismatchErrorString classifies an error message as a host mismatch.
func IsHostMismatchErrorString(inErrStr string) bool {
	return strings.Contains(inErrStr, HostMismatchPrefix)
}

// VerifiedHostAuth is a host identity whose signature over the ssh session id
// has checked out.
type VerifiedHostAuth struct {
	HostName  string
	HostKey   []byte
	Signature []byte
}

// VerifyHostAuth checks the host's signature over the session id and returns
// the verified identity.  A host auth with no host names is rejected.
func VerifyHostAuth(inHostAuth *wire.HostAuth, inSessionID []byte) (*VerifiedHostAuth, error) {
	if inHostAuth == nil {
		return nil, kr.Error(nil, kr.ParamMissing, "no host auth provided")
	}
	if len(inHostAuth.HostNames) == 0 {
		return nil, kr.Error(nil, kr.VerifySignatureFailed, "host auth carries no host names")
	}

	pub, err := ssh.ParsePublicKey(inHostAuth.HostKey)
	if err != nil {
		return nil, kr.Error(err, kr.BadKeyFormat, "host public key did not parse")
	}

	var sig ssh.Signature
	if err = ssh.Unmarshal(inHostAuth.Signature, &sig); err != nil {
		return nil, kr.Error(err, kr.VerifySignatureFailed, "host signature did not parse")
	}

	if err = pub.Verify(inSessionID, &sig); err != nil {
		return nil, kr.Error(err, kr.VerifySignatureFailed, "host signature did not verify")
	}

	return &VerifiedHostAuth{
		HostName:  inHostAuth.HostNames[0],
		HostKey:   inHostAuth.HostKey,
		Signature: inHostAuth.Signature,
	}, nil
}

// KnownHostManager pins the first public key seen for each host name.
type KnownHostManager struct {
	kr.Logger

	vault vault.Vault
}

// NewKnownHostManager returns a pin table backed by the given vault.
func NewKnownHostManager(inVault vault.Vault) *KnownHostManager {
	return &KnownHostManager{
		Logger: kr.NewLogger("knownhosts"),
		vault:  inVault,
	}
}

func knownHostKey(inHostName string) string {
	return "known_host_" + base64.RawURLEncoding.EncodeToString([]byte(inHostName))
}

// CheckOrAdd pins the key on first contact and enforces the pin afterwards.
// On mismatch the returned error carries the pinned key for the audit log.
func (khm *KnownHostManager) CheckOrAdd(inHostName string, inPublicKey []byte) error {

	pinned, err := khm.vault.Get(knownHostKey(inHostName))
	if kr.IsError(err, kr.VaultItemNotFound) {
		khm.Infof(1, "pinning public key for new host %v", inHostName)
		return khm.vault.Set(knownHostKey(inHostName), inPublicKey)
	} else if err != nil {
		return err
	}

	if !bytes.Equal(pinned, inPublicKey) {
		return &HostMismatchError{
			HostName:          inHostName,
			ExpectedPublicKey: pinned,
		}
	}
	return nil
}

// Forget removes a host's pin, allowing the next key seen to pin fresh.
func (khm *KnownHostManager) Forget(inHostName string) error {
	return khm.vault.Delete(knownHostKey(inHostName))
}
