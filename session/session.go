package session

import (
	crypto_rand "crypto/rand"
	"encoding/base64"

	"github.com/kryptco/krypton-go/kr"
)

// Session is one paired workstation: a stable random id plus the pairing that
// seals traffic to it.
type Session struct {
	ID      string
	Pairing *Pairing
	Created int64
}

// NewSession mints a session for a fresh pairing.
func NewSession(inPairing *Pairing) (*Session, error) {
	idBuf := make([]byte, 32)
	if _, err := crypto_rand.Read(idBuf); err != nil {
		return nil, kr.Error(err, kr.KeyGenerationFailed, "session id generation failed")
	}

	s := &Session{
		ID:      base64.StdEncoding.EncodeToString(idBuf),
		Pairing: inPairing,
		Created: kr.Now(),
	}
	return s, nil
}
