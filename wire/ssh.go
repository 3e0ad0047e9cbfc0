package wire

import (
	"encoding/binary"

	"github.com/kryptco/krypton-go/kr"
)

// DigestType selects the hash the workstation asked the signature to use.
type DigestType int32

const (
	DigestUnknown DigestType = iota
	DigestSHA1
	DigestSHA256
	DigestSHA512
	DigestEd25519
)

// digestTypeForAlgorithm maps SSH public key algorithm names to digests.
func digestTypeForAlgorithm(inAlgo string) (DigestType, error) {
	switch inAlgo {
	case "ssh-rsa":
		return DigestSHA1, nil
	case "rsa-sha2-256":
		return DigestSHA256, nil
	case "rsa-sha2-512":
		return DigestSHA512, nil
	case "ssh-ed25519":
		return DigestEd25519, nil
	}
	return DigestUnknown, kr.Errorf(nil, kr.UnmarshalFailed, "unknown signature algorithm %q", inAlgo)
}

/*
parsePayload extracts the session id, user name, and digest algorithm from an
SSH_MSG_USERAUTH_REQUEST payload, per RFC 4252 section 7:

	string    session identifier
	byte      SSH_MSG_USERAUTH_REQUEST
	string    user name
	string    service name
	string    "publickey"
	boolean   TRUE
	string    public key algorithm name

	// Note: the workstation agent strips the trailing public key to save space.
*/
func (s *SignRequest) parsePayload() error {
	buf := byteScanner(s.Data)

	sessionID, err := buf.popData()
	if err != nil {
		return err
	}

	if _, err = buf.popByte(); err != nil {
		return err
	}

	user, err := buf.popData()
	if err != nil {
		return err
	}

	// service, method, sign flag
	if _, err = buf.popData(); err != nil {
		return err
	}
	if _, err = buf.popData(); err != nil {
		return err
	}
	if _, err = buf.popByte(); err != nil {
		return err
	}

	algo, err := buf.popData()
	if err != nil {
		return err
	}

	digestType, err := digestTypeForAlgorithm(string(algo))
	if err != nil {
		return err
	}

	s.SessionID = sessionID
	s.User = string(user)
	s.DigestType = digestType
	return nil
}

// byteScanner walks an SSH wire-format buffer.
type byteScanner []byte

func (b *byteScanner) popData() ([]byte, error) {
	if len(*b) < 4 {
		return nil, kr.Error(nil, kr.UnmarshalFailed, "ssh payload truncated")
	}
	n := binary.BigEndian.Uint32((*b)[:4])
	if uint32(len(*b)-4) < n {
		return nil, kr.Error(nil, kr.UnmarshalFailed, "ssh payload truncated")
	}
	out := (*b)[4 : 4+n]
	*b = (*b)[4+n:]
	return out, nil
}

func (b *byteScanner) popByte() (byte, error) {
	if len(*b) < 1 {
		return 0, kr.Error(nil, kr.UnmarshalFailed, "ssh payload truncated")
	}
	out := (*b)[0]
	*b = (*b)[1:]
	return out, nil
}
