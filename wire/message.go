package wire

import (
	crypto_rand "crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"github.com/kryptco/krypton-go/kr"
)

// MessageHeader tags a network message's payload type.
type MessageHeader byte

const (
	// HeaderCiphertext frames a sealed request or response.
	HeaderCiphertext MessageHeader = 0x00

	// HeaderWrappedPublicKey frames the pairing handshake's wrapped key.
	HeaderWrappedPublicKey MessageHeader = 0x01
)

// NetworkMessage is one framed unit on any transport medium: a single header
// byte followed by the payload.  Payloads are ciphertext; a medium never sees
// plaintext requests or responses.
type NetworkMessage struct {
	Header MessageHeader
	Data   []byte
}

// NewNetworkMessage frames local data under the given header.
func NewNetworkMessage(inHeader MessageHeader, inData []byte) NetworkMessage {
	return NetworkMessage{Header: inHeader, Data: inData}
}

// NetworkFormat returns the on-wire form: header byte then payload.
func (m NetworkMessage) NetworkFormat() []byte {
	out := make([]byte, 0, 1+len(m.Data))
	out = append(out, byte(m.Header))
	out = append(out, m.Data...)
	return out
}

// ParseNetworkMessage deframes on-wire bytes.
func ParseNetworkMessage(inWire []byte) (NetworkMessage, error) {
	if len(inWire) == 0 {
		return NetworkMessage{}, kr.Error(nil, kr.MalformedMessage, "empty network message")
	}

	switch MessageHeader(inWire[0]) {
	case HeaderCiphertext, HeaderWrappedPublicKey:
	default:
		return NetworkMessage{}, kr.Errorf(nil, kr.MalformedMessage, "unknown message header 0x%02x", inWire[0])
	}

	return NetworkMessage{
		Header: MessageHeader(inWire[0]),
		Data:   append([]byte(nil), inWire[1:]...),
	}, nil
}

/*****************************************************
** Sealing
**
** Requests and responses travel as NaCl box ciphertext between the session's
** ephemeral key pair and the workstation's public key.  The 24-byte nonce is
** prepended to the box.
**/

// Seal encrypts plaintext to the peer: nonce || box(plaintext).
func Seal(inPlaintext []byte, inPeerPublicKey, inLocalPrivateKey *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := crypto_rand.Read(nonce[:]); err != nil {
		return nil, kr.Error(err, kr.SealFailed, "nonce generation failed")
	}

	return box.Seal(nonce[:], inPlaintext, &nonce, inPeerPublicKey, inLocalPrivateKey), nil
}

// WrapKey anonymously seals the pairing's public key to the workstation so
// the handshake can travel before a shared box exists.
func WrapKey(inPairingPublicKey, inWorkstationPublicKey *[32]byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, inPairingPublicKey[:], inWorkstationPublicKey, crypto_rand.Reader)
	if err != nil {
		return nil, kr.Error(err, kr.SealFailed, "key wrapping failed")
	}
	return out, nil
}

// Open decrypts nonce || box(plaintext) from the peer.
func Open(inSealed []byte, inPeerPublicKey, inLocalPrivateKey *[32]byte) ([]byte, error) {
	if len(inSealed) < 24 {
		return nil, kr.Error(nil, kr.UnsealFailed, "sealed message too short")
	}

	var nonce [24]byte
	copy(nonce[:], inSealed[:24])

	out, ok := box.Open(nil, inSealed[24:], &nonce, inPeerPublicKey, inLocalPrivateKey)
	if !ok {
		return nil, kr.Error(nil, kr.UnsealFailed, "sealed message did not open")
	}
	return out, nil
}
