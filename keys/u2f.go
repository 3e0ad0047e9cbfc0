package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/vault"
)

// u2fKeyHandleMagic opens every key handle this device mints, so Authenticate
// can cheaply reject handles minted elsewhere.
var u2fKeyHandleMagic = []byte{
	0x2c, 0xe5, 0xc8, 0xdf, 0x17, 0xe2, 0x2e, 0xf2,
	0x0f, 0xd3, 0x83, 0x03, 0xfd, 0x2d, 0x99, 0x98,
}

const (
	u2fDeviceSeedKey   = "u2f_device_identity"
	u2fAttestationKey  = "u2f_attestation"
	u2fKeyPrefix       = "u2f_key_"
	u2fCounterSuffix   = "_counter"
	u2fKeyHandleLength = 16 + 32 + 32
)

// U2FKeyManager mints one P-256 key pair per registration.  Key handles are
// self-describing: M || R || H(H(D) + H(R)) for magic M, 32 random bytes R,
// and device identifier D, so the handle itself proves it belongs to this
// device before any key lookup happens.
type U2FKeyManager struct {
	kr.Logger

	counterMutex sync.Mutex

	vault vault.Vault
}

// NewU2FKeyManager returns a key manager backed by the given vault.
func NewU2FKeyManager(inVault vault.Vault) *U2FKeyManager {
	return &U2FKeyManager{
		Logger: kr.NewLogger("u2f"),
		vault:  inVault,
	}
}

// DeviceIdentifier returns this device's stable u2f identifier.
func (um *U2FKeyManager) DeviceIdentifier() ([]byte, error) {
	seed, err := um.vault.Get(u2fDeviceSeedKey)
	if kr.IsError(err, kr.VaultItemNotFound) {
		seed = make([]byte, 32)
		if _, err = crypto_rand.Read(seed); err != nil {
			return nil, kr.Error(err, kr.KeyGenerationFailed, "u2f device identity generation failed")
		}
		if err = um.vault.Set(u2fDeviceSeedKey, seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(seed)
	return digest[:], nil
}

func keyHandleTag(inKeyHandle []byte) string {
	digest := sha256.Sum256(inKeyHandle)
	return u2fKeyPrefix + b64(digest[:])
}

// newKeyHandle mints a key handle bound to this device.
func (um *U2FKeyManager) newKeyHandle() ([]byte, error) {
	deviceID, err := um.DeviceIdentifier()
	if err != nil {
		return nil, err
	}

	random := make([]byte, 32)
	if _, err = crypto_rand.Read(random); err != nil {
		return nil, kr.Error(err, kr.KeyGenerationFailed, "u2f key handle generation failed")
	}

	handle := make([]byte, 0, u2fKeyHandleLength)
	handle = append(handle, u2fKeyHandleMagic...)
	handle = append(handle, random...)

	deviceDigest := sha256.Sum256(deviceID)
	randomDigest := sha256.Sum256(random)
	binding := sha256.Sum256(append(deviceDigest[:], randomDigest[:]...))
	handle = append(handle, binding[:]...)

	return handle, nil
}

// checkKeyHandle verifies a handle was minted by this device.
func (um *U2FKeyManager) checkKeyHandle(inKeyHandle []byte) error {
	if len(inKeyHandle) != u2fKeyHandleLength {
		return kr.Errorf(nil, kr.BadKeyFormat, "u2f key handle is %d bytes, want %d", len(inKeyHandle), u2fKeyHandleLength)
	}
	for i, b := range u2fKeyHandleMagic {
		if inKeyHandle[i] != b {
			return kr.Error(nil, kr.KeyNotFound, "u2f key handle not minted by this device")
		}
	}

	deviceID, err := um.DeviceIdentifier()
	if err != nil {
		return err
	}

	deviceDigest := sha256.Sum256(deviceID)
	randomDigest := sha256.Sum256(inKeyHandle[16:48])
	binding := sha256.Sum256(append(deviceDigest[:], randomDigest[:]...))

	for i, b := range binding {
		if inKeyHandle[48+i] != b {
			return kr.Error(nil, kr.KeyNotFound, "u2f key handle not minted by this device")
		}
	}
	return nil
}

// Generate mints a key pair and handle for a new registration.
func (um *U2FKeyManager) Generate() (*ecdsa.PrivateKey, []byte, error) {
	handle, err := um.newKeyHandle()
	if err != nil {
		return nil, nil, err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), crypto_rand.Reader)
	if err != nil {
		return nil, nil, kr.Error(err, kr.KeyGenerationFailed, "u2f key pair generation failed")
	}

	privBuf, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, kr.Error(err, kr.MarshalFailed, "u2f key pair did not serialize")
	}
	if err = um.vault.Set(keyHandleTag(handle), privBuf); err != nil {
		return nil, nil, err
	}

	return priv, handle, nil
}

// KeyPair loads the key pair for a handle minted by this device.
func (um *U2FKeyManager) KeyPair(inKeyHandle []byte) (*ecdsa.PrivateKey, error) {
	if err := um.checkKeyHandle(inKeyHandle); err != nil {
		return nil, err
	}

	privBuf, err := um.vault.Get(keyHandleTag(inKeyHandle))
	if kr.IsError(err, kr.VaultItemNotFound) {
		return nil, kr.Error(nil, kr.KeyNotFound, "no u2f key pair for handle")
	} else if err != nil {
		return nil, err
	}

	priv, err := x509.ParseECPrivateKey(privBuf)
	if err != nil {
		return nil, kr.Error(err, kr.BadKeyFormat, "stored u2f key pair did not parse")
	}
	return priv, nil
}

// FetchAndIncrementCounter returns the authentication counter for a handle
// and persists the increment before the value is used in a signature.
func (um *U2FKeyManager) FetchAndIncrementCounter(inKeyHandle []byte) (uint32, error) {
	um.counterMutex.Lock()
	defer um.counterMutex.Unlock()

	tag := keyHandleTag(inKeyHandle) + u2fCounterSuffix

	count := uint32(1)
	buf, err := um.vault.Get(tag)
	if err == nil {
		parsed, parseErr := strconv.ParseUint(string(buf), 10, 32)
		if parseErr != nil {
			return 0, kr.Error(parseErr, kr.BadKeyFormat, "stored u2f counter did not parse")
		}
		count = uint32(parsed)
	} else if !kr.IsError(err, kr.VaultItemNotFound) {
		return 0, err
	}

	if err = um.vault.Set(tag, []byte(strconv.FormatUint(uint64(count+1), 10))); err != nil {
		return 0, err
	}
	return count, nil
}

// PublicKeyBytes returns the uncompressed (0x04 || X || Y) point encoding the
// u2f wire format uses.
func PublicKeyBytes(inKey *ecdsa.PrivateKey) []byte {
	return elliptic.Marshal(elliptic.P256(), inKey.PublicKey.X, inKey.PublicKey.Y)
}

// RegistrationSignatureData assembles the bytes the attestation key signs:
// 0x00 || H(appId) || challenge || keyHandle || publicKey.
func RegistrationSignatureData(inAppID string, inChallenge, inKeyHandle, inPublicKey []byte) []byte {
	appDigest := sha256.Sum256([]byte(inAppID))

	out := make([]byte, 0, 1+32+len(inChallenge)+len(inKeyHandle)+len(inPublicKey))
	out = append(out, 0x00)
	out = append(out, appDigest[:]...)
	out = append(out, inChallenge...)
	out = append(out, inKeyHandle...)
	out = append(out, inPublicKey...)
	return out
}

// AuthenticationSignatureData assembles the bytes the account key signs:
// H(appId) || userPresence || counter || challenge.
func AuthenticationSignatureData(inAppID string, inChallenge []byte, inCounter uint32) []byte {
	appDigest := sha256.Sum256([]byte(inAppID))

	var counterBuf [4]byte
	binary.BigEndian.PutUint32(counterBuf[:], inCounter)

	out := make([]byte, 0, 32+1+4+len(inChallenge))
	out = append(out, appDigest[:]...)
	out = append(out, 0x01)
	out = append(out, counterBuf[:]...)
	out = append(out, inChallenge...)
	return out
}

// SignASN1 signs a digest-able payload with a u2f key, DER-encoded as the u2f
// wire format expects.
func SignASN1(inKey *ecdsa.PrivateKey, inData []byte) ([]byte, error) {
	digest := sha256.Sum256(inData)

	sig, err := ecdsa.SignASN1(crypto_rand.Reader, inKey, digest[:])
	if err != nil {
		return nil, kr.Error(err, kr.VerifySignatureFailed, "u2f signing failed")
	}
	return sig, nil
}

/*****************************************************
** attestation
**
** A self-signed cert over a device-local attestation key.  Minted once and
** reused for every registration.
**/

// AttestationCertificate returns the DER attestation cert and its key,
// generating both on first use.
func (um *U2FKeyManager) AttestationCertificate() ([]byte, *ecdsa.PrivateKey, error) {
	keyBuf, err := um.vault.Get(u2fAttestationKey)
	if err == nil {
		priv, parseErr := x509.ParseECPrivateKey(keyBuf)
		if parseErr != nil {
			return nil, nil, kr.Error(parseErr, kr.BadKeyFormat, "stored attestation key did not parse")
		}
		certBuf, certErr := um.vault.Get(u2fAttestationKey + "_cert")
		if certErr != nil {
			return nil, nil, certErr
		}
		return certBuf, priv, nil
	} else if !kr.IsError(err, kr.VaultItemNotFound) {
		return nil, nil, err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), crypto_rand.Reader)
	if err != nil {
		return nil, nil, kr.Error(err, kr.KeyGenerationFailed, "attestation key generation failed")
	}

	template := &x509.Certificate{
		SerialNumber: attestationSerial(PublicKeyBytes(priv)),
		Subject: pkix.Name{
			CommonName:   "Krypton Key",
			Organization: []string{"KryptCo, Inc."},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(20, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}

	certBuf, err := x509.CreateCertificate(crypto_rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, kr.Error(err, kr.KeyGenerationFailed, "attestation cert generation failed")
	}

	privBuf, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, kr.Error(err, kr.MarshalFailed, "attestation key did not serialize")
	}
	if err = um.vault.Set(u2fAttestationKey, privBuf); err != nil {
		return nil, nil, err
	}
	if err = um.vault.Set(u2fAttestationKey+"_cert", certBuf); err != nil {
		return nil, nil, err
	}

	um.Infof(0, "minted u2f attestation certificate")
	return certBuf, priv, nil
}

// attestationSerial derives a stable cert serial from the attestation key.
func attestationSerial(inPublicKey []byte) *big.Int {
	preDigest := sha256.Sum256([]byte("u2f.attestation.serial"))
	keyDigest := sha256.Sum256(inPublicKey)
	digest := sha256.Sum256(append(preDigest[:], keyDigest[:]...))

	return new(big.Int).SetBytes(digest[:8])
}
