package kr

import (
	"fmt"
	"strings"
)

// Err is krypton's common error struct.  Err.Code allows easy matching while
// allowing error strings to carry useful contextual information.
type Err struct {
	Code int32
	Msg  string

	Err error
}

// Error creates a new Err wrapping an underlying cause.
func Error(inErr error, inCode int32, inMsg string) *Err {
	return &Err{
		Code: inCode,
		Msg:  inMsg,
		Err:  inErr,
	}
}

// Errorf is a convenience function of Error() that uses a string formatter.
func Errorf(inErr error, inCode int32, inFormat string, inArgs ...interface{}) *Err {
	return &Err{
		Code: inCode,
		Msg:  fmt.Sprintf(inFormat, inArgs...),
		Err:  inErr,
	}
}

// Error implements error's Error()
func (e *Err) Error() string {
	if e == nil {
		return "<nil>"
	}

	var s []string

	if len(e.Msg) > 0 {
		s = append(s, e.Msg)
	} else {
		s = append(s, "Err")
	}

	s = append(s, fmt.Sprintf(" {code:%d", e.Code))

	if e.Err != nil {
		s = append(s, ", err:{")
		s = append(s, e.Err.Error())
		s = append(s, "}")
	}

	s = append(s, "}")

	return strings.Join(s, "")
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Err) Unwrap() error {
	return e.Err
}

// IsError tests if the given error carries one of the given krypton error codes
func IsError(inErr error, inErrCodes ...int32) bool {
	if inErr == nil {
		return false
	}
	if kerr, ok := inErr.(*Err); ok && kerr != nil {
		for _, errCode := range inErrCodes {
			if kerr.Code == errCode {
				return true
			}
		}
	}

	return false
}

const (

	/*****************************************************
	** Universal errors
	**/

	// GenericErrorFamily errors generally relate to the agent process
	GenericErrorFamily int32 = 5000 + iota

	// AssertFailed means an unreachable part of code was...reached.  :\
	AssertFailed

	// ParamMissing means one or more params was missing, nil, or not otherwise given
	ParamMissing

	// MarshalFailed means Marshal() returned an error
	MarshalFailed

	// UnmarshalFailed means Unmarshal() returned an error
	UnmarshalFailed

	// ConfigNotRead denotes that the given config file was not found/read
	ConfigNotRead

	// ServiceShutdown means the agent is either shutting down or is shutdown
	ServiceShutdown

	/*****************************************************
	** Silo / arbitration
	**/

	// SiloErrorFamily errors relate to request arbitration
	SiloErrorFamily = 5100 + iota

	// SessionRemoved means the session for an inbound request is no longer registered
	SessionRemoved

	// InvalidRequestTime means the request's timestamp falls outside the replay tolerance window
	InvalidRequestTime

	// RequestPending means a duplicate of a request already awaiting user approval arrived
	RequestPending

	// ResponseNotNeeded means the request variant never produces a response body (noOp, unpair)
	ResponseNotNeeded

	// NoTeamIdentity means a team request arrived but no team identity is enrolled
	NoTeamIdentity

	/*****************************************************
	** Security / crypto
	**/

	// SecurityErrorFamily errors relate to key custody and signing
	SecurityErrorFamily = 5200 + iota

	// KeyNotFound means no key material exists for the requested key reference
	KeyNotFound

	// KeyGenerationFailed means key generation failed
	KeyGenerationFailed

	// BadKeyFormat means key data was a length or format that was invalid or unexpected
	BadKeyFormat

	// VerifySignatureFailed means the given signature did not match the given digest
	VerifySignatureFailed

	// SealFailed means a message failed to encrypt to the pairing
	SealFailed

	// UnsealFailed means inbound ciphertext failed to open
	UnsealFailed

	/*****************************************************
	** Transport
	**/

	// TransportErrorFamily errors relate to transport media and framing
	TransportErrorFamily = 5300 + iota

	// SessionNotFound means the given session id or queue name matched no registered session
	SessionNotFound

	// MalformedMessage means an inbound network message failed to deframe
	MalformedMessage

	// MessageTooLong means an outbound message exceeds the medium's framing capacity
	MessageTooLong

	// MultipleBodies means a wire envelope carried more than one body key
	MultipleBodies

	// MediumUnavailable means the medium cannot currently reach the workstation
	MediumUnavailable

	/*****************************************************
	** Storage
	**/

	// StorageErrorFamily errors relate to the vault and audit log stores
	StorageErrorFamily = 5400 + iota

	// VaultItemNotFound means the requested vault key does not exist
	VaultItemNotFound

	// FailedToLoadStore means an error was encountered when creating or loading a store
	FailedToLoadStore

	// FailedToCommit means a store write failed
	FailedToCommit
)
