// Package auditlog records every signature decision the agent makes: ssh
// logins, git commit and tag signatures, and u2f assertions, each with its
// outcome.  Statements feed the device history view, the hosts aggregation,
// and team audit log submission.
package auditlog

import (
	"fmt"
	"strings"

	"github.com/kryptco/krypton-go/wire"
)

// SessionInfo identifies the paired workstation a statement belongs to without
// exposing its public key.
type SessionInfo struct {
	DeviceName                     string `json:"device_name"`
	WorkstationPublicKeyDoubleHash []byte `json:"workstation_public_key_double_hash"`
}

// Result is the outcome of one signature request.  Exactly one field is set.
type Result struct {
	Signature    []byte   `json:"signature,omitempty"`
	UserRejected bool     `json:"user_rejected,omitempty"`
	HostMismatch [][]byte `json:"host_mismatch,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SignatureResult records a produced signature.
func SignatureResult(inSignature []byte) Result {
	return Result{Signature: inSignature}
}

// RejectedResult records a user rejection.
func RejectedResult() Result {
	return Result{UserRejected: true}
}

// HostMismatchResult records a host key that did not match the pinned key(s).
func HostMismatchResult(inExpectedKeys [][]byte) Result {
	return Result{HostMismatch: inExpectedKeys}
}

// ErrorResult records a signing failure.
func ErrorResult(inErr error) Result {
	return Result{Error: inErr.Error()}
}

func (r Result) describe() string {
	switch {
	case r.UserRejected:
		return "rejected"
	case len(r.HostMismatch) > 0:
		return "host mismatch"
	case len(r.Error) > 0:
		return "error: " + r.Error
	}
	return "signed"
}

// HostAuthorization is the verified host identity attached to an ssh statement.
type HostAuthorization struct {
	Host      string `json:"host"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// SSHLog records one ssh login signature request.
type SSHLog struct {
	User              string             `json:"user"`
	HostAuthorization *HostAuthorization `json:"host_authorization,omitempty"`
	SessionData       []byte             `json:"session_data"`
	Result            Result             `json:"result"`
}

// UserAndHost returns the distinct-hosts aggregation entry for this login, or
// false when the statement carries no verified host or produced no signature.
func (l *SSHLog) UserAndHost() (wire.UserAndHost, bool) {
	if l.HostAuthorization == nil || len(l.Result.Signature) == 0 {
		return wire.UserAndHost{}, false
	}

	user := strings.TrimSpace(strings.SplitN(l.User, "@", 2)[0])
	if len(user) == 0 {
		return wire.UserAndHost{}, false
	}

	return wire.UserAndHost{User: user, Host: l.HostAuthorization.Host}, true
}

// GitCommitLog records one git commit signature request.
type GitCommitLog struct {
	Tree      []byte   `json:"tree"`
	Parents   [][]byte `json:"parents,omitempty"`
	Author    []byte   `json:"author"`
	Committer []byte   `json:"committer"`
	Message   []byte   `json:"message"`
	Result    Result   `json:"result"`
}

// GitTagLog records one git tag signature request.
type GitTagLog struct {
	Object  string `json:"object"`
	Tag     string `json:"tag"`
	Type    string `json:"type"`
	Tagger  string `json:"tagger"`
	Message []byte `json:"message"`
	Result  Result `json:"result"`
}

// U2FLog records one u2f register or authenticate request.
type U2FLog struct {
	AppID        string `json:"app_id"`
	Register     bool   `json:"register,omitempty"`
	Authenticate bool   `json:"authenticate,omitempty"`
	Result       Result `json:"result"`
}

// Statement is one audit log entry.  Exactly one body field is set.
type Statement struct {
	UnixSeconds int64        `json:"unix_seconds"`
	Session     *SessionInfo `json:"session,omitempty"`

	SSH       *SSHLog       `json:"ssh,omitempty"`
	GitCommit *GitCommitLog `json:"git_commit,omitempty"`
	GitTag    *GitTagLog    `json:"git_tag,omitempty"`
	U2F       *U2FLog       `json:"u2f,omitempty"`
}

// DisplayName is the one-line rendering used by device history.
func (s *Statement) DisplayName() string {
	switch {
	case s.SSH != nil:
		host := "unknown host"
		if s.SSH.HostAuthorization != nil {
			host = s.SSH.HostAuthorization.Host
		}
		return fmt.Sprintf("%s @ %s (%s)", s.SSH.User, host, s.SSH.Result.describe())
	case s.GitCommit != nil:
		return fmt.Sprintf("commit by %s (%s)", string(s.GitCommit.Committer), s.GitCommit.Result.describe())
	case s.GitTag != nil:
		return fmt.Sprintf("tag %s (%s)", s.GitTag.Tag, s.GitTag.Result.describe())
	case s.U2F != nil:
		return fmt.Sprintf("u2f %s (%s)", s.U2F.AppID, s.U2F.Result.describe())
	}
	return "unknown"
}
