// Package wire implements krypton's workstation protocol: the JSON
// request/response envelope, the sealed network message format, and the SSH
// userauth payload parser.
package wire

import (
	"encoding/json"

	"github.com/kryptco/krypton-go/kr"
)

// Request is one inbound unit of work from a paired workstation.
//
// The envelope carries exactly one body key alongside "request_id",
// "unix_seconds", "a" (ack requested), and "v".
type Request struct {
	ID          string
	UnixSeconds int64
	SendACK     bool
	Version     kr.Version
	Body        RequestBody
}

// RequestBody is the tagged union of request variants.  Every variant is a
// concrete struct so dispatch sites can type-switch exhaustively.
type RequestBody interface {
	bodyKey() string
}

// Request body variants.
type (
	// MeRequest asks for the agent's identity and public keys.
	MeRequest struct {
		PGPUserID *string `json:"pgp_user_id,omitempty"`
		U2FOnly   bool    `json:"u2f_only,omitempty"`
	}

	// SignRequest asks for an SSH userauth signature.
	SignRequest struct {
		Data        []byte    `json:"data"`
		Fingerprint string    `json:"public_key_fingerprint"`
		HostAuth    *HostAuth `json:"host_auth,omitempty"`

		// Parsed out of Data on decode; not serialized.
		SessionID  []byte     `json:"-"`
		User       string     `json:"-"`
		DigestType DigestType `json:"-"`
	}

	// GitSignRequest asks for a PGP signature over a git commit or tag.
	GitSignRequest struct {
		UserID string      `json:"user_id"`
		Commit *CommitInfo `json:"commit,omitempty"`
		Tag    *TagInfo    `json:"tag,omitempty"`
	}

	// UnpairRequest ends the pairing that delivered it.
	UnpairRequest struct{}

	// HostsRequest asks for the historical (user, host) pairs and PGP user ids.
	HostsRequest struct{}

	// NoOpRequest is a pure liveness probe; it never produces a response.
	NoOpRequest struct{}

	// ReadTeamRequest asks for a signed, time-limited team read token.
	ReadTeamRequest struct {
		PublicKey []byte `json:"public_key"`
	}

	// TeamOperationRequest asks the agent to append an operation to the team sig chain.
	TeamOperationRequest struct {
		Operation json.RawMessage `json:"operation"`
	}

	// LogDecryptionRequest asks the agent to unwrap an audit-log encryption key.
	LogDecryptionRequest struct {
		WrappedKey BoxedMessage `json:"wrapped_key"`
	}

	// U2FRegisterRequest asks for a new U2F key pair bound to an app id.
	U2FRegisterRequest struct {
		Challenge []byte `json:"challenge"`
		AppID     string `json:"app_id"`
	}

	// U2FAuthenticateRequest asks for a U2F authentication signature.
	U2FAuthenticateRequest struct {
		Challenge []byte `json:"challenge"`
		AppID     string `json:"app_id"`
		KeyHandle []byte `json:"key_handle"`
	}
)

func (MeRequest) bodyKey() string              { return "me_request" }
func (SignRequest) bodyKey() string            { return "sign_request" }
func (GitSignRequest) bodyKey() string         { return "git_sign_request" }
func (UnpairRequest) bodyKey() string          { return "unpair_request" }
func (HostsRequest) bodyKey() string           { return "hosts_request" }
func (NoOpRequest) bodyKey() string            { return "" }
func (ReadTeamRequest) bodyKey() string        { return "read_team_request" }
func (TeamOperationRequest) bodyKey() string   { return "team_operation_request" }
func (LogDecryptionRequest) bodyKey() string   { return "log_decryption_request" }
func (U2FRegisterRequest) bodyKey() string     { return "u2f_register_request" }
func (U2FAuthenticateRequest) bodyKey() string { return "u2f_authenticate_request" }

// BoxedMessage is a NaCl box addressed to a specific recipient key.
type BoxedMessage struct {
	RecipientPublicKey []byte `json:"recipient_public_key"`
	SenderPublicKey    []byte `json:"public_key"`
	Ciphertext         []byte `json:"ciphertext"`
}

// HostAuth is the workstation's claim of which host requested the SSH login,
// backed by the host's signature over the SSH session id.
type HostAuth struct {
	HostKey   []byte   `json:"host_key"`
	Signature []byte   `json:"signature"`
	HostNames []string `json:"host_names"`
}

// CommitInfo carries the fields of the git commit object being signed.
// All fields are base64 on the wire (encoding/json does this for []byte).
type CommitInfo struct {
	Tree         []byte   `json:"tree"`
	Parent       []byte   `json:"parent,omitempty"`
	MergeParents [][]byte `json:"merge_parents,omitempty"`
	Author       []byte   `json:"author"`
	Committer    []byte   `json:"committer"`
	Message      []byte   `json:"message"`
}

// TagInfo carries the fields of the git tag object being signed.
type TagInfo struct {
	Object  string `json:"object"`
	Type    string `json:"type"`
	Tag     string `json:"tag"`
	Tagger  string `json:"tagger"`
	Message []byte `json:"message"`
}

// requestEnvelope is the raw JSON shape of a request.
type requestEnvelope struct {
	RequestID   string `json:"request_id"`
	UnixSeconds int64  `json:"unix_seconds"`
	SendACK     bool   `json:"a,omitempty"`
	Version     string `json:"v"`

	Me       *MeRequest              `json:"me_request,omitempty"`
	SSH      *SignRequest            `json:"sign_request,omitempty"`
	Git      *GitSignRequest         `json:"git_sign_request,omitempty"`
	Unpair   *UnpairRequest          `json:"unpair_request,omitempty"`
	Hosts    *HostsRequest           `json:"hosts_request,omitempty"`
	ReadTeam *ReadTeamRequest        `json:"read_team_request,omitempty"`
	TeamOp   *TeamOperationRequest   `json:"team_operation_request,omitempty"`
	LogDecr  *LogDecryptionRequest   `json:"log_decryption_request,omitempty"`
	U2FReg   *U2FRegisterRequest     `json:"u2f_register_request,omitempty"`
	U2FAuth  *U2FAuthenticateRequest `json:"u2f_authenticate_request,omitempty"`
}

// ParseRequest decodes a request envelope, enforcing the one-body-key invariant.
// An envelope with no body key at all is a noOp probe.
func ParseRequest(inJSON []byte) (*Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(inJSON, &env); err != nil {
		return nil, kr.Errorf(err, kr.UnmarshalFailed, "request did not parse")
	}

	ver, err := kr.ParseVersion(env.Version)
	if err != nil {
		return nil, err
	}

	var bodies []RequestBody
	if env.Me != nil {
		bodies = append(bodies, *env.Me)
	}
	if env.SSH != nil {
		ssh := *env.SSH
		if err := ssh.parsePayload(); err != nil {
			return nil, err
		}
		bodies = append(bodies, ssh)
	}
	if env.Git != nil {
		if err := env.Git.validate(); err != nil {
			return nil, err
		}
		bodies = append(bodies, *env.Git)
	}
	if env.Unpair != nil {
		bodies = append(bodies, *env.Unpair)
	}
	if env.Hosts != nil {
		bodies = append(bodies, *env.Hosts)
	}
	if env.ReadTeam != nil {
		bodies = append(bodies, *env.ReadTeam)
	}
	if env.TeamOp != nil {
		bodies = append(bodies, *env.TeamOp)
	}
	if env.LogDecr != nil {
		bodies = append(bodies, *env.LogDecr)
	}
	if env.U2FReg != nil {
		bodies = append(bodies, *env.U2FReg)
	}
	if env.U2FAuth != nil {
		bodies = append(bodies, *env.U2FAuth)
	}

	req := &Request{
		ID:          env.RequestID,
		UnixSeconds: env.UnixSeconds,
		SendACK:     env.SendACK,
		Version:     ver,
	}

	switch len(bodies) {
	case 0:
		req.Body = NoOpRequest{}
	case 1:
		req.Body = bodies[0]
	default:
		return nil, kr.Errorf(nil, kr.MultipleBodies, "request carries %d body keys", len(bodies))
	}

	return req, nil
}

// Marshal re-encodes a request into its envelope form.
func (r *Request) Marshal() ([]byte, error) {
	env := requestEnvelope{
		RequestID:   r.ID,
		UnixSeconds: r.UnixSeconds,
		SendACK:     r.SendACK,
		Version:     r.Version.String(),
	}

	switch body := r.Body.(type) {
	case MeRequest:
		env.Me = &body
	case SignRequest:
		env.SSH = &body
	case GitSignRequest:
		env.Git = &body
	case UnpairRequest:
		env.Unpair = &body
	case HostsRequest:
		env.Hosts = &body
	case NoOpRequest:
	case ReadTeamRequest:
		env.ReadTeam = &body
	case TeamOperationRequest:
		env.TeamOp = &body
	case LogDecryptionRequest:
		env.LogDecr = &body
	case U2FRegisterRequest:
		env.U2FReg = &body
	case U2FAuthenticateRequest:
		env.U2FAuth = &body
	default:
		return nil, kr.Errorf(nil, kr.AssertFailed, "unknown request body %T", r.Body)
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "request did not marshal")
	}
	return buf, nil
}

// AnalyticsCategory classifies a request for telemetry without leaking its contents.
func (r *Request) AnalyticsCategory() string {
	switch body := r.Body.(type) {
	case SignRequest:
		return "signature"
	case GitSignRequest:
		if body.Tag != nil {
			return "git-tag-signature"
		}
		return "git-commit-signature"
	case MeRequest:
		return "me"
	case HostsRequest:
		return "hosts"
	case NoOpRequest:
		return "noOp"
	case UnpairRequest:
		return "unpair"
	case ReadTeamRequest:
		return "read-team"
	case TeamOperationRequest:
		return "team-operation"
	case LogDecryptionRequest:
		return "decrypt-log"
	case U2FRegisterRequest:
		return "u2f-register"
	case U2FAuthenticateRequest:
		return "u2f-authenticate"
	}
	return "unknown-request"
}

func (g *GitSignRequest) validate() error {
	if g.Commit != nil && g.Tag != nil {
		return kr.Errorf(nil, kr.MultipleBodies, "git sign request carries both commit and tag")
	}
	if g.Commit == nil && g.Tag == nil {
		return kr.Errorf(nil, kr.UnmarshalFailed, "git sign request carries neither commit nor tag")
	}
	return nil
}
