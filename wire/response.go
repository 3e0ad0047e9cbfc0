package wire

import (
	"encoding/json"

	"github.com/kryptco/krypton-go/kr"
)

// Response is the single outbound answer to a Request.  Exactly one response
// body key appears in the envelope, alongside "request_id",
// "sns_endpoint_arn", "v", and an optional "tracking_id".
type Response struct {
	RequestID      string
	SNSEndpointARN string
	Version        kr.Version
	TrackingID     string
	Body           ResponseBody
}

// ResponseBody is the tagged union of response variants.  Each variant embeds
// an ok/error result: a non-empty Error field means the error branch.
type ResponseBody interface {
	// Err returns the error string carried by the body, if any.
	Err() string
}

// Response body variants.
type (
	// SSHSignResponse carries the SSH userauth signature.
	SSHSignResponse struct {
		Signature []byte `json:"signature,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	// GitSignResponse carries the ASCII-armored detached PGP signature packets.
	GitSignResponse struct {
		Signature []byte `json:"signature,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	// MeResponse carries the agent's identity.
	MeResponse struct {
		Me    Me     `json:"me"`
		Error string `json:"error,omitempty"`
	}

	// AckResponse acknowledges receipt of a request awaiting approval.
	AckResponse struct {
		Error string `json:"error,omitempty"`
	}

	// UnpairResponse confirms an unpair.
	UnpairResponse struct {
		Error string `json:"error,omitempty"`
	}

	// HostsResponse lists historical SSH (user, host) pairs and PGP user ids.
	HostsResponse struct {
		PGPUserIDs []string      `json:"pgp_user_ids,omitempty"`
		Hosts      []UserAndHost `json:"hosts,omitempty"`
		Error      string        `json:"error,omitempty"`
	}

	// ReadTeamResponse carries a signed team read token.
	ReadTeamResponse struct {
		SignedMessage json.RawMessage `json:"signed_message,omitempty"`
		Error         string          `json:"error,omitempty"`
	}

	// TeamOperationResponse carries the consensus service's reply to an appended operation.
	TeamOperationResponse struct {
		Reply json.RawMessage `json:"reply,omitempty"`
		Error string          `json:"error,omitempty"`
	}

	// LogDecryptionResponse carries an unwrapped audit-log decryption key.
	LogDecryptionResponse struct {
		LogDecryptionKey []byte `json:"log_decryption_key,omitempty"`
		Error            string `json:"error,omitempty"`
	}

	// U2FRegisterResponse carries a freshly generated U2F key.
	U2FRegisterResponse struct {
		PublicKey       []byte `json:"public_key,omitempty"`
		KeyHandle       []byte `json:"key_handle,omitempty"`
		AttestationCert []byte `json:"attestation_certificate,omitempty"`
		Signature       []byte `json:"signature,omitempty"`
		Error           string `json:"error,omitempty"`
	}

	// U2FAuthenticateResponse carries a U2F authentication signature.
	U2FAuthenticateResponse struct {
		PublicKey []byte `json:"public_key,omitempty"`
		Counter   uint32 `json:"counter,omitempty"`
		Signature []byte `json:"signature,omitempty"`
		Error     string `json:"error,omitempty"`
	}
)

// Me is the identity block of a MeResponse.
type Me struct {
	Email          string          `json:"email"`
	PublicKeyWire  []byte          `json:"public_key_wire"`
	PGPPublicKey   []byte          `json:"pgp_pk,omitempty"`
	DeviceID       []byte          `json:"device_identifier,omitempty"`
	U2FAccounts    []string        `json:"u2f_accounts,omitempty"`
	TeamCheckpoint *TeamCheckpoint `json:"team_checkpoint,omitempty"`
}

// TeamCheckpoint pins the team identity the agent is enrolled in.
type TeamCheckpoint struct {
	PublicKey       []byte   `json:"public_key"`
	TeamPublicKey   []byte   `json:"team_public_key"`
	LastBlockHash   []byte   `json:"last_block_hash"`
	ServerEndpoints []string `json:"server_endpoints"`
}

// UserAndHost is one distinct SSH login target.
type UserAndHost struct {
	User string `json:"user"`
	Host string `json:"host"`
}

func (b SSHSignResponse) Err() string         { return b.Error }
func (b GitSignResponse) Err() string         { return b.Error }
func (b MeResponse) Err() string              { return b.Error }
func (b AckResponse) Err() string             { return b.Error }
func (b UnpairResponse) Err() string          { return b.Error }
func (b HostsResponse) Err() string           { return b.Error }
func (b ReadTeamResponse) Err() string        { return b.Error }
func (b TeamOperationResponse) Err() string   { return b.Error }
func (b LogDecryptionResponse) Err() string   { return b.Error }
func (b U2FRegisterResponse) Err() string     { return b.Error }
func (b U2FAuthenticateResponse) Err() string { return b.Error }

// responseEnvelope is the raw JSON shape of a response.
type responseEnvelope struct {
	RequestID      string `json:"request_id"`
	SNSEndpointARN string `json:"sns_endpoint_arn"`
	Version        string `json:"v,omitempty"`
	TrackingID     string `json:"tracking_id,omitempty"`

	SSH     *SSHSignResponse         `json:"sign_response,omitempty"`
	Git     *GitSignResponse         `json:"git_sign_response,omitempty"`
	Me      *MeResponse              `json:"me_response,omitempty"`
	Ack     *AckResponse             `json:"ack_response,omitempty"`
	Unpair  *UnpairResponse          `json:"unpair_response,omitempty"`
	Hosts   *HostsResponse           `json:"hosts_response,omitempty"`
	Team    *ReadTeamResponse        `json:"read_team_response,omitempty"`
	TeamOp  *TeamOperationResponse   `json:"team_operation_response,omitempty"`
	LogDecr *LogDecryptionResponse   `json:"log_decryption_response,omitempty"`
	U2FReg  *U2FRegisterResponse     `json:"u2f_register_response,omitempty"`
	U2FAuth *U2FAuthenticateResponse `json:"u2f_authenticate_response,omitempty"`
}

// NewResponse stamps a response with the current protocol version.
func NewResponse(inRequestID, inEndpoint string, inBody ResponseBody, inTrackingID string) *Response {
	return &Response{
		RequestID:      inRequestID,
		SNSEndpointARN: inEndpoint,
		Version:        kr.CurrentVersion,
		TrackingID:     inTrackingID,
		Body:           inBody,
	}
}

// Marshal encodes a response into its envelope form.
func (r *Response) Marshal() ([]byte, error) {
	env := responseEnvelope{
		RequestID:      r.RequestID,
		SNSEndpointARN: r.SNSEndpointARN,
		Version:        r.Version.String(),
		TrackingID:     r.TrackingID,
	}

	switch body := r.Body.(type) {
	case SSHSignResponse:
		env.SSH = &body
	case GitSignResponse:
		env.Git = &body
	case MeResponse:
		env.Me = &body
	case AckResponse:
		env.Ack = &body
	case UnpairResponse:
		env.Unpair = &body
	case HostsResponse:
		env.Hosts = &body
	case ReadTeamResponse:
		env.Team = &body
	case TeamOperationResponse:
		env.TeamOp = &body
	case LogDecryptionResponse:
		env.LogDecr = &body
	case U2FRegisterResponse:
		env.U2FReg = &body
	case U2FAuthenticateResponse:
		env.U2FAuth = &body
	default:
		return nil, kr.Errorf(nil, kr.AssertFailed, "unknown response body %T", r.Body)
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return nil, kr.Error(err, kr.MarshalFailed, "response did not marshal")
	}
	return buf, nil
}

// ParseResponse decodes a response envelope, enforcing the one-body-key invariant.
func ParseResponse(inJSON []byte) (*Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(inJSON, &env); err != nil {
		return nil, kr.Errorf(err, kr.UnmarshalFailed, "response did not parse")
	}

	var bodies []ResponseBody
	if env.SSH != nil {
		bodies = append(bodies, *env.SSH)
	}
	if env.Git != nil {
		bodies = append(bodies, *env.Git)
	}
	if env.Me != nil {
		bodies = append(bodies, *env.Me)
	}
	if env.Ack != nil {
		bodies = append(bodies, *env.Ack)
	}
	if env.Unpair != nil {
		bodies = append(bodies, *env.Unpair)
	}
	if env.Hosts != nil {
		bodies = append(bodies, *env.Hosts)
	}
	if env.Team != nil {
		bodies = append(bodies, *env.Team)
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

	if len(bodies) != 1 {
		return nil, kr.Errorf(nil, kr.MultipleBodies, "response carries %d body keys", len(bodies))
	}

	resp := &Response{
		RequestID:      env.RequestID,
		SNSEndpointARN: env.SNSEndpointARN,
		TrackingID:     env.TrackingID,
		Body:           bodies[0],
	}

	if len(env.Version) > 0 {
		ver, err := kr.ParseVersion(env.Version)
		if err != nil {
			return nil, err
		}
		resp.Version = ver
	}

	return resp, nil
}
