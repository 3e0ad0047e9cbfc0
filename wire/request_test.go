package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/kryptco/krypton-go/kr"
)

// userauthPayload builds an SSH_MSG_USERAUTH_REQUEST payload with the trailing
// public key stripped, the way the workstation agent sends it.
func userauthPayload(inSessionID []byte, inUser, inAlgo string) []byte {
	var out []byte

	pushData := func(data []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		out = append(out, lenBuf[:]...)
		out = append(out, data...)
	}

	pushData(inSessionID)
	out = append(out, 50) // SSH_MSG_USERAUTH_REQUEST
	pushData([]byte(inUser))
	pushData([]byte("ssh-connection"))
	pushData([]byte("publickey"))
	out = append(out, 1)
	pushData([]byte(inAlgo))

	return out
}

func TestParseSignRequest(t *testing.T) {

	payload := userauthPayload([]byte("session-bytes"), "alice", "ssh-ed25519")
	raw := fmt.Sprintf(`{
		"request_id": "r1",
		"unix_seconds": 1500000000,
		"v": "2.5.0",
		"sign_request": {
			"data": %q,
			"public_key_fingerprint": %q
		}
	}`, base64.StdEncoding.EncodeToString(payload), base64.StdEncoding.EncodeToString([]byte("fp")))

	req, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}

	sign, ok := req.Body.(SignRequest)
	if !ok {
		t.Fatalf("expected SignRequest, got %T", req.Body)
	}
	if sign.User != "alice" {
		t.Fatalf("parsed user %q", sign.User)
	}
	if string(sign.SessionID) != "session-bytes" {
		t.Fatalf("parsed session id %q", sign.SessionID)
	}
	if sign.DigestType != DigestEd25519 {
		t.Fatalf("parsed digest %v", sign.DigestType)
	}
}

func TestParseRequestBodyKeyInvariants(t *testing.T) {

	// no body key at all is a liveness probe
	req, err := ParseRequest([]byte(`{"request_id": "r1", "unix_seconds": 1, "v": "2.5.0"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := req.Body.(NoOpRequest); !ok {
		t.Fatalf("expected NoOpRequest, got %T", req.Body)
	}

	// two body keys is a hard parse error
	_, err = ParseRequest([]byte(`{
		"request_id": "r2", "unix_seconds": 1, "v": "2.5.0",
		"me_request": {},
		"hosts_request": {}
	}`))
	if !kr.IsError(err, kr.MultipleBodies) {
		t.Fatalf("expected MultipleBodies, got %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {

	req := &Request{
		ID:          "r1",
		UnixSeconds: 1500000000,
		SendACK:     true,
		Version:     kr.CurrentVersion,
		Body:        UnpairRequest{},
	}

	buf, err := req.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseRequest(buf)
	if err != nil {
		t.Fatal(err)
	}

	if parsed.ID != req.ID || !parsed.SendACK || parsed.UnixSeconds != req.UnixSeconds {
		t.Fatal("envelope fields did not survive the round trip")
	}
	if _, ok := parsed.Body.(UnpairRequest); !ok {
		t.Fatalf("expected UnpairRequest, got %T", parsed.Body)
	}
}

func TestGitSignRequestValidation(t *testing.T) {

	_, err := ParseRequest([]byte(`{
		"request_id": "r1", "unix_seconds": 1, "v": "2.5.0",
		"git_sign_request": {"user_id": "Test <t@example.com>"}
	}`))
	if err == nil {
		t.Fatal("git sign request with neither commit nor tag parsed")
	}

	_, err = ParseRequest([]byte(`{
		"request_id": "r2", "unix_seconds": 1, "v": "2.5.0",
		"git_sign_request": {
			"user_id": "Test <t@example.com>",
			"commit": {"tree": "", "author": "", "committer": "", "message": ""},
			"tag": {"object": "", "type": "", "tag": "", "tagger": "", "message": ""}
		}
	}`))
	if !kr.IsError(err, kr.MultipleBodies) {
		t.Fatalf("expected MultipleBodies for commit+tag, got %v", err)
	}
}

func TestParseResponseExactlyOneBody(t *testing.T) {

	resp := NewResponse("r1", "", SSHSignResponse{Signature: []byte("sig")}, "")
	buf, err := resp.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseResponse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := parsed.Body.(SSHSignResponse); !ok {
		t.Fatalf("expected SSHSignResponse, got %T", parsed.Body)
	}

	// splice a second body key into the envelope
	var env map[string]json.RawMessage
	if err = json.Unmarshal(buf, &env); err != nil {
		t.Fatal(err)
	}
	env["ack_response"] = json.RawMessage(`{}`)
	doubled, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = ParseResponse(doubled); !kr.IsError(err, kr.MultipleBodies) {
		t.Fatalf("expected MultipleBodies, got %v", err)
	}
}
