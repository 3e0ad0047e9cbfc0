package silo

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/kryptco/krypton-go/auditlog"
	"github.com/kryptco/krypton-go/keys"
	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// userRejectedError renders as the bare rejection constant: the workstation
// matches the error string verbatim, so it must never carry decoration.
type userRejectedError struct{}

func (userRejectedError) Error() string { return UserRejectedMessage }

// responseFor builds, audits, and caches the response for one request.
// Callers hold the category lock.  Failures past this point become data in
// the response; only precondition failures (unknown key, no team identity,
// variants that never answer) return an error.
func (s *Silo) responseFor(inRequest *wire.Request, inSession *session.Session, inAllowed bool) (*wire.Response, error) {

	var body wire.ResponseBody
	var audit *auditlog.Statement
	var err error

	switch reqBody := inRequest.Body.(type) {
	case wire.SignRequest:
		body, audit, err = s.respondSSH(&reqBody, inRequest, inAllowed)
	case wire.GitSignRequest:
		body, audit = s.respondGit(&reqBody, inAllowed)
	case wire.MeRequest:
		body, err = s.respondMe(&reqBody)
	case wire.HostsRequest:
		body = s.respondHosts(inAllowed)
	case wire.ReadTeamRequest:
		body, err = s.respondReadTeam(&reqBody, inAllowed)
	case wire.TeamOperationRequest:
		body, err = s.respondTeamOperation(&reqBody, inAllowed)
	case wire.LogDecryptionRequest:
		body, err = s.respondLogDecryption(&reqBody, inAllowed)
	case wire.U2FRegisterRequest:
		body, audit = s.respondU2FRegister(&reqBody, inAllowed)
	case wire.U2FAuthenticateRequest:
		body, audit = s.respondU2FAuthenticate(&reqBody, inAllowed)
	case wire.NoOpRequest, wire.UnpairRequest:
		return nil, kr.Errorf(nil, kr.ResponseNotNeeded, "%v requests produce no response", inRequest.AnalyticsCategory())
	default:
		return nil, kr.Errorf(nil, kr.AssertFailed, "unknown request body %T", inRequest.Body)
	}
	if err != nil {
		return nil, err
	}

	if audit != nil {
		s.writeAudit(inSession, audit)
	}

	resp := wire.NewResponse(inRequest.ID, s.endpointARN(), body, s.TrackingID)
	s.cacheResponse(CacheKey(inSession.ID, inRequest.ID), resp)

	return resp, nil
}

// writeAudit records a statement locally and, when on a team, queues it for
// the team log chain.  Exactly one statement per completed signature response.
func (s *Silo) writeAudit(inSession *session.Session, inStmt *auditlog.Statement) {
	inStmt.UnixSeconds = kr.Now()
	inStmt.Session = &auditlog.SessionInfo{
		DeviceName:                     inSession.Pairing.Name,
		WorkstationPublicKeyDoubleHash: inSession.Pairing.WorkstationPublicKeyDoubleHash(),
	}

	if err := s.AuditLog.Append(inSession.ID, *inStmt); err != nil {
		s.Error("audit statement did not persist: ", err)
	}

	if s.Teams.HasIdentity() {
		buf, err := json.Marshal(inStmt)
		if err == nil {
			err = s.Teams.EnqueueAuditLog(buf)
		}
		if err != nil {
			s.Warnf("team audit statement not queued: %v", err)
		}
	}
}

/*****************************************************
** ssh
**/

func (s *Silo) respondSSH(inSign *wire.SignRequest, inRequest *wire.Request, inAllowed bool) (wire.ResponseBody, *auditlog.Statement, error) {

	fingerprint, err := base64.StdEncoding.DecodeString(inSign.Fingerprint)
	if err != nil || !s.Keys.MatchesFingerprint(fingerprint) {
		// a request for a key we do not hold is a precondition failure, not
		// a signable outcome
		return nil, nil, kr.Error(err, kr.KeyNotFound, "request names an unknown key fingerprint")
	}

	var verified *keys.VerifiedHostAuth
	if inSign.HostAuth != nil {
		if verified, err = keys.VerifyHostAuth(inSign.HostAuth, inSign.SessionID); err != nil {
			verified = nil
		}
	}

	var result auditlog.Result
	var respBody wire.SSHSignResponse

	signature, signErr := s.sshOutcome(inSign, verified, inAllowed)
	switch {
	case signErr == nil:
		respBody.Signature = signature
		result = auditlog.SignatureResult(signature)

	default:
		respBody.Error = signErr.Error()

		var mismatch *keys.HostMismatchError
		if asMismatch, ok := signErr.(*keys.HostMismatchError); ok {
			mismatch = asMismatch
		}
		switch {
		case mismatch != nil:
			result = auditlog.HostMismatchResult([][]byte{mismatch.ExpectedPublicKey})
		case signErr.Error() == UserRejectedMessage:
			result = auditlog.RejectedResult()
		default:
			result = auditlog.ErrorResult(signErr)
		}
	}

	sshLog := &auditlog.SSHLog{
		User:        inSign.User,
		SessionData: inSign.SessionID,
		Result:      result,
	}
	if verified != nil {
		sshLog.HostAuthorization = &auditlog.HostAuthorization{
			Host:      verified.HostName,
			PublicKey: verified.HostKey,
			Signature: verified.Signature,
		}
	}

	return respBody, &auditlog.Statement{SSH: sshLog}, nil
}

// sshOutcome runs the allow check, host validation, and the one signing call.
func (s *Silo) sshOutcome(inSign *wire.SignRequest, inVerified *keys.VerifiedHostAuth, inAllowed bool) ([]byte, error) {
	if !inAllowed {
		return nil, userRejectedError{}
	}

	if inVerified != nil {
		// a team pin outranks the local table; a pinned-key mismatch there is
		// fatal to the whole operation
		if pinnedKeys, pinned := s.Teams.PinnedHostKeys(inVerified.HostName); pinned {
			if !containsKey(pinnedKeys, inVerified.HostKey) {
				return nil, &keys.HostMismatchError{
					HostName:          inVerified.HostName,
					ExpectedPublicKey: firstKey(pinnedKeys),
				}
			}
		} else if err := s.KnownHosts.CheckOrAdd(inVerified.HostName, inVerified.HostKey); err != nil {
			return nil, err
		}
	}

	// only place where an ssh signature happens
	return s.Keys.Sign(appendWirePublicKey(inSign.Data, s.Keys.PublicKeyWire()))
}

// appendWirePublicKey restores the public key field the workstation stripped
// from the userauth payload before signing.
func appendWirePublicKey(inData, inPublicKeyWire []byte) []byte {
	out := make([]byte, 0, len(inData)+4+len(inPublicKeyWire))
	out = append(out, inData...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(inPublicKeyWire)))
	out = append(out, lenBuf[:]...)
	out = append(out, inPublicKeyWire...)
	return out
}

func containsKey(inKeys [][]byte, inKey []byte) bool {
	for _, key := range inKeys {
		if len(key) == len(inKey) {
			match := true
			for i := range key {
				if key[i] != inKey[i] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

func firstKey(inKeys [][]byte) []byte {
	if len(inKeys) > 0 {
		return inKeys[0]
	}
	return nil
}

/*****************************************************
** git
**/

func (s *Silo) respondGit(inGit *wire.GitSignRequest, inAllowed bool) (wire.ResponseBody, *auditlog.Statement) {

	var respBody wire.GitSignResponse
	var result auditlog.Result

	signature, signErr := s.gitOutcome(inGit, inAllowed)
	switch {
	case signErr == nil:
		respBody.Signature = signature
		result = auditlog.SignatureResult(signature)
	case signErr.Error() == UserRejectedMessage:
		respBody.Error = UserRejectedMessage
		result = auditlog.RejectedResult()
	default:
		respBody.Error = signErr.Error()
		result = auditlog.ErrorResult(signErr)
	}

	stmt := &auditlog.Statement{}
	if inGit.Commit != nil {
		parents := inGit.Commit.MergeParents
		if len(inGit.Commit.Parent) > 0 {
			parents = append([][]byte{inGit.Commit.Parent}, parents...)
		}
		stmt.GitCommit = &auditlog.GitCommitLog{
			Tree:      inGit.Commit.Tree,
			Parents:   parents,
			Author:    inGit.Commit.Author,
			Committer: inGit.Commit.Committer,
			Message:   inGit.Commit.Message,
			Result:    result,
		}
	} else {
		stmt.GitTag = &auditlog.GitTagLog{
			Object:  inGit.Tag.Object,
			Tag:     inGit.Tag.Tag,
			Type:    inGit.Tag.Type,
			Tagger:  inGit.Tag.Tagger,
			Message: inGit.Tag.Message,
			Result:  result,
		}
	}

	return respBody, stmt
}

func (s *Silo) gitOutcome(inGit *wire.GitSignRequest, inAllowed bool) ([]byte, error) {
	if !inAllowed {
		return nil, userRejectedError{}
	}

	if err := s.PGP.UpdateUserID(inGit.UserID); err != nil {
		s.Warnf("pgp user id did not update: %v", err)
	}

	if inGit.Commit != nil {
		return s.PGP.SignCommit(inGit.Commit)
	}
	return s.PGP.SignTag(inGit.Tag)
}

/*****************************************************
** me / hosts
**/

// respondMe never fails: a workstation probing identity before any key
// material exists still deserves an answer.
func (s *Silo) respondMe(inMe *wire.MeRequest) (wire.ResponseBody, error) {

	me := wire.Me{
		Email:         s.Keys.Email(),
		PublicKeyWire: s.Keys.PublicKeyWire(),
	}

	if deviceID, err := s.U2F.DeviceIdentifier(); err == nil {
		me.DeviceID = deviceID
	}

	if inMe.U2FOnly {
		return wire.MeResponse{Me: me}, nil
	}

	if inMe.PGPUserID != nil {
		if err := s.PGP.UpdateUserID(*inMe.PGPUserID); err != nil {
			s.Warnf("pgp user id did not update: %v", err)
		}
		if armored, err := s.PGP.ArmoredPublicKey(); err == nil {
			me.PGPPublicKey = armored
		}
	}

	me.TeamCheckpoint = s.Teams.Checkpoint()

	return wire.MeResponse{Me: me}, nil
}

func (s *Silo) respondHosts(inAllowed bool) wire.ResponseBody {
	if !inAllowed {
		return wire.HostsResponse{Error: UserRejectedMessage}
	}

	hosts, err := s.AuditLog.DistinctUserAndHosts()
	if err != nil {
		return wire.HostsResponse{Error: err.Error()}
	}

	return wire.HostsResponse{
		PGPUserIDs: s.PGP.UserIDs(),
		Hosts:      hosts,
	}
}

/*****************************************************
** teams
**/

func (s *Silo) respondReadTeam(inRead *wire.ReadTeamRequest, inAllowed bool) (wire.ResponseBody, error) {
	if !s.Teams.HasIdentity() {
		return nil, kr.Error(nil, kr.NoTeamIdentity, "read team request without a team identity")
	}
	if !inAllowed {
		return wire.ReadTeamResponse{Error: UserRejectedMessage}, nil
	}

	signed, err := s.Teams.SignReadToken(inRead.PublicKey)
	if err != nil {
		return wire.ReadTeamResponse{Error: err.Error()}, nil
	}
	return wire.ReadTeamResponse{SignedMessage: signed}, nil
}

func (s *Silo) respondTeamOperation(inOp *wire.TeamOperationRequest, inAllowed bool) (wire.ResponseBody, error) {
	if !s.Teams.HasIdentity() {
		return nil, kr.Error(nil, kr.NoTeamIdentity, "team operation without a team identity")
	}
	if !inAllowed {
		return wire.TeamOperationResponse{Error: UserRejectedMessage}, nil
	}

	// commit-then-respond: AppendOperation persists the updated snapshot
	// before the reply is released
	reply, err := s.Teams.AppendOperation(context.Background(), inOp.Operation)
	if err != nil {
		return wire.TeamOperationResponse{Error: err.Error()}, nil
	}
	return wire.TeamOperationResponse{Reply: reply}, nil
}

func (s *Silo) respondLogDecryption(inDecrypt *wire.LogDecryptionRequest, inAllowed bool) (wire.ResponseBody, error) {
	if !s.Teams.HasIdentity() {
		return nil, kr.Error(nil, kr.NoTeamIdentity, "log decryption without a team identity")
	}
	if !inAllowed {
		return wire.LogDecryptionResponse{Error: UserRejectedMessage}, nil
	}

	key, err := s.Teams.UnwrapLogDecryptionKey(&inDecrypt.WrappedKey)
	if err != nil {
		return wire.LogDecryptionResponse{Error: err.Error()}, nil
	}
	return wire.LogDecryptionResponse{LogDecryptionKey: key}, nil
}

/*****************************************************
** u2f
**/

func (s *Silo) respondU2FRegister(inReg *wire.U2FRegisterRequest, inAllowed bool) (wire.ResponseBody, *auditlog.Statement) {

	u2fLog := &auditlog.U2FLog{AppID: inReg.AppID, Register: true}
	stmt := &auditlog.Statement{U2F: u2fLog}

	if !inAllowed {
		u2fLog.Result = auditlog.RejectedResult()
		return wire.U2FRegisterResponse{Error: UserRejectedMessage}, stmt
	}

	accountKey, keyHandle, err := s.U2F.Generate()
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FRegisterResponse{Error: err.Error()}, stmt
	}

	attestationCert, attestationKey, err := s.U2F.AttestationCertificate()
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FRegisterResponse{Error: err.Error()}, stmt
	}

	publicKey := keys.PublicKeyBytes(accountKey)
	signature, err := keys.SignASN1(attestationKey,
		keys.RegistrationSignatureData(inReg.AppID, inReg.Challenge, keyHandle, publicKey))
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FRegisterResponse{Error: err.Error()}, stmt
	}

	u2fLog.Result = auditlog.SignatureResult(signature)
	return wire.U2FRegisterResponse{
		PublicKey:       publicKey,
		KeyHandle:       keyHandle,
		AttestationCert: attestationCert,
		Signature:       signature,
	}, stmt
}

func (s *Silo) respondU2FAuthenticate(inAuth *wire.U2FAuthenticateRequest, inAllowed bool) (wire.ResponseBody, *auditlog.Statement) {

	u2fLog := &auditlog.U2FLog{AppID: inAuth.AppID, Authenticate: true}
	stmt := &auditlog.Statement{U2F: u2fLog}

	if !inAllowed {
		u2fLog.Result = auditlog.RejectedResult()
		return wire.U2FAuthenticateResponse{Error: UserRejectedMessage}, stmt
	}

	accountKey, err := s.U2F.KeyPair(inAuth.KeyHandle)
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FAuthenticateResponse{Error: err.Error()}, stmt
	}

	// the persisted increment happens before the counter value is signed, so
	// a crash cannot reissue a counter
	counter, err := s.U2F.FetchAndIncrementCounter(inAuth.KeyHandle)
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FAuthenticateResponse{Error: err.Error()}, stmt
	}

	signature, err := keys.SignASN1(accountKey,
		keys.AuthenticationSignatureData(inAuth.AppID, inAuth.Challenge, counter))
	if err != nil {
		u2fLog.Result = auditlog.ErrorResult(err)
		return wire.U2FAuthenticateResponse{Error: err.Error()}, stmt
	}

	u2fLog.Result = auditlog.SignatureResult(signature)
	return wire.U2FAuthenticateResponse{
		PublicKey: keys.PublicKeyBytes(accountKey),
		Counter:   counter,
		Signature: signature,
	}, stmt
}
