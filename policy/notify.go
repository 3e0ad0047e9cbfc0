package policy

import (
	"github.com/kryptco/krypton-go/wire"
)

// Notification categories select the action buttons an approval prompt
// carries.  The workstation never sees these; they drive local UI only.
const (
	CategoryAutoAuthorized         = "auto_authorized"
	CategoryAuthorize              = "authorize"
	CategoryAuthorizeWithTemporal  = "authorize_temporal"
	CategoryAuthorizeTeamOperation = "authorize_team_operation"
)

// NotificationCategory maps a request and its decision path to the prompt
// category shown for it.
func NotificationCategory(inRequest *wire.Request, inAutoApproved bool) string {
	if inAutoApproved {
		return CategoryAutoAuthorized
	}

	switch inRequest.Body.(type) {
	case wire.SignRequest, wire.GitSignRequest, wire.U2FAuthenticateRequest:
		// signature prompts offer the timed "don't ask again" actions
		return CategoryAuthorizeWithTemporal
	case wire.TeamOperationRequest, wire.ReadTeamRequest, wire.LogDecryptionRequest:
		return CategoryAuthorizeTeamOperation
	}
	return CategoryAuthorize
}
