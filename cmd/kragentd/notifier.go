package main

import (
	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/policy"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// logNotifier surfaces approval prompts and outcomes on the log.  A headless
// daemon has no notification center; an operator watches the log and answers
// through the local control surface.
type logNotifier struct {
	kr.Logger
}

func newLogNotifier() *logNotifier {
	return &logNotifier{Logger: kr.NewLogger("notify")}
}

func (n *logNotifier) RequestUserAuthorization(inSession *session.Session, inRequest *wire.Request) {
	n.Infof(0, "[%v] approval needed for %v request %v from %v",
		policy.NotificationCategory(inRequest, false),
		inRequest.AnalyticsCategory(), inRequest.ID, inSession.Pairing.DisplayName())
}

func (n *logNotifier) NotifyApproved(inSession *session.Session, inRequest *wire.Request) {
	n.Infof(0, "approved %v request %v for %v",
		inRequest.AnalyticsCategory(), inRequest.ID, inSession.Pairing.DisplayName())
}

func (n *logNotifier) NotifyError(inSession *session.Session, inErrorMessage string) {
	n.Warnf("request for %v failed: %v", inSession.Pairing.DisplayName(), inErrorMessage)
}
