package transport

import (
	"sync"

	"github.com/kryptco/krypton-go/kr"
)

// CommunicationActivity tracks, per session, when each medium last saw
// traffic.  A medium that stays quiet past the timeout while another medium
// talks is reported stale so the router can refresh it; bluetooth links in
// particular rot silently when the workstation roams.
type CommunicationActivity struct {
	sync.Mutex

	lastSeen map[string]map[string]int64
}

func newCommunicationActivity() *CommunicationActivity {
	return &CommunicationActivity{
		lastSeen: make(map[string]map[string]int64),
	}
}

// touch records traffic for (session, medium) and returns the names of media
// now considered stale for that session.
func (ca *CommunicationActivity) touch(inSessionID, inMediumName string) []string {
	ca.Lock()
	defer ca.Unlock()

	now := kr.Now()

	perMedium := ca.lastSeen[inSessionID]
	if perMedium == nil {
		perMedium = make(map[string]int64)
		ca.lastSeen[inSessionID] = perMedium
	}
	perMedium[inMediumName] = now

	var stale []string
	timeout := int64(kr.CommunicationActivityTimeout.Seconds())
	for name, seen := range perMedium {
		if name != inMediumName && now-seen > timeout {
			stale = append(stale, name)

			// one report per staleness episode
			perMedium[name] = now
		}
	}
	return stale
}

// seen reports whether any medium has observed traffic for the session.
func (ca *CommunicationActivity) seen(inSessionID string) bool {
	ca.Lock()
	defer ca.Unlock()
	return len(ca.lastSeen[inSessionID]) > 0
}

func (ca *CommunicationActivity) forget(inSessionID string) {
	ca.Lock()
	delete(ca.lastSeen, inSessionID)
	ca.Unlock()
}
