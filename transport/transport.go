// Package transport routes sealed traffic between paired workstations and
// the arbitration engine.  Media (bluetooth, websocket relay, queue polling)
// implement one capability contract; the router binds sessions to every
// registered medium and fans responses out across all of them, since the
// workstation's active channel is never known from this side.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// Medium is one communication channel implementation.  Lifecycle hooks may be
// no-ops for media that do not care.
type Medium interface {
	Name() string

	// Send delivers one framed message toward the session's workstation.
	Send(ctx context.Context, inMessage wire.NetworkMessage, inSession *session.Session) error

	// Add binds a session to the medium; Remove unbinds it, dropping any
	// in-flight buffers.
	Add(inSession *session.Session) error
	Remove(inSession *session.Session)

	// Refresh re-establishes the session's channel after staleness.
	Refresh(inSession *session.Session) error

	WillEnterForeground()
	WillEnterBackground()
}

// Handler is the single inbound entrypoint every medium feeds into.
type Handler interface {
	Handle(inRequest *wire.Request, inSession *session.Session, inMedium string) error
}

// Router multiplexes sessions across media.
type Router struct {
	kr.Logger

	registry *session.Registry
	handler  Handler

	mediaMutex sync.RWMutex
	media      []Medium

	activity *CommunicationActivity
}

// NewRouter returns a router over the given registry.  Media register via
// AddMedium; the handler attaches via SetHandler at assembly time.
func NewRouter(inRegistry *session.Registry) *Router {
	return &Router{
		Logger:   kr.NewLogger("transport"),
		registry: inRegistry,
		activity: newCommunicationActivity(),
	}
}

// SetHandler attaches the arbitration engine.
func (rt *Router) SetHandler(inHandler Handler) {
	rt.handler = inHandler
}

// AddMedium registers a medium and binds every live session to it.
func (rt *Router) AddMedium(inMedium Medium) {
	rt.mediaMutex.Lock()
	rt.media = append(rt.media, inMedium)
	rt.mediaMutex.Unlock()

	for _, sess := range rt.registry.All() {
		if err := inMedium.Add(sess); err != nil {
			rt.Warnf("session %v did not bind to %v: %v", sess.ID, inMedium.Name(), err)
		}
	}
}

func (rt *Router) eachMedium(inOp func(Medium)) {
	rt.mediaMutex.RLock()
	media := append([]Medium(nil), rt.media...)
	rt.mediaMutex.RUnlock()

	for _, m := range media {
		inOp(m)
	}
}

// Add binds a session to every medium.
func (rt *Router) Add(inSession *session.Session) {
	rt.eachMedium(func(m Medium) {
		if err := m.Add(inSession); err != nil {
			rt.Warnf("session %v did not bind to %v: %v", inSession.ID, m.Name(), err)
		}
	})
}

// Remove unbinds a session everywhere, optionally sending a final unpair
// response first.
func (rt *Router) Remove(inSession *session.Session, inSendUnpairResponse bool) {
	if inSendUnpairResponse {
		resp := wire.NewResponse("", "", wire.UnpairResponse{}, "")
		if err := rt.Send(resp, inSession); err != nil {
			rt.Warnf("unpair response did not send for session %v: %v", inSession.ID, err)
		}
	}

	rt.eachMedium(func(m Medium) {
		m.Remove(inSession)
	})
	rt.activity.forget(inSession.ID)
}

// Pair binds a fresh session to every medium and broadcasts its wrapped
// public key so the workstation can finish the handshake on whichever medium
// it hears first.
func (rt *Router) Pair(inSession *session.Session) error {
	wrapped, err := wire.WrapKey(&inSession.Pairing.PublicKey, &inSession.Pairing.WorkstationPublicKey)
	if err != nil {
		return err
	}
	msg := wire.NewNetworkMessage(wire.HeaderWrappedPublicKey, wrapped)

	rt.Add(inSession)

	delivered := false
	rt.eachMedium(func(m Medium) {
		if err := m.Send(context.Background(), msg, inSession); err != nil {
			rt.Infof(2, "wrapped key via %v failed for session %v: %v", m.Name(), inSession.ID, err)
			return
		}
		delivered = true
	})
	if !delivered {
		return kr.Errorf(nil, kr.MediumUnavailable, "wrapped key for session %v did not send", inSession.ID)
	}
	return nil
}

// WaitForPairing blocks until the workstation's first message arrives on any
// medium, or the context expires.
func (rt *Router) WaitForPairing(ctx context.Context, inSession *session.Session) bool {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if rt.activity.seen(inSession.ID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Send seals a response to the session and attempts delivery via every
// medium.  Delivery is best effort: one medium succeeding is success.
func (rt *Router) Send(inResponse *wire.Response, inSession *session.Session) error {
	plaintext, err := inResponse.Marshal()
	if err != nil {
		return err
	}

	sealed, err := wire.Seal(plaintext, &inSession.Pairing.WorkstationPublicKey, inSession.Pairing.PrivateKey())
	if err != nil {
		return err
	}
	msg := wire.NewNetworkMessage(wire.HeaderCiphertext, sealed)

	delivered := false
	rt.eachMedium(func(m Medium) {
		if err := m.Send(context.Background(), msg, inSession); err != nil {
			rt.Infof(2, "send via %v failed for session %v: %v", m.Name(), inSession.ID, err)
			return
		}
		delivered = true
	})

	if !delivered {
		return kr.Errorf(nil, kr.MediumUnavailable, "no medium delivered response %v", inResponse.RequestID)
	}
	return nil
}

// HandleCiphertext is the inbound path all media call: deframe, open, parse,
// and hand to the arbitration engine.  inQueue names the session's queue.
func (rt *Router) HandleCiphertext(inMediumName string, inQueue string, inWire []byte) error {

	sess := rt.registry.LookupByQueue(inQueue)
	if sess == nil {
		return kr.Errorf(nil, kr.SessionNotFound, "no session bound to queue %v", inQueue)
	}

	msg, err := wire.ParseNetworkMessage(inWire)
	if err != nil {
		return err
	}

	switch msg.Header {
	case wire.HeaderWrappedPublicKey:
		// pairing handshake retransmission; the pairing already exists, so
		// there is nothing to do beyond noting the workstation is alive
		rt.noteActivity(inMediumName, sess)
		return nil

	case wire.HeaderCiphertext:
	}

	plaintext, err := wire.Open(msg.Data, &sess.Pairing.WorkstationPublicKey, sess.Pairing.PrivateKey())
	if err != nil {
		return err
	}

	req, err := wire.ParseRequest(plaintext)
	if err != nil {
		return err
	}

	rt.noteActivity(inMediumName, sess)

	return rt.handler.Handle(req, sess, inMediumName)
}

// noteActivity records traffic on a medium and refreshes any medium that has
// gone quiet for the session while others kept talking.
func (rt *Router) noteActivity(inMediumName string, inSession *session.Session) {
	stale := rt.activity.touch(inSession.ID, inMediumName)

	for _, staleName := range stale {
		rt.eachMedium(func(m Medium) {
			if m.Name() != staleName {
				return
			}
			rt.Infof(1, "refreshing stale medium %v for session %v", staleName, inSession.ID)
			if err := m.Refresh(inSession); err != nil {
				rt.Warnf("refresh of %v failed: %v", staleName, err)
			}
		})
	}
}

// WillEnterForeground propagates the lifecycle hook to every medium.
func (rt *Router) WillEnterForeground() {
	rt.eachMedium(func(m Medium) { m.WillEnterForeground() })
}

// WillEnterBackground propagates the lifecycle hook to every medium.
func (rt *Router) WillEnterBackground() {
	rt.eachMedium(func(m Medium) { m.WillEnterBackground() })
}
