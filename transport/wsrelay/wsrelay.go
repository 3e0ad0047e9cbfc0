// Package wsrelay is the websocket relay medium: one long-lived socket per
// session, connected to the relay under the session's queue name.  The relay
// forwards whatever the workstation enqueues; framing is the shared network
// message format with no extra chunking.
package wsrelay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// MediumName identifies this adapter to the router.
const MediumName = "websocket"

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	readDeadline  = 2 * pingInterval
	redialBackoff = 5 * time.Second
)

// Dispatcher is the inbound path out of the medium.  The transport router
// satisfies it.
type Dispatcher interface {
	HandleCiphertext(inMediumName string, inQueue string, inWire []byte) error
}

type relayConn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	cancel context.CancelFunc
}

// Medium maintains one relay socket per session.
type Medium struct {
	kr.Logger

	relayURL   string
	dispatcher Dispatcher

	mutex sync.Mutex
	conns map[string]*relayConn

	foregrounded bool
}

// NewMedium returns a websocket relay medium dialing the given base URL.
// The per-session endpoint is relayURL + "/" + queue.
func NewMedium(inRelayURL string, inDispatcher Dispatcher) *Medium {
	return &Medium{
		Logger:       kr.NewLogger("wsrelay"),
		relayURL:     inRelayURL,
		dispatcher:   inDispatcher,
		conns:        make(map[string]*relayConn),
		foregrounded: true,
	}
}

// Name implements transport.Medium.
func (m *Medium) Name() string {
	return MediumName
}

// Add implements transport.Medium: dial the relay for the session's queue.
func (m *Medium) Add(inSession *session.Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.foregrounded {
		return nil
	}
	return m.connectLocked(inSession)
}

// connectLocked dials and starts the pumps.  An existing socket for the
// session is torn down first.
func (m *Medium) connectLocked(inSession *session.Session) error {
	if existing := m.conns[inSession.ID]; existing != nil {
		m.teardownLocked(inSession.ID, existing)
	}

	queue := inSession.Pairing.Queue()
	endpoint := m.relayURL + "/" + queue

	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return kr.Errorf(err, kr.MediumUnavailable, "relay dial failed for queue %v", queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc := &relayConn{
		ws:     ws,
		sendCh: make(chan []byte, 16),
		cancel: cancel,
	}
	m.conns[inSession.ID] = rc

	go m.readPump(ctx, rc, inSession, queue)
	go m.writePump(ctx, rc)

	m.Infof(1, "connected to relay for queue %v", queue)
	return nil
}

func (m *Medium) teardownLocked(inSessionID string, inConn *relayConn) {
	inConn.cancel()
	inConn.ws.Close()
	delete(m.conns, inSessionID)
}

// Remove implements transport.Medium.
func (m *Medium) Remove(inSession *session.Session) {
	m.mutex.Lock()
	if rc := m.conns[inSession.ID]; rc != nil {
		m.teardownLocked(inSession.ID, rc)
	}
	m.mutex.Unlock()
}

// Send implements transport.Medium: enqueue the framed message on the
// session's socket.
func (m *Medium) Send(ctx context.Context, inMessage wire.NetworkMessage, inSession *session.Session) error {
	m.mutex.Lock()
	rc := m.conns[inSession.ID]
	m.mutex.Unlock()

	if rc == nil {
		return kr.Errorf(nil, kr.MediumUnavailable, "no relay socket for session %v", inSession.ID)
	}

	select {
	case rc.sendCh <- inMessage.NetworkFormat():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return kr.Errorf(nil, kr.MediumUnavailable, "relay send buffer full for session %v", inSession.ID)
	}
}

// Refresh implements transport.Medium: reconnect the session's socket.
func (m *Medium) Refresh(inSession *session.Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connectLocked(inSession)
}

// WillEnterForeground implements transport.Medium.  Sockets are re-dialed by
// the router's staleness refresh; here we only flip the gate back open.
func (m *Medium) WillEnterForeground() {
	m.mutex.Lock()
	m.foregrounded = true
	m.mutex.Unlock()
}

// WillEnterBackground implements transport.Medium: long-lived sockets do not
// survive suspension, so close them deliberately.
func (m *Medium) WillEnterBackground() {
	m.mutex.Lock()
	m.foregrounded = false
	for id, rc := range m.conns {
		m.teardownLocked(id, rc)
	}
	m.mutex.Unlock()
}

func (m *Medium) readPump(ctx context.Context, inConn *relayConn, inSession *session.Session, inQueue string) {
	defer func() {
		m.mutex.Lock()
		if m.conns[inSession.ID] == inConn {
			m.teardownLocked(inSession.ID, inConn)
		}
		m.mutex.Unlock()
	}()

	inConn.ws.SetReadDeadline(time.Now().Add(readDeadline))
	inConn.ws.SetPongHandler(func(string) error {
		inConn.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		msgType, buf, err := inConn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.Infof(1, "relay socket closed for queue %v: %v", inQueue, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if err = m.dispatcher.HandleCiphertext(MediumName, inQueue, buf); err != nil {
			m.Warnf("inbound relay message did not handle: %v", err)
		}
	}
}

func (m *Medium) writePump(ctx context.Context, inConn *relayConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case buf := <-inConn.sendCh:
			inConn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := inConn.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				m.Warnf("relay write failed: %v", err)
				inConn.cancel()
				return
			}

		case <-ticker.C:
			inConn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := inConn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				inConn.cancel()
				return
			}
		}
	}
}
