// Package redisq is the queue-polling medium: the workstation and agent meet
// at a pair of redis lists named after the session's queue.  It covers
// deployments with no relay and no bluetooth in range, trading latency for
// reach.
package redisq

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// MediumName identifies this adapter to the router.
const MediumName = "queue"

const (
	pollTimeout = 20 * time.Second

	// responseTTL bounds how long an undelivered response sits in redis.
	responseTTL = 30 * time.Minute
)

// Dispatcher is the inbound path out of the medium.  The transport router
// satisfies it.
type Dispatcher interface {
	HandleCiphertext(inMediumName string, inQueue string, inWire []byte) error
}

func requestKey(inQueue string) string {
	return "kr:" + inQueue + ":request"
}

func responseKey(inQueue string) string {
	return "kr:" + inQueue + ":response"
}

// Medium polls one redis list per session for inbound ciphertext and pushes
// responses to the paired list.  Payloads are base64 on the wire so redis
// tooling stays usable against the lists.
type Medium struct {
	kr.Logger

	client     redis.UniversalClient
	dispatcher Dispatcher

	mutex   sync.Mutex
	pollers map[string]context.CancelFunc
}

// NewMedium returns a queue medium over the given redis client.
func NewMedium(inClient redis.UniversalClient, inDispatcher Dispatcher) *Medium {
	return &Medium{
		Logger:     kr.NewLogger("redisq"),
		client:     inClient,
		dispatcher: inDispatcher,
		pollers:    make(map[string]context.CancelFunc),
	}
}

// Name implements transport.Medium.
func (m *Medium) Name() string {
	return MediumName
}

// Add implements transport.Medium: start the session's poll loop.
func (m *Medium) Add(inSession *session.Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.pollers[inSession.ID]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.pollers[inSession.ID] = cancel

	go m.poll(ctx, inSession.Pairing.Queue())
	return nil
}

// Remove implements transport.Medium: stop the session's poll loop.
func (m *Medium) Remove(inSession *session.Session) {
	m.mutex.Lock()
	if cancel := m.pollers[inSession.ID]; cancel != nil {
		cancel()
		delete(m.pollers, inSession.ID)
	}
	m.mutex.Unlock()
}

// Send implements transport.Medium: push the framed message onto the
// session's response list.
func (m *Medium) Send(ctx context.Context, inMessage wire.NetworkMessage, inSession *session.Session) error {
	queue := inSession.Pairing.Queue()
	payload := base64.StdEncoding.EncodeToString(inMessage.NetworkFormat())

	key := responseKey(queue)
	if err := m.client.LPush(ctx, key, payload).Err(); err != nil {
		return kr.Errorf(err, kr.MediumUnavailable, "response push failed for queue %v", queue)
	}
	if err := m.client.Expire(ctx, key, responseTTL).Err(); err != nil {
		m.Warnf("response list ttl did not set for queue %v: %v", queue, err)
	}
	return nil
}

// Refresh implements transport.Medium.  The poll loop reconnects on its own;
// nothing to do.
func (m *Medium) Refresh(inSession *session.Session) error {
	return nil
}

// WillEnterForeground implements transport.Medium.
func (m *Medium) WillEnterForeground() {}

// WillEnterBackground implements transport.Medium.  Polling continues; the
// blocking pop costs nothing while the list stays empty.
func (m *Medium) WillEnterBackground() {}

func (m *Medium) poll(ctx context.Context, inQueue string) {
	key := requestKey(inQueue)

	for ctx.Err() == nil {
		vals, err := m.client.BRPop(ctx, pollTimeout, key).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.Warnf("poll failed for queue %v: %v", inQueue, err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		// BRPop returns [key, value]
		if len(vals) != 2 {
			continue
		}

		buf, err := base64.StdEncoding.DecodeString(vals[1])
		if err != nil {
			m.Warnf("queue %v carried non-base64 payload: %v", inQueue, err)
			continue
		}

		if err = m.dispatcher.HandleCiphertext(MediumName, inQueue, buf); err != nil {
			m.Warnf("inbound queue message did not handle: %v", err)
		}
	}
}
