package btle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/wire"
)

// MediumName identifies this adapter to the router.
const MediumName = "bluetooth"

// CharacteristicUUID is the fixed characteristic every session service
// exposes.  Workstations discover it by this value; never change it.
var CharacteristicUUID = uuid.MustParse("20F53E48-C08D-423A-B2C2-1C797889AF24")

const (
	// advertiseRotateInterval paces the round-robin over unsubscribed
	// service UUIDs.
	advertiseRotateInterval = 2 * time.Second

	// preSubscribeBufferLimit bounds how many whole messages are held for a
	// service with no subscribed central yet.  Oldest dropped first.
	preSubscribeBufferLimit = 5
)

// Dispatcher is the inbound path out of the adapter.  The transport router
// satisfies it.
type Dispatcher interface {
	HandleCiphertext(inMediumName string, inQueue string, inWire []byte) error
}

type queuedChunk struct {
	serviceUUID uuid.UUID
	chunk       []byte
}

// Adapter is the bluetooth peripheral medium.  One GATT service per session,
// service UUID derived from the pairing.
//
// Everything mutable lives under one lock.  The single unlocked window is the
// dispatch of a fully reassembled message into the router: the router calls
// straight into the arbitration engine, which may call back into this adapter
// to send the response, so holding the lock across dispatch would deadlock.
type Adapter struct {
	kr.Logger

	manager    PeripheralManager
	dispatcher Dispatcher

	mutex sync.Mutex

	sessionsByService map[uuid.UUID]*session.Session
	allServices       []uuid.UUID
	subscribed        map[uuid.UUID]bool

	advertised    uuid.UUID
	isAdvertising bool
	rotateEpoch   int

	assemblers   map[uuid.UUID]*Assembler
	writeQueue   []queuedChunk
	preSubscribe map[uuid.UUID][][]byte
	ready        bool
}

// NewAdapter wires the adapter to a peripheral stack and the inbound
// dispatcher.  It registers itself as the stack's delegate.
func NewAdapter(inManager PeripheralManager, inDispatcher Dispatcher) *Adapter {
	a := &Adapter{
		Logger:            kr.NewLogger("btle"),
		manager:           inManager,
		dispatcher:        inDispatcher,
		sessionsByService: make(map[uuid.UUID]*session.Session),
		subscribed:        make(map[uuid.UUID]bool),
		assemblers:        make(map[uuid.UUID]*Assembler),
		preSubscribe:      make(map[uuid.UUID][][]byte),
		ready:             true,
	}
	inManager.SetDelegate(a)
	return a
}

// Name implements transport.Medium.
func (a *Adapter) Name() string {
	return MediumName
}

/*****************************************************
** transport.Medium
**/

// Add publishes a service for the session and folds it into the advertising
// rotation.
func (a *Adapter) Add(inSession *session.Session) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	serviceUUID := inSession.Pairing.UUID()
	if _, exists := a.sessionsByService[serviceUUID]; exists {
		return nil
	}

	a.sessionsByService[serviceUUID] = inSession
	a.allServices = append(a.allServices, serviceUUID)
	a.assemblers[serviceUUID] = &Assembler{}
	a.Infof(1, "added service %v for session %v", serviceUUID, inSession.ID)

	a.publishServicesLocked()
	a.advertiseLocked()
	return nil
}

// Remove unpublishes the session's service and drops all state for it.
func (a *Adapter) Remove(inSession *session.Session) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	serviceUUID := inSession.Pairing.UUID()
	if _, exists := a.sessionsByService[serviceUUID]; !exists {
		return
	}

	delete(a.sessionsByService, serviceUUID)
	delete(a.subscribed, serviceUUID)
	delete(a.assemblers, serviceUUID)
	delete(a.preSubscribe, serviceUUID)

	for i, svc := range a.allServices {
		if svc == serviceUUID {
			a.allServices = append(a.allServices[:i], a.allServices[i+1:]...)
			break
		}
	}

	kept := a.writeQueue[:0]
	for _, qc := range a.writeQueue {
		if qc.serviceUUID != serviceUUID {
			kept = append(kept, qc)
		}
	}
	a.writeQueue = kept

	a.manager.RemoveService(serviceUUID)
	a.advertiseLocked()
}

// Send frames the message and queues its chunks toward the session's
// characteristic.  With no central subscribed yet, the whole message is
// buffered for replay on first subscription.
func (a *Adapter) Send(ctx context.Context, inMessage wire.NetworkMessage, inSession *session.Session) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	serviceUUID := inSession.Pairing.UUID()
	if _, exists := a.sessionsByService[serviceUUID]; !exists {
		return kr.Errorf(nil, kr.SessionNotFound, "session %v has no bluetooth service", inSession.ID)
	}

	data := inMessage.NetworkFormat()

	if !a.subscribed[serviceUUID] {
		buffered := append(a.preSubscribe[serviceUUID], data)
		if len(buffered) > preSubscribeBufferLimit {
			buffered = buffered[len(buffered)-preSubscribeBufferLimit:]
		}
		a.preSubscribe[serviceUUID] = buffered
		a.Infof(2, "buffered message for unsubscribed service %v", serviceUUID)
		return nil
	}

	return a.enqueueMessageLocked(serviceUUID, data)
}

func (a *Adapter) enqueueMessageLocked(inServiceUUID uuid.UUID, inData []byte) error {
	chunks, err := SplitBlocks(inData, DefaultMTU)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		a.writeQueue = append(a.writeQueue, queuedChunk{serviceUUID: inServiceUUID, chunk: chunk})
	}
	a.processWriteQueueLocked()
	return nil
}

// Refresh restarts advertising so a workstation whose central silently
// dropped the link can reconnect.
func (a *Adapter) Refresh(inSession *session.Session) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	serviceUUID := inSession.Pairing.UUID()
	delete(a.subscribed, serviceUUID)
	if asm := a.assemblers[serviceUUID]; asm != nil {
		asm.Reset()
	}

	a.manager.StopAdvertising()
	a.isAdvertising = false
	a.advertiseLocked()
	return nil
}

// WillEnterForeground re-evaluates advertising; the radio may have been idled.
func (a *Adapter) WillEnterForeground() {
	a.mutex.Lock()
	a.publishServicesLocked()
	a.advertiseLocked()
	a.mutex.Unlock()
}

// WillEnterBackground is a no-op: the peripheral keeps advertising in the
// background.
func (a *Adapter) WillEnterBackground() {}

/*****************************************************
** Advertising rotation
**
** Only one service UUID can be advertised at a time, so the adapter cycles
** through the services that do not yet have a subscribed central.  Each
** scheduled rotation carries the epoch it was scheduled under; any state
** change bumps the epoch, cancelling stragglers.
**/

func (a *Adapter) publishServicesLocked() {
	if !a.manager.PoweredOn() {
		return
	}
	for _, svc := range a.allServices {
		if err := a.manager.AddService(svc, CharacteristicUUID); err != nil {
			a.Warnf("service %v did not publish: %v", svc, err)
		}
	}
}

// rotationOrderLocked lists services eligible for advertising: everything
// without a subscribed central.
func (a *Adapter) rotationOrderLocked() []uuid.UUID {
	var order []uuid.UUID
	for _, svc := range a.allServices {
		if !a.subscribed[svc] {
			order = append(order, svc)
		}
	}
	return order
}

func (a *Adapter) advertiseLocked() {
	if !a.manager.PoweredOn() {
		return
	}

	order := a.rotationOrderLocked()
	if len(order) == 0 {
		if a.isAdvertising {
			a.manager.StopAdvertising()
			a.isAdvertising = false
		}
		a.rotateEpoch++
		return
	}

	current := -1
	for i, svc := range order {
		if a.isAdvertising && svc == a.advertised {
			current = i
			break
		}
	}
	if current < 0 {
		a.startAdvertisingLocked(order[0])
	}

	a.scheduleRotationLocked()
}

func (a *Adapter) startAdvertisingLocked(inServiceUUID uuid.UUID) {
	a.manager.StopAdvertising()
	if err := a.manager.StartAdvertising(inServiceUUID); err != nil {
		a.Warnf("advertising %v failed: %v", inServiceUUID, err)
		a.isAdvertising = false
		return
	}
	a.advertised = inServiceUUID
	a.isAdvertising = true
	a.Infof(2, "advertising %v", inServiceUUID)
}

func (a *Adapter) scheduleRotationLocked() {
	a.rotateEpoch++
	epoch := a.rotateEpoch

	time.AfterFunc(advertiseRotateInterval, func() {
		a.mutex.Lock()
		a.rotateLocked(epoch)
		a.mutex.Unlock()
	})
}

func (a *Adapter) rotateLocked(inEpoch int) {
	if inEpoch != a.rotateEpoch {
		return
	}

	order := a.rotationOrderLocked()
	if len(order) == 0 {
		return
	}

	next := order[0]
	for i, svc := range order {
		if svc == a.advertised {
			next = order[(i+1)%len(order)]
			break
		}
	}

	a.startAdvertisingLocked(next)
	a.scheduleRotationLocked()
}

/*****************************************************
** Delegate
**/

// PeripheralStateChanged implements Delegate.
func (a *Adapter) PeripheralStateChanged(inPoweredOn bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !inPoweredOn {
		// the stack drops the gatt database with the radio; rebuild on power up
		a.subscribed = make(map[uuid.UUID]bool)
		a.isAdvertising = false
		a.ready = false
		for _, asm := range a.assemblers {
			asm.Reset()
		}
		a.writeQueue = nil
		return
	}

	a.ready = true
	a.publishServicesLocked()
	a.advertiseLocked()
}

// CentralSubscribed implements Delegate: the service leaves the advertising
// rotation and any buffered messages replay.
func (a *Adapter) CentralSubscribed(inServiceUUID uuid.UUID) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.subscribed[inServiceUUID] = true

	buffered := a.preSubscribe[inServiceUUID]
	delete(a.preSubscribe, inServiceUUID)
	for _, data := range buffered {
		if err := a.enqueueMessageLocked(inServiceUUID, data); err != nil {
			a.Warnf("buffered message did not enqueue for %v: %v", inServiceUUID, err)
		}
	}

	a.advertiseLocked()
}

// CentralUnsubscribed implements Delegate: the service rejoins the rotation.
func (a *Adapter) CentralUnsubscribed(inServiceUUID uuid.UUID) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	delete(a.subscribed, inServiceUUID)
	if asm := a.assemblers[inServiceUUID]; asm != nil {
		asm.Reset()
	}
	a.advertiseLocked()
}

// DidReceiveWrite implements Delegate: control bytes and countdown framing.
// A complete message dispatches into the router with the adapter lock
// dropped; the router's handling can synchronously call Send on this adapter.
func (a *Adapter) DidReceiveWrite(inServiceUUID uuid.UUID, inData []byte) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	sess := a.sessionsByService[inServiceUUID]
	if sess == nil {
		a.Warnf("write for unknown service %v", inServiceUUID)
		return
	}

	if len(inData) == 1 {
		switch inData[0] {
		case ControlByteDisconnect:
			a.Infof(1, "central disconnect signal on %v", inServiceUUID)
			if asm := a.assemblers[inServiceUUID]; asm != nil {
				asm.Reset()
			}
			return
		case ControlBytePing:
			a.writeQueue = append(a.writeQueue, queuedChunk{
				serviceUUID: inServiceUUID,
				chunk:       []byte{ControlBytePing},
			})
			a.processWriteQueueLocked()
			return
		}
	}

	asm := a.assemblers[inServiceUUID]
	if asm == nil {
		asm = &Assembler{}
		a.assemblers[inServiceUUID] = asm
	}

	message := asm.Accept(inData)
	if message == nil {
		return
	}

	queue := sess.Pairing.Queue()

	// never hold the adapter lock while calling into the router
	a.mutex.Unlock()
	err := a.dispatcher.HandleCiphertext(MediumName, queue, message)
	a.mutex.Lock()

	if err != nil {
		a.Warnf("inbound message on %v did not handle: %v", inServiceUUID, err)
	}
}

// ReadyToUpdateSubscribers implements Delegate: the transmit queue drained.
func (a *Adapter) ReadyToUpdateSubscribers() {
	a.mutex.Lock()
	a.ready = true
	a.processWriteQueueLocked()
	a.mutex.Unlock()
}

// processWriteQueueLocked flushes queued chunks while the stack accepts them.
// Chunks for services that lost their subscribers are dropped.
func (a *Adapter) processWriteQueueLocked() {
	if !a.manager.PoweredOn() {
		return
	}

	for a.ready && len(a.writeQueue) > 0 {
		qc := a.writeQueue[0]

		if !a.subscribed[qc.serviceUUID] {
			a.writeQueue = a.writeQueue[1:]
			continue
		}

		a.ready = a.manager.UpdateValue(qc.serviceUUID, qc.chunk)
		if a.ready {
			a.writeQueue = a.writeQueue[1:]
		}
	}
}
