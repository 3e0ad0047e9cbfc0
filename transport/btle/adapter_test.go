package btle

import (
	"bytes"
	crypto_rand "crypto/rand"
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/session"
	"github.com/kryptco/krypton-go/vault"
	"github.com/kryptco/krypton-go/wire"
)

// fakePeripheral is an in-memory GATT stack.
type fakePeripheral struct {
	sync.Mutex

	delegate Delegate

	poweredOn   bool
	services    map[uuid.UUID]bool
	advertised  []uuid.UUID
	writes      map[uuid.UUID][][]byte
	acceptCount int
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		poweredOn:   true,
		services:    make(map[uuid.UUID]bool),
		writes:      make(map[uuid.UUID][][]byte),
		acceptCount: -1, // unlimited
	}
}

func (fp *fakePeripheral) PoweredOn() bool { return fp.poweredOn }

func (fp *fakePeripheral) AddService(inServiceUUID, inCharacteristicUUID uuid.UUID) error {
	fp.Lock()
	fp.services[inServiceUUID] = true
	fp.Unlock()
	return nil
}

func (fp *fakePeripheral) RemoveService(inServiceUUID uuid.UUID) {
	fp.Lock()
	delete(fp.services, inServiceUUID)
	fp.Unlock()
}

func (fp *fakePeripheral) StartAdvertising(inServiceUUID uuid.UUID) error {
	fp.Lock()
	fp.advertised = append(fp.advertised, inServiceUUID)
	fp.Unlock()
	return nil
}

func (fp *fakePeripheral) StopAdvertising() {}

func (fp *fakePeripheral) UpdateValue(inServiceUUID uuid.UUID, inChunk []byte) bool {
	fp.Lock()
	defer fp.Unlock()
	if fp.acceptCount == 0 {
		return false
	}
	if fp.acceptCount > 0 {
		fp.acceptCount--
	}
	fp.writes[inServiceUUID] = append(fp.writes[inServiceUUID], append([]byte(nil), inChunk...))
	return true
}

func (fp *fakePeripheral) SetDelegate(inDelegate Delegate) {
	fp.delegate = inDelegate
}

func (fp *fakePeripheral) chunkCount(inServiceUUID uuid.UUID) int {
	fp.Lock()
	defer fp.Unlock()
	return len(fp.writes[inServiceUUID])
}

func (fp *fakePeripheral) lastAdvertised() (uuid.UUID, bool) {
	fp.Lock()
	defer fp.Unlock()
	if len(fp.advertised) == 0 {
		return uuid.UUID{}, false
	}
	return fp.advertised[len(fp.advertised)-1], true
}

// captureDispatcher records reassembled messages and whether the adapter can
// be reentered during dispatch.
type captureDispatcher struct {
	adapter *Adapter

	messages [][]byte
	queues   []string

	reenterSession *session.Session
	reenterErr     error
}

func (cd *captureDispatcher) HandleCiphertext(inMediumName, inQueue string, inWire []byte) error {
	cd.messages = append(cd.messages, inWire)
	cd.queues = append(cd.queues, inQueue)

	// the adapter contract: its lock is not held here, so sending a response
	// from within the dispatch must not deadlock
	if cd.reenterSession != nil {
		msg := wire.NewNetworkMessage(wire.HeaderCiphertext, []byte("reply"))
		cd.reenterErr = cd.adapter.Send(context.Background(), msg, cd.reenterSession)
	}
	return nil
}

func newTestSession(t *testing.T) *session.Session {
	v := vault.NewMemoryVault()

	var wpk [32]byte
	if _, err := crypto_rand.Read(wpk[:]); err != nil {
		t.Fatal(err)
	}
	pairing, err := session.NewPairing(v, "work.local", wpk, kr.CurrentVersion, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := session.NewSession(pairing)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestInboundReassemblyAndDispatch(t *testing.T) {

	fp := newFakePeripheral()
	cd := &captureDispatcher{}
	adapter := NewAdapter(fp, cd)
	cd.adapter = adapter

	sess := newTestSession(t)
	if err := adapter.Add(sess); err != nil {
		t.Fatal(err)
	}
	serviceUUID := sess.Pairing.UUID()
	fp.delegate.CentralSubscribed(serviceUUID)

	// reentrancy check: the dispatcher sends a response mid-dispatch
	cd.reenterSession = sess

	message := make([]byte, 700)
	crypto_rand.Read(message)
	chunks, err := SplitBlocks(message, DefaultMTU)
	if err != nil {
		t.Fatal(err)
	}
	for _, chunk := range chunks {
		fp.delegate.DidReceiveWrite(serviceUUID, chunk)
	}

	if len(cd.messages) != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", len(cd.messages))
	}
	if !bytes.Equal(cd.messages[0], message) {
		t.Fatal("dispatched message differs from original")
	}
	if cd.queues[0] != sess.Pairing.Queue() {
		t.Fatalf("dispatched under queue %q", cd.queues[0])
	}
	if cd.reenterErr != nil {
		t.Fatalf("reentrant send failed: %v", cd.reenterErr)
	}
	if fp.chunkCount(serviceUUID) == 0 {
		t.Fatal("reentrant send wrote nothing")
	}
}

func TestPreSubscribeBufferBounded(t *testing.T) {

	fp := newFakePeripheral()
	cd := &captureDispatcher{}
	adapter := NewAdapter(fp, cd)

	sess := newTestSession(t)
	if err := adapter.Add(sess); err != nil {
		t.Fatal(err)
	}
	serviceUUID := sess.Pairing.UUID()

	// no central yet: messages buffer, oldest dropped beyond the limit
	for i := 0; i < preSubscribeBufferLimit+3; i++ {
		msg := wire.NewNetworkMessage(wire.HeaderCiphertext, []byte{byte(i)})
		if err := adapter.Send(context.Background(), msg, sess); err != nil {
			t.Fatal(err)
		}
	}
	if fp.chunkCount(serviceUUID) != 0 {
		t.Fatal("wrote to characteristic with no subscriber")
	}

	fp.delegate.ReadyToUpdateSubscribers()
	fp.delegate.CentralSubscribed(serviceUUID)

	chunks := fp.chunkCount(serviceUUID)
	if chunks != preSubscribeBufferLimit {
		t.Fatalf("expected %d replayed chunks, got %d", preSubscribeBufferLimit, chunks)
	}

	// the oldest messages were dropped: the first replayed payload is #3
	fp.Lock()
	first := fp.writes[serviceUUID][0]
	fp.Unlock()
	// chunk = countdown byte, header byte, payload byte
	if first[2] != 3 {
		t.Fatalf("first replayed payload is %d, want 3", first[2])
	}
}

func TestAdvertisingExcludesSubscribedServices(t *testing.T) {

	fp := newFakePeripheral()
	adapter := NewAdapter(fp, &captureDispatcher{})

	sessA := newTestSession(t)
	sessB := newTestSession(t)
	if err := adapter.Add(sessA); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Add(sessB); err != nil {
		t.Fatal(err)
	}

	// subscribing A forces the rotation onto B
	fp.delegate.CentralSubscribed(sessA.Pairing.UUID())

	last, ok := fp.lastAdvertised()
	if !ok {
		t.Fatal("nothing advertised")
	}
	if last != sessB.Pairing.UUID() {
		t.Fatalf("advertising %v while only %v is unsubscribed", last, sessB.Pairing.UUID())
	}

	// with both subscribed there is nothing left to advertise
	before := len(fp.advertised)
	fp.delegate.CentralSubscribed(sessB.Pairing.UUID())
	if len(fp.advertised) != before {
		t.Fatal("advertised a fully subscribed service set")
	}
}

func TestWriteQueueWaitsForReadiness(t *testing.T) {

	fp := newFakePeripheral()
	adapter := NewAdapter(fp, &captureDispatcher{})

	sess := newTestSession(t)
	if err := adapter.Add(sess); err != nil {
		t.Fatal(err)
	}
	serviceUUID := sess.Pairing.UUID()
	fp.delegate.CentralSubscribed(serviceUUID)

	message := make([]byte, 450)
	crypto_rand.Read(message)
	wantChunks, err := SplitBlocks(wire.NewNetworkMessage(wire.HeaderCiphertext, message).NetworkFormat(), DefaultMTU)
	if err != nil {
		t.Fatal(err)
	}

	// the stack accepts two chunks then reports its queue full
	fp.Lock()
	fp.acceptCount = 2
	fp.Unlock()

	msg := wire.NewNetworkMessage(wire.HeaderCiphertext, message)
	if err = adapter.Send(context.Background(), msg, sess); err != nil {
		t.Fatal(err)
	}
	if fp.chunkCount(serviceUUID) != 2 {
		t.Fatalf("expected 2 chunks before backpressure, got %d", fp.chunkCount(serviceUUID))
	}

	// readiness drains the rest
	fp.Lock()
	fp.acceptCount = -1
	fp.Unlock()
	fp.delegate.ReadyToUpdateSubscribers()

	if fp.chunkCount(serviceUUID) != len(wantChunks) {
		t.Fatalf("expected %d chunks after drain, got %d", len(wantChunks), fp.chunkCount(serviceUUID))
	}
}
