package btle

import (
	"github.com/google/uuid"
)

// PeripheralManager abstracts the platform GATT peripheral stack.  The
// adapter drives it through this interface and receives events through the
// Delegate it registers; a platform binding or a test fake sits behind it.
type PeripheralManager interface {

	// PoweredOn reports whether the radio is usable.
	PoweredOn() bool

	// AddService publishes a primary service with one characteristic.
	AddService(inServiceUUID, inCharacteristicUUID uuid.UUID) error

	// RemoveService unpublishes a service.
	RemoveService(inServiceUUID uuid.UUID)

	// StartAdvertising advertises exactly one service UUID.  Peripheral
	// stacks of this class cannot advertise more than one at a time.
	StartAdvertising(inServiceUUID uuid.UUID) error

	StopAdvertising()

	// UpdateValue pushes one chunk to the centrals subscribed to the
	// service's characteristic.  It returns false when the stack's transmit
	// queue is full; the caller retries after ReadyToUpdateSubscribers.
	UpdateValue(inServiceUUID uuid.UUID, inChunk []byte) bool

	// SetDelegate registers the event sink.  Call before anything else.
	SetDelegate(inDelegate Delegate)
}

// Delegate receives peripheral stack events.  Implementations must tolerate
// calls from the stack's own dispatch context.
type Delegate interface {
	PeripheralStateChanged(inPoweredOn bool)
	CentralSubscribed(inServiceUUID uuid.UUID)
	CentralUnsubscribed(inServiceUUID uuid.UUID)
	DidReceiveWrite(inServiceUUID uuid.UUID, inData []byte)
	ReadyToUpdateSubscribers()
}
