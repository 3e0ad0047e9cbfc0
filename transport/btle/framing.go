// Package btle is the bluetooth GATT peripheral medium: one service per
// pairing, one fixed characteristic, and a block-countdown framing protocol
// sized for tiny characteristic MTUs.
package btle

import (
	"github.com/kryptco/krypton-go/kr"
)

// DefaultMTU is the characteristic write size assumed for splitting.
const DefaultMTU = 100

// Control bytes travel as bare single-byte writes, outside the countdown
// framing.
const (
	ControlByteDisconnect byte = 0x00
	ControlBytePing       byte = 0x01
)

// maxBlocks is bounded by the one-byte countdown prefix.
const maxBlocks = 256

// SplitBlocks splits a message into chunks of at most inMTU-1 payload bytes.
// Each chunk is prefixed with a countdown byte: the first chunk carries
// blocks-1, the last carries 0.
func SplitBlocks(inMessage []byte, inMTU int) ([][]byte, error) {
	if inMTU < 2 {
		return nil, kr.Errorf(nil, kr.AssertFailed, "mtu %d leaves no payload room", inMTU)
	}

	payloadSize := inMTU - 1
	blocks := (len(inMessage) + payloadSize - 1) / payloadSize
	if blocks == 0 {
		blocks = 1
	}
	if blocks > maxBlocks {
		return nil, kr.Errorf(nil, kr.MessageTooLong, "message needs %d blocks, max %d", blocks, maxBlocks)
	}

	out := make([][]byte, 0, blocks)
	for i := 0; i < blocks; i++ {
		start := i * payloadSize
		end := start + payloadSize
		if end > len(inMessage) {
			end = len(inMessage)
		}

		chunk := make([]byte, 0, 1+end-start)
		chunk = append(chunk, byte(blocks-1-i))
		chunk = append(chunk, inMessage[start:end]...)
		out = append(out, chunk)
	}
	return out, nil
}

// Assembler reassembles one message from countdown-framed chunks.  Chunks
// must arrive with a strictly decrementing countdown; any violation restarts
// the buffer with the offending chunk as a fresh first block.  The zero value
// is ready to use.
type Assembler struct {
	buf       []byte
	lastCount int
	active    bool
}

// Accept consumes one chunk.  It returns the complete message when the chunk
// carries countdown 0, else nil.
func (a *Assembler) Accept(inChunk []byte) []byte {
	if len(inChunk) == 0 {
		return nil
	}

	count := int(inChunk[0])
	payload := inChunk[1:]

	if a.active && count == a.lastCount-1 {
		a.buf = append(a.buf, payload...)
	} else {
		// out-of-sequence chunk: restart with it as the new first block
		a.buf = append(a.buf[:0], payload...)
	}
	a.lastCount = count
	a.active = true

	if count != 0 {
		return nil
	}

	message := append(make([]byte, 0, len(a.buf)), a.buf...)
	a.Reset()
	return message
}

// Reset drops any partial message.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.lastCount = 0
	a.active = false
}
