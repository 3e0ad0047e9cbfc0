package btle

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/kryptco/krypton-go/kr"
)

func TestSplitAndReassemble(t *testing.T) {

	rand.Seed(42)

	for _, size := range []int{0, 1, 98, 99, 100, 1000, 12345} {
		message := make([]byte, size)
		rand.Read(message)

		chunks, err := SplitBlocks(message, DefaultMTU)
		if err != nil {
			t.Fatal(err)
		}

		for _, chunk := range chunks {
			if len(chunk) > DefaultMTU {
				t.Fatalf("chunk of %d bytes exceeds mtu %d", len(chunk), DefaultMTU)
			}
		}

		asm := &Assembler{}
		var reassembled []byte
		for i, chunk := range chunks {
			out := asm.Accept(chunk)
			if i < len(chunks)-1 && out != nil {
				t.Fatalf("message completed early at chunk %d of %d", i, len(chunks))
			}
			if i == len(chunks)-1 {
				reassembled = out
			}
		}

		if reassembled == nil {
			t.Fatalf("size %d: no message after final chunk", size)
		}
		if !bytes.Equal(reassembled, message) {
			t.Fatalf("size %d: reassembled message differs from original", size)
		}
	}
}

func TestReassemblyResetsOnBadSequence(t *testing.T) {

	message := make([]byte, 500)
	rand.Read(message)

	chunks, err := SplitBlocks(message, DefaultMTU)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatal("test needs at least 3 chunks")
	}

	asm := &Assembler{}

	// feed the first chunk twice: the duplicate does not decrement, so the
	// buffer must restart rather than produce a corrupt message
	asm.Accept(chunks[0])
	asm.Accept(chunks[0])

	for i := 1; i < len(chunks)-1; i++ {
		if out := asm.Accept(chunks[i]); out != nil {
			t.Fatal("message completed early after sequence violation")
		}
	}
	out := asm.Accept(chunks[len(chunks)-1])
	if out == nil {
		t.Fatal("restarted sequence did not complete")
	}
	if !bytes.Equal(out, message) {
		t.Fatal("restarted sequence produced corrupt message")
	}

	// a lone final chunk after a gap must not emit the skipped payload
	asm.Reset()
	asm.Accept(chunks[0])
	out = asm.Accept(chunks[len(chunks)-1])
	if bytes.Equal(out, message) {
		t.Fatal("gapped sequence reproduced the full message")
	}
}

func TestOversizedMessageRejected(t *testing.T) {

	payloadSize := DefaultMTU - 1

	// exactly maxBlocks blocks is fine
	message := make([]byte, payloadSize*maxBlocks)
	if _, err := SplitBlocks(message, DefaultMTU); err != nil {
		t.Fatal(err)
	}

	// one byte more needs a 257th block
	message = append(message, 0x42)
	_, err := SplitBlocks(message, DefaultMTU)
	if !kr.IsError(err, kr.MessageTooLong) {
		t.Fatalf("expected MessageTooLong, got %v", err)
	}
}

func TestControlBytesOutsideFraming(t *testing.T) {
	// control writes are single bytes; the splitter must never emit a bare
	// control byte as a whole chunk for a non-empty message
	chunks, err := SplitBlocks([]byte{0xff}, DefaultMTU)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("single-byte message should frame as one 2-byte chunk, got %d chunks", len(chunks))
	}
	if chunks[0][0] != 0 {
		t.Fatal("single-block message must carry countdown 0")
	}
}
