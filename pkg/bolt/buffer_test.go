package bolt

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestBufferScalarRoundTrip(t *testing.T) {
	buf := NewBuffer()
	write := buf.Index(0)
	before := write

	write.WriteU8(0x42)
	write.WriteU16(0x1234)
	write.WriteU32(0xdeadbeef)
	write.WriteU64(0x0102030405060708)

	if got := Diff(write, before); got != 1+2+4+8 {
		t.Fatalf("Diff = %d, want %d", got, 1+2+4+8)
	}

	read := before
	if v := read.ReadU8(); v != 0x42 {
		t.Errorf("ReadU8 = %#x, want 0x42", v)
	}
	if v := read.ReadU16(); v != 0x1234 {
		t.Errorf("ReadU16 = %#x, want 0x1234", v)
	}
	if v := read.ReadU32(); v != 0xdeadbeef {
		t.Errorf("ReadU32 = %#x, want 0xdeadbeef", v)
	}
	if v := read.ReadU64(); v != 0x0102030405060708 {
		t.Errorf("ReadU64 = %#x, want 0x0102030405060708", v)
	}
}

func TestBufferWriteAcrossChunkBoundary(t *testing.T) {
	buf := NewBuffer()
	cur := buf.Index(0)
	cur.Advance(ChunkSize - 3)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	start := cur
	cur.Write(payload)

	if len(buf.chunks) != 2 {
		t.Fatalf("expected buffer to grow to 2 chunks, got %d", len(buf.chunks))
	}

	read := start
	got := read.readBytes(len(payload))
	for i, b := range payload {
		if got[i] != b {
			t.Fatalf("byte %d = %d, want %d", i, got[i], b)
		}
	}
}

func TestBufferCopyAcrossBuffers(t *testing.T) {
	src := NewBuffer()
	dst := NewBuffer()

	srcWrite := src.Index(0)
	srcWrite.Advance(ChunkSize - 2)
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	srcStart := srcWrite
	srcWrite.Write(payload)

	dstWrite := dst.Index(0)
	dstStart := dstWrite
	srcRead := srcStart
	Copy(&srcRead, &dstWrite, len(payload))

	if Diff(dstWrite, dstStart) != uint16(len(payload)) {
		t.Fatalf("dst cursor advanced by %d, want %d", Diff(dstWrite, dstStart), len(payload))
	}

	dstRead := dstStart
	got := dstRead.readBytes(len(payload))
	for i, b := range payload {
		if got[i] != b {
			t.Fatalf("copied byte %d = %#x, want %#x", i, got[i], b)
		}
	}
}

func TestDiffPanicsWhenReversed(t *testing.T) {
	buf := NewBuffer()
	a := buf.Index(0)
	b := buf.Index(0)
	b.Advance(4)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Diff(a, b) with a < b to panic")
		}
	}()
	Diff(a, b)
}

// pipeConn wraps net.Pipe to give tests a real net.Conn to drive
// FillFromSocket/DrainToSocket against.
func pipeConn(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func TestFillFromSocketReadsAvailableBytes(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		client.Write([]byte("hello"))
	}()

	buf := NewBuffer()
	write := buf.Index(0)
	ok, err := buf.FillFromSocket(server, &write)
	if err != nil {
		t.Fatalf("FillFromSocket error: %v", err)
	}
	if !ok {
		t.Fatal("expected FillFromSocket to report a healthy peer")
	}

	read := buf.Index(0)
	got := read.readBytes(5)
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestFillFromSocketReportsEOF(t *testing.T) {
	client, server := pipeConn(t)
	client.Close()

	buf := NewBuffer()
	write := buf.Index(0)
	ok, err := buf.FillFromSocket(server, &write)
	if err != nil {
		t.Fatalf("FillFromSocket error: %v", err)
	}
	if ok {
		t.Fatal("expected FillFromSocket to report EOF as an unhealthy peer")
	}
}

func TestDrainToSocketWritesExactBytes(t *testing.T) {
	client, server := pipeConn(t)

	buf := NewBuffer()
	write := buf.Index(0)
	write.Write([]byte("payload"))

	done := make(chan error, 1)
	go func() {
		done <- buf.DrainToSocket(write, server)
	}()

	got := make([]byte, 7)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("reading drained bytes: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("DrainToSocket error: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}
