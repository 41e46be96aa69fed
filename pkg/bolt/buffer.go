package bolt

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// ChunkSize is the size of a single allocation unit inside a Buffer.
// Chosen, as in the original, to comfortably hold many Bolt chunks
// (each bounded at 65535 bytes) before a reallocation is needed.
const ChunkSize = 4096

// pollInterval bounds how long FillFromSocket waits on a single read
// before treating the socket as "would block" and returning control to
// the caller. It stands in for the non-blocking socket_read the host
// event loop would otherwise provide.
const pollInterval = 2 * time.Millisecond

// Buffer is a dynamically grown sequence of fixed-size chunks. It backs
// a session's read, message, and write buffers (ยง3, ยง4.1).
//
// Unlike the C original, a Buffer never exposes a cursor offset equal to
// ChunkSize: Cursor.advance always normalizes offset into [0, ChunkSize)
// immediately, rolling into the next chunk on the exact boundary. The
// original's transient offset==ChunkSize state relies on chunk
// allocations being read past their nominal end, which Go's
// bounds-checked slices cannot tolerate; normalizing eagerly is
// behaviorally equivalent for every sequence of well-formed operations.
type Buffer struct {
	chunks [][]byte
}

// Cursor is a (chunk-index, offset) position into a Buffer. Cursors are
// used instead of raw pointers because chunks may be reallocated
// (appended) as the buffer grows; pointer stability across growth is
// never required.
type Cursor struct {
	buf    *Buffer
	chunk  int
	offset int
}

func newChunk() []byte {
	return make([]byte, ChunkSize)
}

// NewBuffer returns a buffer with one chunk and both cursors implicitly
// at (0,0) — callers obtain read/write cursors via Index(0).
func NewBuffer() *Buffer {
	return &Buffer{chunks: [][]byte{newChunk()}}
}

// Index returns a cursor positioned offset bytes from the start of buf.
// Precondition: offset < ChunkSize * chunk_count.
func (b *Buffer) Index(offset int) Cursor {
	chunk := offset / ChunkSize
	if chunk >= len(b.chunks) {
		panic(fmt.Sprintf("bolt: buffer index %d out of range (%d chunks)", offset, len(b.chunks)))
	}
	return Cursor{buf: b, chunk: chunk, offset: offset % ChunkSize}
}

// Advance moves the cursor forward by n bytes, rolling into new chunks
// (without allocating — callers that write past the buffer's current end
// use Write/WriteU*, which allocate on demand) as needed.
func (c *Cursor) Advance(n int) {
	c.offset += n
	if c.offset >= ChunkSize {
		c.chunk += c.offset / ChunkSize
		c.offset %= ChunkSize
	}
}

// Diff returns the unsigned distance a-b in bytes, in chunk-major order.
// Precondition: a >= b. A single Bolt chunk payload never exceeds 65535
// bytes, so the result always fits in uint16.
func Diff(a, b Cursor) uint16 {
	if a.chunk < b.chunk || (a.chunk == b.chunk && a.offset < b.offset) {
		panic("bolt: Diff called with a < b")
	}
	return uint16((a.chunk-b.chunk)*ChunkSize + (a.offset - b.offset))
}

// readBytes copies n bytes starting at cur into a freshly allocated
// slice, advancing cur across chunk boundaries as needed. Precondition:
// at least n bytes lie between cur and the buffer's write cursor.
func (c *Cursor) readBytes(n int) []byte {
	out := make([]byte, n)
	pos := 0
	for pos < n {
		avail := ChunkSize - c.offset
		take := n - pos
		if take > avail {
			take = avail
		}
		copy(out[pos:pos+take], c.buf.chunks[c.chunk][c.offset:c.offset+take])
		pos += take
		c.offset += take
		if c.offset == ChunkSize {
			c.chunk++
			c.offset = 0
		}
	}
	return out
}

// ReadU8 reads a byte at cur and advances past it.
func (c *Cursor) ReadU8() uint8 {
	return c.readBytes(1)[0]
}

// ReadU16 reads two bytes at cur as they lie in memory (host order; no
// network-to-host conversion — callers apply that themselves for wire
// fields such as the chunk length).
func (c *Cursor) ReadU16() uint16 {
	return binary.LittleEndian.Uint16(c.readBytes(2))
}

// ReadU32 reads four bytes at cur in host order. The handshake magic does
// not go through it: ReadHandshakeMagic reads that field big-endian.
func (c *Cursor) ReadU32() uint32 {
	return binary.LittleEndian.Uint32(c.readBytes(4))
}

// ReadU64 reads eight bytes at cur in host order.
func (c *Cursor) ReadU64() uint64 {
	return binary.LittleEndian.Uint64(c.readBytes(8))
}

// Write bulk-copies data into the buffer at cur, allocating new chunks
// on demand and advancing cur past the written bytes.
func (c *Cursor) Write(data []byte) {
	pos := 0
	for pos < len(data) {
		if c.chunk == len(c.buf.chunks) {
			c.buf.chunks = append(c.buf.chunks, newChunk())
		}
		avail := ChunkSize - c.offset
		take := len(data) - pos
		if take > avail {
			take = avail
		}
		copy(c.buf.chunks[c.chunk][c.offset:c.offset+take], data[pos:pos+take])
		pos += take
		c.offset += take
		if c.offset == ChunkSize {
			c.chunk++
			c.offset = 0
		}
	}
}

// WriteU8 writes v at cur and advances past it.
func (c *Cursor) WriteU8(v uint8) {
	c.Write([]byte{v})
}

// WriteU16 writes v in host order (see ReadU16).
func (c *Cursor) WriteU16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	c.Write(buf[:])
}

// WriteU32 writes v in host order.
func (c *Cursor) WriteU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.Write(buf[:])
}

// WriteU64 writes v in host order.
func (c *Cursor) WriteU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.Write(buf[:])
}

// Copy bulk-copies n bytes from src to dst, which may belong to two
// different buffers, rolling both cursors and growing dst's buffer on
// demand.
func Copy(src, dst *Cursor, n int) {
	remaining := n
	for remaining > 0 {
		if dst.chunk == len(dst.buf.chunks) {
			dst.buf.chunks = append(dst.buf.chunks, newChunk())
		}
		srcAvail := ChunkSize - src.offset
		dstAvail := ChunkSize - dst.offset
		take := remaining
		if take > srcAvail {
			take = srcAvail
		}
		if take > dstAvail {
			take = dstAvail
		}
		copy(dst.buf.chunks[dst.chunk][dst.offset:dst.offset+take], src.buf.chunks[src.chunk][src.offset:src.offset+take])
		src.offset += take
		if src.offset == ChunkSize {
			src.chunk++
			src.offset = 0
		}
		dst.offset += take
		if dst.offset == ChunkSize {
			dst.chunk++
			dst.offset = 0
		}
		remaining -= take
	}
}

// FillFromSocket drains whatever is currently available on conn into
// the buffer's write cursor, allocating new chunks as a chunk fills
// completely and continuing to read until the socket would block. It
// returns false on EOF or a hard read error (the peer is gone); true
// otherwise, including the common case where the read simply blocked.
//
// conn's read deadline is left set to a short poll interval on return;
// callers that need a blocking read afterwards must clear it themselves
// (DrainToSocket only writes, and clears only the write deadline).
func (b *Buffer) FillFromSocket(conn net.Conn, write *Cursor) (bool, error) {
	for {
		if write.chunk == len(b.chunks) {
			b.chunks = append(b.chunks, newChunk())
		}
		avail := ChunkSize - write.offset
		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return false, err
		}
		n, err := conn.Read(b.chunks[write.chunk][write.offset : write.offset+avail])
		if n > 0 {
			write.offset += n
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return true, nil
			}
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		if write.offset == ChunkSize {
			write.chunk++
			write.offset = 0
			continue
		}
		return true, nil
	}
}

// DrainToSocket writes every byte from the buffer's start up to cur to
// conn, blocking until it is all written or an error occurs.
func (b *Buffer) DrainToSocket(cur Cursor, conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}
	for i := 0; i < cur.chunk; i++ {
		if err := writeFull(conn, b.chunks[i]); err != nil {
			return err
		}
	}
	return writeFull(conn, b.chunks[cur.chunk][:cur.offset])
}

func writeFull(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Slice returns a contiguous copy of the bytes between from and to. It is
// meant for the rare, not-performance-critical reads that need a single
// []byte — the WebSocket handshake parse and handing a decoded message to
// the external PackStream codec — rather than the cursor-based hot path.
func (b *Buffer) Slice(from, to Cursor) []byte {
	n := int(Diff(to, from))
	cur := from
	return cur.readBytes(n)
}

// Free releases the buffer's chunks. Go's GC reclaims the memory once
// no cursor retains a reference; Free exists so callers can make that
// intent explicit and drop references eagerly at session teardown.
func (b *Buffer) Free() {
	b.chunks = nil
}
