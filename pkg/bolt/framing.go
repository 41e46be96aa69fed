package bolt

import "encoding/binary"

// HandshakeMagic is the fixed 4-byte preamble, in network byte order,
// every raw Bolt connection opens with (ยง6).
const HandshakeMagic uint32 = 0x6060B017

// Version is a Bolt protocol version as negotiated during the handshake.
type Version struct {
	Major byte
	Minor byte
}

// DefaultSupportedVersions lists the versions this session layer accepts.
// Selection is driven entirely by what the client proposes: NegotiateVersion
// treats this list as a set, so its order does not affect the result.
var DefaultSupportedVersions = []Version{
	{Major: 5, Minor: 4},
	{Major: 5, Minor: 3},
	{Major: 5, Minor: 2},
	{Major: 5, Minor: 1},
	{Major: 5, Minor: 0},
	{Major: 4, Minor: 4},
	{Major: 4, Minor: 3},
	{Major: 4, Minor: 2},
	{Major: 4, Minor: 1},
	{Major: 4, Minor: 0},
}

// ReadHandshakeMagic reads the 4-byte magic at cur, advancing past it.
// Callers compare the result against HandshakeMagic.
func ReadHandshakeMagic(cur *Cursor) uint32 {
	return binary.BigEndian.Uint32(cur.readBytes(4))
}

// decodeVersionProposal splits a client-proposed 4-byte version entry
// into its fields. The wire layout is big-endian: byte0 is reserved
// (always zero in practice), byte1 is the minor-version range (how many
// consecutive lower minor versions of major are also acceptable), byte2
// is minor, byte3 is major.
func decodeVersionProposal(raw uint32) (major, minor, minorRange byte) {
	return byte(raw), byte(raw >> 8), byte(raw >> 16)
}

// NegotiateVersion walks the client's four proposals in the order sent
// (client preference order) and returns the first one, including its
// minor-range fallback, that this server supports.
func NegotiateVersion(proposals [4]uint32, supported []Version) (Version, bool) {
	supportedSet := make(map[Version]bool, len(supported))
	for _, v := range supported {
		supportedSet[v] = true
	}

	for _, raw := range proposals {
		if raw == 0 {
			continue
		}
		major, minor, minorRange := decodeVersionProposal(raw)
		for r := 0; r <= int(minorRange); r++ {
			if int(minor)-r < 0 {
				break
			}
			candidate := Version{Major: major, Minor: minor - byte(r)}
			if supportedSet[candidate] {
				return candidate, true
			}
		}
	}
	return Version{}, false
}

// WriteVersionReply writes the server's chosen version as the 4-byte
// reply region described in ยง6: bytes are (0, 0, minor, major).
func WriteVersionReply(cur *Cursor, v Version) {
	cur.Write([]byte{0, 0, v.Minor, v.Major})
}

// BeginMessage reserves the 2-byte chunk-length slot at write's current
// position and returns a snapshot cursor identifying that slot, to be
// passed to EndMessage once the message body has been written.
func BeginMessage(write *Cursor) Cursor {
	slot := *write
	write.Advance(2)
	return slot
}

// EndMessage closes the chunk started at slot: it backfills the 2-byte
// length field with the number of payload bytes written since the slot
// (network byte order), then appends the zero-length terminator chunk
// that ends a Bolt message. write is advanced past the terminator.
//
// Bolt messages larger than a single 65535-byte chunk are out of scope
// here (ยง4.3); BeginMessage/EndMessage only ever produce one chunk.
func EndMessage(write *Cursor, slot Cursor) {
	n := Diff(*write, slot) - 2

	lengthField := slot
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], n)
	lengthField.Write(lb[:])

	write.Write([]byte{0, 0})
}

// ReadChunkLength reads a chunk's 2-byte network-order length field at
// cur, advancing past it.
func ReadChunkLength(cur *Cursor) uint16 {
	return binary.BigEndian.Uint16(cur.readBytes(2))
}

// ReadChunk reads one chunk at read (a length field, followed by that
// many payload bytes) and copies its payload into msgWrite. It returns
// the payload length and whether this chunk was the zero-length message
// terminator, in which case no payload is copied.
func ReadChunk(read *Cursor, msgWrite *Cursor) (length uint16, terminator bool) {
	length = ReadChunkLength(read)
	if length == 0 {
		return 0, true
	}
	Copy(read, msgWrite, int(length))
	return length, false
}

// WSWrap returns the WebSocket frame header for a binary frame carrying
// payload, as a standalone byte slice the caller writes to the socket
// immediately before payload itself. Kept as two separate writes rather
// than copying payload into a combined buffer, since payload may already
// span multiple Buffer chunks.
func WSWrap(payload []byte) []byte {
	buf := NewBuffer()
	cur := buf.Index(0)
	start := cur
	WriteWSFrameHeader(&cur, len(payload))
	return buf.Slice(start, cur)
}
