package bolt

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"strings"
)

// wsGUID is the fixed key the RFC 6455 handshake concatenates onto the
// client's Sec-WebSocket-Key before hashing.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// wsOpcodeBinary is the only frame opcode BoltD ever sends or expects:
// every Bolt chunk rides inside a binary frame.
const wsOpcodeBinary = 0x2

// LooksLikeHTTP reports whether data opens with an HTTP request line, the
// signal a session uses to decide whether to run the WebSocket handshake
// before treating the stream as raw Bolt chunks.
func LooksLikeHTTP(data []byte) bool {
	return bytes.HasPrefix(data, []byte("GET ")) || bytes.HasPrefix(data, []byte("get "))
}

// WSHandshake parses an HTTP Upgrade request out of request and, if it is
// a well-formed WebSocket upgrade, returns the "101 Switching Protocols"
// response to write back. ok is false for anything that isn't a complete,
// valid upgrade request, in which case the caller should fail the
// connection rather than proceed as Bolt.
func WSHandshake(request []byte) (response []byte, ok bool, err error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(request)))
	if err != nil {
		return nil, false, fmt.Errorf("bolt: parsing websocket upgrade request: %w", err)
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return nil, false, nil
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, false, nil
	}

	sum := sha1.Sum([]byte(key + wsGUID))
	accept := base64.StdEncoding.EncodeToString(sum[:])

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
	return b.Bytes(), true, nil
}

// WSFrameHeader is a decoded RFC 6455 frame header.
type WSFrameHeader struct {
	Fin        bool
	Opcode     byte
	Masked     bool
	MaskKey    [4]byte
	PayloadLen int
}

// ReadWSFrameHeader decodes a frame header starting at cur, advancing cur
// past it. It does not read the payload — callers read PayloadLen bytes
// themselves and, if Masked, pass them through UnmaskPayload.
func ReadWSFrameHeader(cur *Cursor) WSFrameHeader {
	b0 := cur.ReadU8()
	b1 := cur.ReadU8()

	h := WSFrameHeader{
		Fin:    b0&0x80 != 0,
		Opcode: b0 & 0x0F,
		Masked: b1&0x80 != 0,
	}

	length := uint64(b1 & 0x7F)
	switch length {
	case 126:
		length = uint64(binary.BigEndian.Uint16(cur.readBytes(2)))
	case 127:
		length = binary.BigEndian.Uint64(cur.readBytes(8))
	}
	h.PayloadLen = int(length)

	if h.Masked {
		copy(h.MaskKey[:], cur.readBytes(4))
	}
	return h
}

// UnmaskPayload XORs data in place against mask, per RFC 6455 ยง5.3.
// Client-to-server frames are always masked; server-to-client frames
// (written by WriteWSFrameHeader) never are.
func UnmaskPayload(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}

// WSFrameHeaderSize returns the number of bytes WriteWSFrameHeader will
// write for a server (unmasked) binary frame carrying payloadLen bytes,
// so callers can size an enclosing buffer before writing.
func WSFrameHeaderSize(payloadLen int) int {
	switch {
	case payloadLen < 126:
		return 2
	case payloadLen <= 0xFFFF:
		return 4
	default:
		return 10
	}
}

// WriteWSFrameHeader writes a final (FIN=1), unmasked binary frame header
// for a payload of payloadLen bytes at cur, advancing cur past it. Bolt
// never fragments a frame across multiple WebSocket frames, so Fin is
// always set and Opcode is always wsOpcodeBinary.
func WriteWSFrameHeader(cur *Cursor, payloadLen int) {
	cur.WriteU8(0x80 | wsOpcodeBinary)
	switch {
	case payloadLen < 126:
		cur.WriteU8(uint8(payloadLen))
	case payloadLen <= 0xFFFF:
		cur.WriteU8(126)
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(payloadLen))
		cur.Write(lb[:])
	default:
		cur.WriteU8(127)
		var lb [8]byte
		binary.BigEndian.PutUint64(lb[:], uint64(payloadLen))
		cur.Write(lb[:])
	}
}
