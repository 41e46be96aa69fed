package bolt

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/stdr"
)

// maskedClientFrame builds an RFC 6455 masked binary frame carrying
// payload, the way a real browser/driver WebSocket client would send
// it. Only small (<126-byte) payloads are needed for handshake bytes,
// so the extended-length cases aren't exercised here.
func maskedClientFrame(payload []byte, mask [4]byte) []byte {
	if len(payload) >= 126 {
		panic("maskedClientFrame: payload too large for this test helper")
	}
	out := make([]byte, 0, 2+4+len(payload))
	out = append(out, 0x80|wsOpcodeBinary)
	out = append(out, 0x80|byte(len(payload)))
	out = append(out, mask[:]...)
	masked := make([]byte, len(payload))
	copy(masked, payload)
	UnmaskPayload(masked, mask)
	out = append(out, masked...)
	return out
}

// readServerWSFrame reads one unmasked binary WebSocket frame from conn
// and returns its payload. It only handles small (<126-byte) payloads,
// which is all the negotiation reply ever sends.
func readServerWSFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := readExactly(t, conn, 2)
	if header[0] != 0x80|wsOpcodeBinary {
		t.Fatalf("frame header byte0 = %#x, want FIN+binary", header[0])
	}
	if header[1]&0x80 != 0 {
		t.Fatalf("server frame must not be masked, got length byte %#x", header[1])
	}
	length := header[1] & 0x7F
	if length >= 126 {
		t.Fatalf("unexpected extended length in test frame: %d", length)
	}
	return readExactly(t, conn, int(length))
}

// readHTTPResponseHeaders reads conn until the header-terminating blank
// line and returns everything read so far as a string, matching how
// ClientSession.negotiate itself looks for "\r\n\r\n" rather than
// parsing a Content-Length body.
func readHTTPResponseHeaders(t *testing.T, conn net.Conn) string {
	t.Helper()
	var buf []byte
	one := make([]byte, 1)
	for !strings.HasSuffix(string(buf), "\r\n\r\n") {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(one)
		if err != nil {
			t.Fatalf("reading response headers: %v", err)
		}
		if n > 0 {
			buf = append(buf, one[:n]...)
		}
		if len(buf) > 4096 {
			t.Fatal("response headers too long, never saw terminator")
		}
	}
	return string(buf)
}

// TestSessionWebSocketHandshakeAndVersionNegotiation drives a real
// ClientSession.Serve over net.Pipe through a full WebSocket transport
// negotiation: an HTTP Upgrade request answered with 101 Switching
// Protocols, followed by the Bolt magic and version proposals wrapped
// in a masked binary WS frame (as a real client sends them) and the
// server's version reply arriving wrapped in an unmasked binary WS
// frame.
func TestSessionWebSocketHandshakeAndVersionNegotiation(t *testing.T) {
	exec := &fakeExecutor{}
	auth := &fakeAuthenticator{validPrincipal: "neo4j"}
	client, _ := newTestSession(t, exec, auth)

	upgradeReq := "GET /bolt HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := client.Write([]byte(upgradeReq)); err != nil {
		t.Fatalf("writing upgrade request: %v", err)
	}

	resp := readHTTPResponseHeaders(t, client)
	if !strings.Contains(resp, "101 Switching Protocols") {
		t.Fatalf("response %q missing 101 status line", resp)
	}
	const wantAccept = "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if !strings.Contains(resp, wantAccept) {
		t.Fatalf("response %q missing expected accept key", resp)
	}

	var proposal [20]byte
	binary.BigEndian.PutUint32(proposal[0:4], HandshakeMagic)
	binary.BigEndian.PutUint32(proposal[4:8], uint32(0)<<16|uint32(4)<<8|uint32(5))

	frame := maskedClientFrame(proposal[:], [4]byte{0x11, 0x22, 0x33, 0x44})
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("writing masked handshake frame: %v", err)
	}

	reply := readServerWSFrame(t, client)
	if len(reply) != 4 {
		t.Fatalf("version reply payload length = %d, want 4", len(reply))
	}
	if reply[2] != 4 || reply[3] != 5 {
		t.Fatalf("version reply = %v, want minor=4 major=5", reply)
	}
}

// TestSessionWebSocketDisabledRejectsUpgrade confirms
// Config.WebSocketEnabled=false (threaded in via SetWebSocketEnabled)
// fails an HTTP Upgrade attempt instead of silently accepting it.
func TestSessionWebSocketDisabledRejectsUpgrade(t *testing.T) {
	exec := &fakeExecutor{}
	auth := &fakeAuthenticator{validPrincipal: "neo4j"}

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	logger := stdr.New(nil)
	sess := NewClientSession(serverConn, testDecoder{}, testEncoder{}, exec, auth, logger)
	sess.SetWebSocketEnabled(false)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	upgradeReq := "GET /bolt HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := clientConn.Write([]byte(upgradeReq)); err != nil {
		t.Fatalf("writing upgrade request: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Serve to reject the upgrade when WebSocket is disabled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reject the disabled-WebSocket upgrade attempt")
	}
}
