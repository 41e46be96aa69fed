package bolt

import "testing"

func TestReadHandshakeMagic(t *testing.T) {
	buf := NewBuffer()
	write := buf.Index(0)
	write.Write([]byte{0x60, 0x60, 0xB0, 0x17})

	read := buf.Index(0)
	if got := ReadHandshakeMagic(&read); got != HandshakeMagic {
		t.Fatalf("ReadHandshakeMagic = %#x, want %#x", got, HandshakeMagic)
	}
}

func TestNegotiateVersionExactMatch(t *testing.T) {
	// byte0=reserved, byte1=range, byte2=minor, byte3=major, as a BE uint32.
	proposal := func(major, minor, rng byte) uint32 {
		return uint32(rng)<<16 | uint32(minor)<<8 | uint32(major)
	}
	proposals := [4]uint32{proposal(5, 4, 0), proposal(4, 4, 0), 0, 0}

	v, ok := NegotiateVersion(proposals, DefaultSupportedVersions)
	if !ok {
		t.Fatal("expected a supported version to be found")
	}
	if v != (Version{Major: 5, Minor: 4}) {
		t.Fatalf("negotiated %+v, want {5 4}", v)
	}
}

func TestNegotiateVersionUsesMinorRange(t *testing.T) {
	proposal := func(major, minor, rng byte) uint32 {
		return uint32(rng)<<16 | uint32(minor)<<8 | uint32(major)
	}
	// Client proposes 5.9 with a range of 9, covering 5.9 down to 5.0;
	// 5.4 is the highest of those this server supports, so it is chosen.
	proposals := [4]uint32{proposal(5, 9, 9), 0, 0, 0}

	v, ok := NegotiateVersion(proposals, DefaultSupportedVersions)
	if !ok {
		t.Fatal("expected the minor-range fallback to find a supported version")
	}
	if v != (Version{Major: 5, Minor: 4}) {
		t.Fatalf("negotiated %+v, want {5 4}", v)
	}
}

func TestNegotiateVersionNoSupportedVersion(t *testing.T) {
	proposal := func(major, minor, rng byte) uint32 {
		return uint32(rng)<<16 | uint32(minor)<<8 | uint32(major)
	}
	proposals := [4]uint32{proposal(9, 9, 0), 0, 0, 0}

	_, ok := NegotiateVersion(proposals, DefaultSupportedVersions)
	if ok {
		t.Fatal("expected no version to be negotiated")
	}
}

func TestWriteVersionReply(t *testing.T) {
	buf := NewBuffer()
	write := buf.Index(0)
	start := write
	WriteVersionReply(&write, Version{Major: 5, Minor: 2})

	read := start
	got := read.readBytes(4)
	want := []byte{0, 0, 2, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reply bytes = %v, want %v", got, want)
		}
	}
}

func TestBeginEndMessageSingleChunk(t *testing.T) {
	buf := NewBuffer()
	write := buf.Index(0)

	slot := BeginMessage(&write)
	payload := []byte{0xB1, 0x70, 0x01} // a minimal PackStream structure
	write.Write(payload)
	EndMessage(&write, slot)

	read := slot
	length := ReadChunkLength(&read)
	if int(length) != len(payload) {
		t.Fatalf("chunk length = %d, want %d", length, len(payload))
	}
	got := read.readBytes(len(payload))
	for i, b := range payload {
		if got[i] != b {
			t.Fatalf("payload byte %d = %#x, want %#x", i, got[i], b)
		}
	}
	if term := ReadChunkLength(&read); term != 0 {
		t.Fatalf("terminator = %#x, want 0", term)
	}
	if read != write {
		t.Fatalf("write cursor not positioned past terminator: read=%+v write=%+v", read, write)
	}
}

func TestReadChunkAssemblesMessage(t *testing.T) {
	raw := NewBuffer()
	write := raw.Index(0)
	slot := BeginMessage(&write)
	payload := []byte("hello bolt")
	write.Write(payload)
	EndMessage(&write, slot)

	msg := NewBuffer()
	msgWrite := msg.Index(0)
	read := raw.Index(0)

	length, terminator := ReadChunk(&read, &msgWrite)
	if terminator {
		t.Fatal("did not expect the first chunk to be the terminator")
	}
	if int(length) != len(payload) {
		t.Fatalf("chunk length = %d, want %d", length, len(payload))
	}

	_, terminator = ReadChunk(&read, &msgWrite)
	if !terminator {
		t.Fatal("expected the second chunk to be the terminator")
	}

	msgRead := msg.Index(0)
	got := msgRead.readBytes(len(payload))
	if string(got) != "hello bolt" {
		t.Fatalf("assembled message = %q, want %q", got, "hello bolt")
	}
}

func TestReadChunkMultiChunkMessage(t *testing.T) {
	raw := NewBuffer()
	write := raw.Index(0)
	// One message split across two payload chunks ("abc", "def") and a
	// single terminator. BeginMessage/EndMessage always produce exactly
	// one chunk plus a terminator, so the chunks are written by hand.
	write.Write([]byte{0x00, 0x03, 'a', 'b', 'c', 0x00, 0x03, 'd', 'e', 'f', 0x00, 0x00})

	msg := NewBuffer()
	msgWrite := msg.Index(0)
	read := raw.Index(0)

	_, term1 := ReadChunk(&read, &msgWrite)
	_, term2 := ReadChunk(&read, &msgWrite)
	if term1 || term2 {
		t.Fatal("did not expect either payload chunk to read as a terminator")
	}
	_, term3 := ReadChunk(&read, &msgWrite)
	if !term3 {
		t.Fatal("expected the chunk after the two payload chunks to be the terminator")
	}

	msgRead := msg.Index(0)
	if got := string(msgRead.readBytes(6)); got != "abcdef" {
		t.Fatalf("assembled message = %q, want %q", got, "abcdef")
	}
}

func TestWSWrapProducesValidFrameHeader(t *testing.T) {
	payload := make([]byte, 200)
	header := WSWrap(payload)

	buf := NewBuffer()
	write := buf.Index(0)
	write.Write(header)
	read := buf.Index(0)
	h := ReadWSFrameHeader(&read)

	if h.PayloadLen != len(payload) {
		t.Fatalf("PayloadLen = %d, want %d", h.PayloadLen, len(payload))
	}
	if h.Masked {
		t.Error("server-emitted frame header must not be masked")
	}
	if len(header) != WSFrameHeaderSize(len(payload)) {
		t.Fatalf("header length = %d, want %d", len(header), WSFrameHeaderSize(len(payload)))
	}
}
