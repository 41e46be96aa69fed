// Package packstream is the default PackStream codec wired into BoltD:
// it implements pkg/bolt's ReplyEncoder and RequestDecoder boundary
// interfaces so a real server has something to run against, not just
// the hand-rolled test doubles pkg/bolt uses for its own unit tests.
//
// Marker layout follows the Bolt wire format (grounded on the decode
// logic in ikwattro-bolt-proxy/bolt/bolt.go, extended here to the full
// type range that library only sampled): tiny types pack their size
// into the low nibble of the marker byte, and a handful of sized
// variants (8/16/32-bit length or field count) cover anything larger.
package packstream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fenwickgraph/boltd/pkg/bolt"
)

const (
	markerNull    = 0xC0
	markerFalse   = 0xC2
	markerTrue    = 0xC3
	markerFloat64 = 0xC1
	markerInt8    = 0xC8
	markerInt16   = 0xC9
	markerInt32   = 0xCA
	markerInt64   = 0xCB

	markerTinyStringBase = 0x80
	markerTinyStringMax  = 0x8F
	markerString8        = 0xD0
	markerString16       = 0xD1
	markerString32       = 0xD2

	markerTinyListBase = 0x90
	markerTinyListMax  = 0x9F
	markerList8        = 0xD4
	markerList16       = 0xD5
	markerList32       = 0xD6

	markerTinyMapBase = 0xA0
	markerTinyMapMax  = 0xAF
	markerMap8        = 0xD8
	markerMap16       = 0xD9
	markerMap32       = 0xDA

	markerTinyStructBase = 0xB0
	markerTinyStructMax  = 0xBF
	markerStruct8        = 0xDC
	markerStruct16       = 0xDD
)

// structValue is the intermediate shape for a decoded PackStream
// structure: a tag byte (which doubles as bolt.RequestKind for
// top-level client messages) plus its ordered fields.
type structValue struct {
	Tag    byte
	Fields []any
}

// Encoder is the production bolt.ReplyEncoder: it writes PackStream
// values directly into a bolt.Cursor's backing buffer.
type Encoder struct{}

var _ bolt.ReplyEncoder = Encoder{}

// Structure writes a PackStream structure marker (tiny or 8-bit sized)
// followed by the tag byte. BoltD's own replies never carry more than
// one field count range handled here: tiny covers 0-15, which is every
// response this server emits.
func (Encoder) Structure(w *bolt.Cursor, tag bolt.ResponseKind, fieldCount int) {
	if fieldCount <= 0x0F {
		w.WriteU8(byte(markerTinyStructBase | fieldCount))
	} else {
		w.WriteU8(markerStruct8)
		w.WriteU8(byte(fieldCount))
	}
	w.WriteU8(byte(tag))
}

// Map writes a PackStream map marker for a map of n entries. The
// caller writes the n key/value pairs itself via Value.
func (Encoder) Map(w *bolt.Cursor, n int) {
	switch {
	case n <= 0x0F:
		w.WriteU8(byte(markerTinyMapBase | n))
	case n <= 0xFF:
		w.WriteU8(markerMap8)
		w.WriteU8(byte(n))
	default:
		w.WriteU8(markerMap16)
		writeU16(w, uint16(n))
	}
}

// Value writes a single PackStream-encoded value. It recurses for
// nested maps, slices, and structs, matching the dynamic shape an
// Outcome's Fields/Records carry.
func (Encoder) Value(w *bolt.Cursor, v any) {
	writeValue(w, v)
}

func writeValue(w *bolt.Cursor, v any) {
	switch val := v.(type) {
	case nil:
		w.WriteU8(markerNull)
	case bool:
		if val {
			w.WriteU8(markerTrue)
		} else {
			w.WriteU8(markerFalse)
		}
	case string:
		writeString(w, val)
	case []byte:
		writeString(w, string(val))
	case int:
		writeInt(w, int64(val))
	case int64:
		writeInt(w, val)
	case int32:
		writeInt(w, int64(val))
	case float64:
		w.WriteU8(markerFloat64)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(val))
		w.Write(buf[:])
	case []any:
		writeListHeader(w, len(val))
		for _, item := range val {
			writeValue(w, item)
		}
	case map[string]any:
		writeMapHeader(w, len(val))
		for k, item := range val {
			writeString(w, k)
			writeValue(w, item)
		}
	default:
		// A value type outside BoltD's own vocabulary (the query
		// engine is expected to only ever produce the types above);
		// encode its string form rather than panic on a malformed
		// Outcome.
		writeString(w, fmt.Sprintf("%v", val))
	}
}

func writeListHeader(w *bolt.Cursor, n int) {
	switch {
	case n <= 0x0F:
		w.WriteU8(byte(markerTinyListBase | n))
	case n <= 0xFF:
		w.WriteU8(markerList8)
		w.WriteU8(byte(n))
	default:
		w.WriteU8(markerList16)
		writeU16(w, uint16(n))
	}
}

func writeMapHeader(w *bolt.Cursor, n int) {
	switch {
	case n <= 0x0F:
		w.WriteU8(byte(markerTinyMapBase | n))
	case n <= 0xFF:
		w.WriteU8(markerMap8)
		w.WriteU8(byte(n))
	default:
		w.WriteU8(markerMap16)
		writeU16(w, uint16(n))
	}
}

func writeString(w *bolt.Cursor, s string) {
	n := len(s)
	switch {
	case n <= 0x0F:
		w.WriteU8(byte(markerTinyStringBase | n))
	case n <= 0xFF:
		w.WriteU8(markerString8)
		w.WriteU8(byte(n))
	case n <= 0xFFFF:
		w.WriteU8(markerString16)
		writeU16(w, uint16(n))
	default:
		w.WriteU8(markerString32)
		writeU32(w, uint32(n))
	}
	w.Write([]byte(s))
}

func writeInt(w *bolt.Cursor, n int64) {
	switch {
	case n >= -16 && n <= 127:
		w.WriteU8(byte(n))
	case n >= math.MinInt8 && n <= math.MaxInt8:
		w.WriteU8(markerInt8)
		w.WriteU8(byte(n))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		w.WriteU8(markerInt16)
		writeU16(w, uint16(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		w.WriteU8(markerInt32)
		writeU32(w, uint32(n))
	default:
		w.WriteU8(markerInt64)
		writeU64(w, uint64(n))
	}
}

func writeU16(w *bolt.Cursor, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.Write(buf[:])
}

func writeU32(w *bolt.Cursor, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func writeU64(w *bolt.Cursor, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}
