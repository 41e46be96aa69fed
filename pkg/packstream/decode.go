package packstream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fenwickgraph/boltd/pkg/bolt"
)

// Decoder is the production bolt.RequestDecoder: a single Bolt chunk's
// payload decodes as exactly one top-level PackStream structure, whose
// tag byte is the request's RequestKind.
type Decoder struct{}

var _ bolt.RequestDecoder = Decoder{}

// Decode parses message (one already-reassembled Bolt message, per
// ยง4.3) into its RequestKind and a flattened field map keyed the way
// pkg/bolt's dispatch expects ("query", "parameters", "principal",
// "credentials", "n", ...).
func (Decoder) Decode(message []byte) (bolt.RequestKind, map[string]any, error) {
	v, _, err := decodeValue(message, 0)
	if err != nil {
		return 0, nil, err
	}
	st, ok := v.(structValue)
	if !ok {
		return 0, nil, fmt.Errorf("packstream: top-level message is not a structure")
	}
	kind := bolt.RequestKind(st.Tag)
	return kind, fieldsForRequest(kind, st.Fields), nil
}

// fieldsForRequest maps a decoded structure's ordered fields onto the
// flat keys pkg/bolt's dispatch reads, per message kind's field order.
func fieldsForRequest(kind bolt.RequestKind, fields []any) map[string]any {
	out := map[string]any{}
	switch kind {
	case bolt.ReqHello, bolt.ReqLogon:
		if len(fields) > 0 {
			if m, ok := fields[0].(map[string]any); ok {
				if p, ok := m["principal"]; ok {
					out["principal"] = p
				}
				if c, ok := m["credentials"]; ok {
					out["credentials"] = c
				}
				// HELLO historically carries the principal/credential
				// pair flattened directly into the extra map rather
				// than nested; pass the whole map through too so an
				// Authenticator that wants the raw shape still can.
				for k, v := range m {
					if _, exists := out[k]; !exists {
						out[k] = v
					}
				}
			}
		}
	case bolt.ReqRun:
		if len(fields) > 0 {
			if q, ok := fields[0].(string); ok {
				out["query"] = q
			}
		}
		if len(fields) > 1 {
			if p, ok := fields[1].(map[string]any); ok {
				out["parameters"] = p
			}
		}
	case bolt.ReqPull, bolt.ReqDiscard:
		if len(fields) > 0 {
			if m, ok := fields[0].(map[string]any); ok {
				if n, ok := m["n"]; ok {
					out["n"] = n
				}
				if qid, ok := m["qid"]; ok {
					out["qid"] = qid
				}
			}
		}
	}
	return out
}

// decodeValue reads one PackStream value starting at pos, returning
// the value, the position just past it, and an error if the marker is
// unrecognized or the buffer runs out.
func decodeValue(buf []byte, pos int) (any, int, error) {
	if pos >= len(buf) {
		return nil, pos, fmt.Errorf("packstream: unexpected end of message at offset %d", pos)
	}
	marker := buf[pos]

	switch {
	case marker <= 0x7F: // tiny positive int
		return int64(marker), pos + 1, nil
	case marker >= 0xF0: // tiny negative int, -16..-1
		return int64(int8(marker)), pos + 1, nil
	case marker == markerNull:
		return nil, pos + 1, nil
	case marker == markerTrue:
		return true, pos + 1, nil
	case marker == markerFalse:
		return false, pos + 1, nil
	case marker == markerInt8:
		if pos+2 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated INT_8")
		}
		return int64(int8(buf[pos+1])), pos + 2, nil
	case marker == markerInt16:
		if pos+3 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated INT_16")
		}
		return int64(int16(binary.BigEndian.Uint16(buf[pos+1 : pos+3]))), pos + 3, nil
	case marker == markerInt32:
		if pos+5 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated INT_32")
		}
		return int64(int32(binary.BigEndian.Uint32(buf[pos+1 : pos+5]))), pos + 5, nil
	case marker == markerInt64:
		if pos+9 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated INT_64")
		}
		return int64(binary.BigEndian.Uint64(buf[pos+1 : pos+9])), pos + 9, nil
	case marker == markerFloat64:
		if pos+9 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated FLOAT")
		}
		bits := binary.BigEndian.Uint64(buf[pos+1 : pos+9])
		return math.Float64frombits(bits), pos + 9, nil

	case marker >= markerTinyStringBase && marker <= markerTinyStringMax:
		n := int(marker & 0x0F)
		return decodeFixedString(buf, pos+1, n)
	case marker == markerString8:
		if pos+2 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated STRING_8 length")
		}
		n := int(buf[pos+1])
		return decodeFixedString(buf, pos+2, n)
	case marker == markerString16:
		if pos+3 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated STRING_16 length")
		}
		n := int(binary.BigEndian.Uint16(buf[pos+1 : pos+3]))
		return decodeFixedString(buf, pos+3, n)
	case marker == markerString32:
		if pos+5 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated STRING_32 length")
		}
		n := int(binary.BigEndian.Uint32(buf[pos+1 : pos+5]))
		return decodeFixedString(buf, pos+5, n)

	case marker >= markerTinyListBase && marker <= markerTinyListMax:
		n := int(marker & 0x0F)
		return decodeList(buf, pos+1, n)
	case marker == markerList8:
		if pos+2 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated LIST_8 length")
		}
		return decodeList(buf, pos+2, int(buf[pos+1]))
	case marker == markerList16:
		if pos+3 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated LIST_16 length")
		}
		return decodeList(buf, pos+3, int(binary.BigEndian.Uint16(buf[pos+1:pos+3])))
	case marker == markerList32:
		if pos+5 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated LIST_32 length")
		}
		return decodeList(buf, pos+5, int(binary.BigEndian.Uint32(buf[pos+1:pos+5])))

	case marker >= markerTinyMapBase && marker <= markerTinyMapMax:
		n := int(marker & 0x0F)
		return decodeMap(buf, pos+1, n)
	case marker == markerMap8:
		if pos+2 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated MAP_8 length")
		}
		return decodeMap(buf, pos+2, int(buf[pos+1]))
	case marker == markerMap16:
		if pos+3 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated MAP_16 length")
		}
		return decodeMap(buf, pos+3, int(binary.BigEndian.Uint16(buf[pos+1:pos+3])))
	case marker == markerMap32:
		if pos+5 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated MAP_32 length")
		}
		return decodeMap(buf, pos+5, int(binary.BigEndian.Uint32(buf[pos+1:pos+5])))

	case marker >= markerTinyStructBase && marker <= markerTinyStructMax:
		n := int(marker & 0x0F)
		return decodeStruct(buf, pos+1, n)
	case marker == markerStruct8:
		if pos+2 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated STRUCT_8 size")
		}
		return decodeStruct(buf, pos+2, int(buf[pos+1]))
	case marker == markerStruct16:
		if pos+3 > len(buf) {
			return nil, pos, fmt.Errorf("packstream: truncated STRUCT_16 size")
		}
		return decodeStruct(buf, pos+3, int(binary.BigEndian.Uint16(buf[pos+1:pos+3])))

	default:
		return nil, pos, fmt.Errorf("packstream: unrecognized marker 0x%02X at offset %d", marker, pos)
	}
}

func decodeFixedString(buf []byte, pos, n int) (any, int, error) {
	if pos+n > len(buf) {
		return nil, pos, fmt.Errorf("packstream: truncated string body")
	}
	return string(buf[pos : pos+n]), pos + n, nil
}

func decodeList(buf []byte, pos, n int) (any, int, error) {
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, next, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		out[i] = v
		pos = next
	}
	return out, pos, nil
}

func decodeMap(buf []byte, pos, n int) (any, int, error) {
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, next, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		pos = next
		key, ok := k.(string)
		if !ok {
			return nil, pos, fmt.Errorf("packstream: map key is not a string")
		}
		v, next, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		out[key] = v
		pos = next
	}
	return out, pos, nil
}

// decodeStruct reads a structure's tag byte followed by its fieldCount
// fields. The first byte at pos is always the tag, matching the Bolt
// convention every message (request or reply) uses.
func decodeStruct(buf []byte, pos, fieldCount int) (any, int, error) {
	if pos >= len(buf) {
		return nil, pos, fmt.Errorf("packstream: truncated structure tag")
	}
	tag := buf[pos]
	pos++
	fields := make([]any, fieldCount)
	for i := 0; i < fieldCount; i++ {
		v, next, err := decodeValue(buf, pos)
		if err != nil {
			return nil, pos, err
		}
		fields[i] = v
		pos = next
	}
	return structValue{Tag: tag, Fields: fields}, pos, nil
}
