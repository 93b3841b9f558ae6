package keycodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Split decodes every segment in a stacked key back into its original value.
// Split(Encode(values...)) reproduces values, which is the round-trip
// property the storage layer relies on to recover, e.g., the _id suffix of
// an index entry key.
func Split(b []byte) ([]any, error) {
	var out []any
	for len(b) > 0 {
		v, rest, err := splitOne(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

// Last returns only the final decoded segment of a stacked key, which is how
// the VM recovers the _id suffix of an index entry key or document key.
func Last(b []byte) (any, error) {
	vs, err := Split(b)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("keycodec: empty key")
	}
	return vs[len(vs)-1], nil
}

func splitOne(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("keycodec: truncated key")
	}
	tag := b[0]
	b = b[1:]
	switch tag {
	case tagNull:
		return nil, b, nil
	case tagUndefined:
		return primitive.Undefined{}, b, nil
	case tagBoolFalse:
		return false, b, nil
	case tagBoolTrue:
		return true, b, nil
	case tagInt32:
		if len(b) < 4 {
			return nil, nil, fmt.Errorf("keycodec: truncated int32 segment")
		}
		u := binary.BigEndian.Uint32(b[:4]) ^ 0x80000000
		return int32(u), b[4:], nil
	case tagInt64:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("keycodec: truncated int64 segment")
		}
		u := binary.BigEndian.Uint64(b[:8]) ^ (1 << 63)
		return int64(u), b[8:], nil
	case tagDouble:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("keycodec: truncated double segment")
		}
		bits := binary.BigEndian.Uint64(b[:8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return floatFromBits(bits), b[8:], nil
	case tagString:
		s, rest, err := splitCString(b)
		return s, rest, err
	case tagSymbol:
		s, rest, err := splitCString(b)
		return primitive.Symbol(s), rest, err
	case tagObjectID:
		if len(b) < 12 {
			return nil, nil, fmt.Errorf("keycodec: truncated objectid segment")
		}
		var oid primitive.ObjectID
		copy(oid[:], b[:12])
		return oid, b[12:], nil
	case tagDateTime:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("keycodec: truncated datetime segment")
		}
		u := binary.BigEndian.Uint64(b[:8]) ^ (1 << 63)
		return primitive.DateTime(int64(u)), b[8:], nil
	case tagTimestamp:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("keycodec: truncated timestamp segment")
		}
		t := binary.BigEndian.Uint32(b[0:4])
		i := binary.BigEndian.Uint32(b[4:8])
		return primitive.Timestamp{T: t, I: i}, b[8:], nil
	case tagBinary:
		if len(b) < 5 {
			return nil, nil, fmt.Errorf("keycodec: truncated binary segment")
		}
		subtype := b[0]
		ln := binary.BigEndian.Uint32(b[1:5])
		b = b[5:]
		if uint32(len(b)) < ln {
			return nil, nil, fmt.Errorf("keycodec: truncated binary payload")
		}
		data := make([]byte, ln)
		copy(data, b[:ln])
		return primitive.Binary{Subtype: subtype, Data: data}, b[ln:], nil
	default:
		return nil, nil, fmt.Errorf("keycodec: unknown segment tag 0x%02x", tag)
	}
}

func splitCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0x00 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("keycodec: unterminated string segment")
}

// floatFromBits is split out so the inverse of appendDouble's bit-munging
// lives next to its counterpart use site.
func floatFromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}
