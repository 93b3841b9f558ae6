// Package keycodec implements the stacked key encoding used to multiplex
// collection data, collection metadata and secondary index entries into a
// single ordered byte keyspace. Each encoded value is a tagged segment whose
// byte representation sorts identically to the value's semantic order; a
// "stacked key" is the concatenation of one or more segments.
//
// The sign-bit-flip trick used for the numeric and datetime segments below is
// the same one used by the teacher's custom go-memdb indexers
// (internal/engine/memdb/indexer.go's TimeFieldIndex.encodeInt64), generalized
// here to every BSON scalar type the spec requires in key position.
package keycodec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Segment type tags. Values are assigned in ascending BSON canonical sort
// order so that comparing two single-segment byte strings with bytes.Compare
// reproduces the cross-type BSON type-rank ordering the VM's comparison
// opcodes fall back to.
const (
	tagNull      byte = 0x01
	tagUndefined byte = 0x02
	tagDouble    byte = 0x10
	tagInt32     byte = 0x11
	tagInt64     byte = 0x12
	tagSymbol    byte = 0x20
	tagString    byte = 0x21
	tagDocument  byte = 0x30
	tagArray     byte = 0x31
	tagBinary    byte = 0x40
	tagObjectID  byte = 0x50
	tagBoolFalse byte = 0x60
	tagBoolTrue  byte = 0x61
	tagDateTime  byte = 0x70
	tagTimestamp byte = 0x71
	tagRegex     byte = 0x80
	tagJS        byte = 0x81
	tagDBPointer byte = 0x82
)

// AppendValue appends the encoded segment for v onto buf and returns the
// extended slice. It returns ErrNotAValidKeyType-wrapping errors for BSON
// variants that cannot appear in key position (§4.1: JavaScript code, DB
// pointer, and the container types Document/Array/Regex).
func AppendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case primitive.Null:
		return append(buf, tagNull), nil
	case primitive.Undefined:
		return append(buf, tagUndefined), nil
	case bool:
		if x {
			return append(buf, tagBoolTrue), nil
		}
		return append(buf, tagBoolFalse), nil
	case int:
		return appendInt64(buf, int64(x)), nil
	case int32:
		return appendInt32(buf, x), nil
	case int64:
		return appendInt64(buf, x), nil
	case float64:
		return appendDouble(buf, x), nil
	case float32:
		return appendDouble(buf, float64(x)), nil
	case string:
		return appendString(buf, tagString, x)
	case primitive.Symbol:
		return appendString(buf, tagSymbol, string(x))
	case primitive.ObjectID:
		return append(append(buf, tagObjectID), x[:]...), nil
	case primitive.DateTime:
		return appendInt64WithTag(buf, tagDateTime, int64(x)), nil
	case time.Time:
		return appendInt64WithTag(buf, tagDateTime, x.UnixMilli()), nil
	case primitive.Timestamp:
		b := append(buf, tagTimestamp)
		var tmp [8]byte
		binary.BigEndian.PutUint32(tmp[0:4], x.T)
		binary.BigEndian.PutUint32(tmp[4:8], x.I)
		return append(b, tmp[:]...), nil
	case primitive.Binary:
		b := append(buf, tagBinary, x.Subtype)
		var ln [4]byte
		binary.BigEndian.PutUint32(ln[:], uint32(len(x.Data)))
		b = append(b, ln[:]...)
		return append(b, x.Data...), nil
	case primitive.JavaScript:
		return nil, fmt.Errorf("%w: JavaScript code", ErrNotAValidKeyType)
	case primitive.CodeWithScope:
		return nil, fmt.Errorf("%w: JavaScript code with scope", ErrNotAValidKeyType)
	case primitive.DBPointer:
		return nil, fmt.Errorf("%w: DB pointer", ErrNotAValidKeyType)
	case primitive.Regex:
		return nil, fmt.Errorf("%w: regex", ErrNotAValidKeyType)
	case map[string]any:
		return nil, fmt.Errorf("%w: embedded document", ErrNotAValidKeyType)
	case []any:
		return nil, fmt.Errorf("%w: array", ErrNotAValidKeyType)
	default:
		return nil, fmt.Errorf("%w: unsupported Go type %T", ErrNotAValidKeyType, v)
	}
}

// Encode builds a complete stacked key from an ordered list of values.
func Encode(values ...any) ([]byte, error) {
	var buf []byte
	var err error
	for _, v := range values {
		buf, err = AppendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendInt32(buf []byte, v int32) []byte {
	buf = append(buf, tagInt32)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v)^0x80000000)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendInt64WithTag(buf, tagInt64, v)
}

// appendInt64WithTag encodes a signed 64-bit integer by flipping the sign bit
// so that big-endian byte comparison matches numeric order; this is the exact
// technique the teacher's TimeFieldIndex.encodeInt64 uses for time.Time.
func appendInt64WithTag(buf []byte, tag byte, v int64) []byte {
	buf = append(buf, tag)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v)^(1<<63))
	return append(buf, tmp[:]...)
}

// appendDouble encodes an IEEE-754 double using the standard total-order
// trick: flip all bits for negative numbers, set the sign bit for
// non-negative numbers. NaN sorts last among doubles by construction (its
// exponent/mantissa bit pattern with the sign bit set yields the maximum
// unsigned value), matching §4.4's fixed NaN tie-break.
func appendDouble(buf []byte, v float64) []byte {
	buf = append(buf, tagDouble)
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, tag byte, s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			return nil, fmt.Errorf("%w: embedded NUL byte in string", ErrNotAValidKeyType)
		}
	}
	buf = append(buf, tag)
	buf = append(buf, s...)
	return append(buf, 0x00), nil
}

// ErrNotAValidKeyType is returned when a BSON value cannot be represented in
// key position. It intentionally lives in this package (rather than the
// root polodb package) to keep keycodec import-free of the facade; callers
// wrap it into a *polodb.Error of KindValidation at the API boundary.
var ErrNotAValidKeyType = fmt.Errorf("keycodec: value is not a valid key type")
