// Package tlv is the field codec for message payloads. A field is a 2-byte
// id, a 1-byte kind, a 4-byte value length and the value, all big-endian.
package tlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const fieldHeaderLen = 7

var (
	ErrTruncated     = errors.New("tlv: truncated field")
	ErrDuplicate     = errors.New("tlv: duplicate field")
	ErrKindMismatch  = errors.New("tlv: field kind mismatch")
	ErrInvalidLength = errors.New("tlv: invalid field length")
)

// Kind is the value encoding of one field.
type Kind uint8

const (
	KindString Kind = 1
	KindBytes  Kind = 2
	KindU32    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindU32:
		return "u32"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Field struct {
	ID    uint16
	Kind  Kind
	Value []byte
}

// Fields is one payload in wire order. Ids are unique within it.
type Fields []Field

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Size is the encoded length of fs.
func (fs Fields) Size() int {
	n := 0
	for _, f := range fs {
		n += fieldHeaderLen + len(f.Value)
	}
	return n
}

// Encode appends the wire form of fs to dst.
func (fs Fields) Encode(dst []byte) []byte {
	for _, f := range fs {
		dst = binary.BigEndian.AppendUint16(dst, f.ID)
		dst = append(dst, byte(f.Kind))
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
		dst = append(dst, f.Value...)
	}
	return dst
}

// Decode splits payload into fields. Values are copied out of payload.
// Unknown kinds pass through; a repeated id is rejected.
func Decode(payload []byte) (Fields, error) {
	var fs Fields
	for rest := payload; len(rest) > 0; {
		if len(rest) < fieldHeaderLen {
			return nil, fmt.Errorf("%w: %d header bytes left", ErrTruncated, len(rest))
		}
		id := binary.BigEndian.Uint16(rest[0:2])
		kind := Kind(rest[2])
		n := binary.BigEndian.Uint32(rest[3:7])
		rest = rest[fieldHeaderLen:]
		if uint64(n) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrTruncated, id, n, len(rest))
		}
		if _, dup := fs.Get(id); dup {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicate, id)
		}
		fs = append(fs, Field{ID: id, Kind: kind, Value: bytes.Clone(rest[:n])})
		rest = rest[n:]
	}
	return fs, nil
}
