package tlv

import (
	"encoding/binary"
	"fmt"
)

func NewString(id uint16, v string) Field {
	return Field{ID: id, Kind: KindString, Value: []byte(v)}
}

// NewBytes copies v.
func NewBytes(id uint16, v []byte) Field {
	return Field{ID: id, Kind: KindBytes, Value: append([]byte{}, v...)}
}

func NewU32(id uint16, v uint32) Field {
	return Field{ID: id, Kind: KindU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func (f Field) AsString() (string, error) {
	if err := f.expect(KindString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (f Field) AsBytes() ([]byte, error) {
	if err := f.expect(KindBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}

func (f Field) AsU32() (uint32, error) {
	if err := f.expect(KindU32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) expect(k Kind) error {
	if f.Kind != k {
		return &KindError{ID: f.ID, Got: f.Kind, Want: k}
	}
	return nil
}

// KindError reports a field decoded with the wrong accessor.
type KindError struct {
	ID   uint16
	Got  Kind
	Want Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("tlv: field %d is %s, want %s", e.ID, e.Got, e.Want)
}

func (e *KindError) Unwrap() error { return ErrKindMismatch }
