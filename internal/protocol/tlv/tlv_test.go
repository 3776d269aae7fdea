package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/relaynet/internal/testutil/testlog"
)

func TestEncodeDecodeKeepsOrderAndUnknownFields(t *testing.T) {
	testlog.Start(t)
	in := Fields{
		NewString(1, "node.alpha"),
		NewU32(5, 3),
		{ID: 900, Kind: Kind(42), Value: []byte{0xAA, 0xBB}},
	}
	wire := in.Encode(nil)
	if len(wire) != in.Size() {
		t.Fatalf("size mismatch: encoded=%d size=%d", len(wire), in.Size())
	}
	out, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 || out[0].ID != 1 || out[1].ID != 5 {
		t.Fatalf("unexpected fields: %+v", out)
	}
	if out[2].Kind != Kind(42) || !bytes.Equal(out[2].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[2])
	}
	wire[len(wire)-1] = 0
	if out[2].Value[1] != 0xBB {
		t.Fatalf("decoded value aliases the payload")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte{0, 1, 1}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short header: expected ErrTruncated, got %v", err)
	}
	// id=1 string, declares 5 bytes, carries 2
	if _, err := Decode([]byte{0, 1, byte(KindString), 0, 0, 0, 5, 'a', 'b'}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short value: expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsDuplicateID(t *testing.T) {
	testlog.Start(t)
	wire := Fields{NewString(3, "PING"), NewString(3, "PONG")}.Encode(nil)
	if _, err := Decode(wire); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAccessorsEnforceKind(t *testing.T) {
	testlog.Start(t)
	if v, err := NewU32(5, 7).AsU32(); err != nil || v != 7 {
		t.Fatalf("u32 got=%d err=%v", v, err)
	}
	if v, err := NewString(1, "PING").AsString(); err != nil || v != "PING" {
		t.Fatalf("string got=%q err=%v", v, err)
	}
	if v, err := NewBytes(4, []byte("hi")).AsBytes(); err != nil || string(v) != "hi" {
		t.Fatalf("bytes got=%q err=%v", v, err)
	}

	_, err := NewBytes(1, []byte("PING")).AsString()
	var kerr *KindError
	if !errors.As(err, &kerr) || !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected KindError, got %v", err)
	}
	if kerr.Got != KindBytes || kerr.Want != KindString {
		t.Fatalf("unexpected kind error: %+v", kerr)
	}

	short := Field{ID: 5, Kind: KindU32, Value: []byte{1}}
	if _, err := short.AsU32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}

	src := []byte{1, 2}
	f := NewBytes(4, src)
	src[0] = 9
	if f.Value[0] != 1 {
		t.Fatalf("NewBytes must copy its input")
	}
}
