package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/relaynet/internal/protocol/frame"
	"github.com/danmuck/relaynet/internal/protocol/schema"
	"github.com/danmuck/relaynet/internal/protocol/tlv"
)

// Unmarshal decodes exactly one framed message from b.
func Unmarshal(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	msg, err := Decode(r)
	if err != nil {
		return Message{}, err
	}
	if r.Len() != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return msg, nil
}

// Decode reads one frame from r and decodes it. Every failure wraps ErrDecode.
func Decode(r io.Reader) (Message, error) {
	fr, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return FromFrame(fr)
}

// FromFrame decodes the payload of an already-read frame. It does not run
// Validate; empty identity fields are the caller's MalformedMessage case.
func FromFrame(fr frame.Frame) (Message, error) {
	fields, err := tlv.Decode(fr.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := schema.Validate(fr.Header.MessageType, fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	msg := Message{
		ID:    fr.Header.MessageID,
		Flags: Flags(fr.Header.Flags),
	}
	strs := []struct {
		id  uint16
		dst *string
	}{
		{schema.FieldSender, &msg.Sender},
		{schema.FieldTo, &msg.To},
		{schema.FieldKey, &msg.Key},
	}
	for _, sf := range strs {
		f, ok := fields.Get(sf.id)
		if !ok {
			continue
		}
		if *sf.dst, err = f.AsString(); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	if f, ok := fields.Get(schema.FieldTTL); ok {
		if msg.TTL, err = f.AsU32(); err != nil {
			return Message{}, fmt.Errorf("%w: ttl: %w", ErrDecode, err)
		}
	}
	if f, ok := fields.Get(schema.FieldValue); ok {
		if msg.Value, err = f.AsBytes(); err != nil {
			return Message{}, fmt.Errorf("%w: value: %w", ErrDecode, err)
		}
	}
	if (fr.Header.MessageType == schema.MsgConfirm) != msg.IsConfirm() {
		return Message{}, fmt.Errorf("%w: message_type=%d key=%q", ErrDecode, fr.Header.MessageType, msg.Key)
	}
	return msg, nil
}
