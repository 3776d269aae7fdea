package protocol

import (
	"bytes"
	"io"

	"github.com/danmuck/relaynet/internal/protocol/frame"
	"github.com/danmuck/relaynet/internal/protocol/schema"
	"github.com/danmuck/relaynet/internal/protocol/tlv"
)

// Marshal validates msg and returns its framed wire bytes.
func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode validates msg and writes it to w as a single frame.
func Encode(w io.Writer, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	fields := tlv.Fields{
		tlv.NewString(schema.FieldSender, msg.Sender),
		tlv.NewString(schema.FieldTo, msg.To),
		tlv.NewString(schema.FieldKey, msg.Key),
		tlv.NewU32(schema.FieldTTL, msg.TTL),
	}
	if msg.Value != nil {
		fields = append(fields, tlv.NewBytes(schema.FieldValue, msg.Value))
	}
	messageType := messageTypeOf(msg)
	if err := schema.Validate(messageType, fields); err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageID:   msg.ID,
			MessageType: messageType,
			Flags:       uint32(msg.Flags),
		},
		Payload: fields.Encode(make([]byte, 0, fields.Size())),
	}, frame.DefaultLimits())
}

func messageTypeOf(msg Message) uint32 {
	if msg.IsConfirm() {
		return schema.MsgConfirm
	}
	return schema.MsgData
}
