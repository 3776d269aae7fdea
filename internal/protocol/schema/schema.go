package schema

import (
	"fmt"

	"github.com/danmuck/relaynet/internal/protocol/tlv"
)

// Message type IDs carried in the frame header.
const (
	MsgData    uint32 = 1
	MsgConfirm uint32 = 2
)

// Field IDs carried in the TLV payload.
const (
	FieldSender uint16 = 1
	FieldTo     uint16 = 2
	FieldKey    uint16 = 3
	FieldValue  uint16 = 4
	FieldTTL    uint16 = 5
)

type Requirement struct {
	ID       uint16
	Kind     tlv.Kind
	Optional bool
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgData: {
		{ID: FieldSender, Kind: tlv.KindString},
		{ID: FieldTo, Kind: tlv.KindString},
		{ID: FieldKey, Kind: tlv.KindString},
		{ID: FieldTTL, Kind: tlv.KindU32},
		{ID: FieldValue, Kind: tlv.KindBytes, Optional: true},
	},
	MsgConfirm: {
		{ID: FieldSender, Kind: tlv.KindString},
		{ID: FieldTo, Kind: tlv.KindString},
		{ID: FieldKey, Kind: tlv.KindString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored so newer senders can add fields.
func Validate(messageType uint32, fields tlv.Fields) error {
	reqs, ok := requirements[messageType]
	if !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := fields.Get(req.ID)
		if !found {
			if req.Optional {
				continue
			}
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Kind != req.Kind {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "want " + req.Kind.String() + ", got " + f.Kind.String()}
		}
	}
	return nil
}
