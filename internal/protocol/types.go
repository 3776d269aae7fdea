package protocol

import (
	"fmt"
	"strings"
)

// Reserved keys and addressing markers.
const (
	KeyConfirm   = "CONFIRM"
	KeyHeartbeat = "HEARTBEAT"

	// ToUpstream addresses whichever Station sits above the sender.
	ToUpstream = "^"
	// ToBroadcast asks a Station to deliver locally and to every child.
	ToBroadcast = "*"

	DefaultTTL uint32 = 5
)

// Flags is the per-message modifier set.
type Flags uint32

const (
	// FlagNoConfirm exempts a message from confirmation and retry.
	FlagNoConfirm Flags = 1 << iota
	// FlagQuiet demotes per-message logging to trace level.
	FlagQuiet
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	if f.Has(FlagNoConfirm) {
		parts = append(parts, "no_confirm")
	}
	if f.Has(FlagQuiet) {
		parts = append(parts, "quiet")
	}
	if rest := f &^ (FlagNoConfirm | FlagQuiet); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Message is the wire unit exchanged between nodes and stations.
type Message struct {
	ID     uint64
	Sender string
	To     string
	Key    string
	Value  []byte
	TTL    uint32
	Flags  Flags
}

// Validate fails with ErrMalformedMessage when To, Sender or Key is empty
// or Sender is an addressing marker.
func (m Message) Validate() error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(m.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(m.Sender) == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(m.Key) == "" {
		missing = append(missing, "key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedMessage, strings.Join(missing, ","))
	}
	if IsReserved(m.Sender) {
		return fmt.Errorf("%w: sender %q is an addressing marker", ErrMalformedMessage, m.Sender)
	}
	return nil
}

// IsReserved reports whether id is one of the addressing markers, which can
// never name a Node or Station.
func IsReserved(id string) bool {
	id = strings.TrimSpace(id)
	return id == ToUpstream || id == ToBroadcast
}

// RequiresConfirm reports whether the receiver must answer with CONFIRM.
func (m Message) RequiresConfirm() bool {
	return m.Key != KeyConfirm && !m.Flags.Has(FlagNoConfirm)
}

// IsConfirm reports whether m acknowledges an earlier message.
func (m Message) IsConfirm() bool {
	return m.Key == KeyConfirm
}

// Clone returns a copy that does not share Value with m.
func (m Message) Clone() Message {
	out := m
	if m.Value != nil {
		out.Value = make([]byte, len(m.Value))
		copy(out.Value, m.Value)
	}
	return out
}

// Confirmation builds the CONFIRM reply for m sent by sender. The reply
// carries the confirmed message id as its own id.
func Confirmation(sender string, m Message) Message {
	return Message{
		ID:     m.ID,
		Sender: sender,
		To:     m.Sender,
		Key:    KeyConfirm,
		Flags:  FlagNoConfirm | (m.Flags & FlagQuiet),
	}
}

func (m Message) String() string {
	return fmt.Sprintf("id=%d sender=%q to=%q key=%q ttl=%d flags=%s bytes=%d",
		m.ID, m.Sender, m.To, m.Key, m.TTL, m.Flags, len(m.Value))
}
