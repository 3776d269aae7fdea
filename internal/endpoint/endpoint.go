// Package endpoint is the reliability and dispatch core shared by Node and
// Station. It owns the handler table, the outbox and the message id sequence;
// transport and routing belong to the component that embeds it.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relaynet/internal/dispatch"
	"github.com/danmuck/relaynet/internal/observability"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/rs/zerolog"
)

const (
	KindNode    = "node"
	KindStation = "station"
)

var (
	ErrIDRequired = errors.New("endpoint: id required")
	ErrReservedID = errors.New("endpoint: id is an addressing marker")
)

// ExpiredFunc is called once per message whose ttl ran out unconfirmed.
type ExpiredFunc func(session.Pending, error)

type Endpoint struct {
	kind   string
	id     string
	cfg    session.Config
	log    zerolog.Logger
	table  *dispatch.Table
	outbox *session.Outbox
	seq    atomic.Uint64

	mu        sync.Mutex
	onExpired ExpiredFunc
}

func New(kind, id string, cfg session.Config, log zerolog.Logger) (*Endpoint, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}
	if protocol.IsReserved(id) {
		return nil, fmt.Errorf("%w: %q", ErrReservedID, id)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		kind:  kind,
		id:    id,
		cfg:   cfg,
		log:   observability.ComponentLogger(log, kind, id),
		table: dispatch.NewTable(),
	}
	e.seq.Store(uint64(time.Now().UnixNano()))
	e.outbox = session.NewOutbox(cfg.RetryInterval, e.expired)
	e.outbox.OnRetry(e.retried)
	_ = e.table.Handle(protocol.KeyConfirm, e.handleConfirm)
	_ = e.table.Handle(protocol.KeyHeartbeat, func(context.Context, protocol.Message) error { return nil })
	return e, nil
}

func (e *Endpoint) ID() string                 { return e.id }
func (e *Endpoint) Kind() string               { return e.kind }
func (e *Endpoint) Config() session.Config     { return e.cfg }
func (e *Endpoint) Logger() zerolog.Logger     { return e.log }
func (e *Endpoint) Table() *dispatch.Table     { return e.table }
func (e *Endpoint) Outbox() *session.Outbox    { return e.outbox }
func (e *Endpoint) Pending() []session.Pending { return e.outbox.List() }

// Handle registers h for key. Registrations belong before the receive loop
// starts; CONFIRM may be overridden only by callers that reimplement it.
func (e *Endpoint) Handle(key string, h dispatch.Handler) error {
	return e.table.Handle(key, h)
}

// OnExpired installs the hook that surfaces failed deliveries to the owner.
func (e *Endpoint) OnExpired(fn ExpiredFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExpired = fn
}

// NextID returns a fresh message id. Ids start at the creation time in
// nanoseconds so a restarted sender does not reuse recent ids.
func (e *Endpoint) NextID() uint64 {
	return e.seq.Add(1)
}

// PrepareMessage builds and validates an outbound message with a fresh id.
func (e *Endpoint) PrepareMessage(to, key string, value []byte, flags protocol.Flags) (protocol.Message, error) {
	msg := protocol.Message{
		ID:     e.NextID(),
		Sender: e.id,
		To:     strings.TrimSpace(to),
		Key:    strings.TrimSpace(key),
		Value:  value,
		TTL:    e.cfg.TTL,
		Flags:  flags,
	}
	if err := msg.Validate(); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// Transmit writes msg on link. Messages that require confirmation are tracked
// before the first write so an early CONFIRM always finds its entry. A failed
// first write leaves the entry in place for the retry timer.
func (e *Endpoint) Transmit(link string, msg protocol.Message, send session.SendFunc) error {
	if msg.RequiresConfirm() {
		e.outbox.Track(link, msg, send)
		observability.SetPending(e.kind, e.id, e.outbox.Len())
	}
	if err := send(msg); err != nil {
		e.log.Warn().Err(err).Str("link", link).Uint64("msg_id", msg.ID).Str("key", msg.Key).Msg("transmit failed")
		return err
	}
	observability.RecordSent(e.kind, e.id, e.metricKey(msg.Key))
	observability.MessageEvent(e.log, msg.Flags.Has(protocol.FlagQuiet)).
		Str("link", link).
		Uint64("msg_id", msg.ID).
		Str("to", msg.To).
		Str("key", msg.Key).
		Msg("sent")
	return nil
}

// Receive runs the receiver side for one inbound message on link: validate,
// confirm through reply, then dispatch. The confirmation is sent whether or
// not a handler exists for the key.
func (e *Endpoint) Receive(ctx context.Context, link string, msg protocol.Message, reply session.SendFunc) error {
	if err := msg.Validate(); err != nil {
		observability.RecordDropped(e.kind, e.id, observability.DropMalformed)
		e.log.Warn().Err(err).Str("link", link).Uint64("msg_id", msg.ID).Msg("dropped malformed message")
		return err
	}
	observability.RecordReceived(e.kind, e.id, e.metricKey(msg.Key))
	observability.MessageEvent(e.log, msg.Flags.Has(protocol.FlagQuiet)).
		Str("link", link).
		Uint64("msg_id", msg.ID).
		Str("sender", msg.Sender).
		Str("key", msg.Key).
		Msg("received")
	if msg.RequiresConfirm() {
		e.Acknowledge(link, msg, reply)
	}
	return e.Dispatch(ctx, link, msg)
}

// Acknowledge sends the CONFIRM for msg. Write failures are logged only; the
// sender retransmits and the next copy is confirmed again.
func (e *Endpoint) Acknowledge(link string, msg protocol.Message, reply session.SendFunc) {
	if reply == nil {
		return
	}
	if err := reply(protocol.Confirmation(e.id, msg)); err != nil {
		e.log.Warn().Err(err).Str("link", link).Uint64("msg_id", msg.ID).Msg("confirm write failed")
	}
}

// Dispatch hands msg to its handler. Unknown keys and handler failures are
// logged and counted; they never stop the caller's loop.
func (e *Endpoint) Dispatch(ctx context.Context, link string, msg protocol.Message) error {
	err := e.table.Dispatch(dispatch.WithLink(ctx, link), msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrUnknownKey):
		observability.RecordDropped(e.kind, e.id, observability.DropUnknownKey)
		e.log.Warn().Str("link", link).Str("sender", msg.Sender).Str("key", msg.Key).Msg("dropped message with unknown key")
	default:
		observability.RecordHandlerFailure(e.kind, e.id, e.metricKey(msg.Key))
		e.log.Error().Err(err).Str("link", link).Uint64("msg_id", msg.ID).Str("key", msg.Key).Msg("handler failed")
	}
	return err
}

// Close stops every retry timer. Pending entries are dropped unreported.
func (e *Endpoint) Close() {
	e.outbox.Close()
}

func (e *Endpoint) handleConfirm(ctx context.Context, msg protocol.Message) error {
	link := dispatch.LinkFrom(ctx)
	p, ok := e.outbox.Confirm(link, msg.ID)
	if !ok {
		observability.MessageEvent(e.log, true).Str("link", link).Uint64("msg_id", msg.ID).Msg("confirm for unknown or settled message")
		return nil
	}
	observability.SetPending(e.kind, e.id, e.outbox.Len())
	latency := time.Since(p.QueuedAt)
	observability.RecordConfirmed(e.kind, e.id, latency)
	observability.MessageEvent(e.log, msg.Flags.Has(protocol.FlagQuiet)).
		Str("link", link).
		Uint64("msg_id", msg.ID).
		Str("key", p.Message.Key).
		Int("retries", p.Retries).
		Dur("latency", latency).
		Msg("confirmed")
	return nil
}

func (e *Endpoint) retried(p session.Pending) {
	observability.RecordRetransmit(e.kind, e.id, e.metricKey(p.Message.Key))
	ev := e.log.Debug()
	if p.LastError != "" {
		ev = e.log.Warn().Str("last_error", p.LastError)
	}
	ev.Str("link", p.Link).
		Uint64("msg_id", p.Message.ID).
		Str("key", p.Message.Key).
		Uint32("ttl", p.Message.TTL).
		Int("retries", p.Retries).
		Msg("retransmitted")
}

func (e *Endpoint) expired(p session.Pending, err error) {
	observability.RecordExpired(e.kind, e.id, e.metricKey(p.Message.Key))
	observability.SetPending(e.kind, e.id, e.outbox.Len())
	e.log.Warn().Err(err).Str("link", p.Link).Str("to", p.Message.To).Msg("delivery expired")
	e.mu.Lock()
	fn := e.onExpired
	e.mu.Unlock()
	if fn != nil {
		fn(p, err)
	}
}

// metricKey bounds the key label to keys this endpoint handles. Peers pick
// keys freely, so everything else shares one series.
func (e *Endpoint) metricKey(key string) string {
	if _, ok := e.table.Lookup(key); ok {
		return key
	}
	return observability.KeyOther
}
