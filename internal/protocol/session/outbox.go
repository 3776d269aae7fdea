package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaynet/internal/protocol"
)

// Key identifies one outstanding send. Link names the hop the message went
// out on; ids are unique per sender so the pair is unique per outbox.
type Key struct {
	Link string
	ID   uint64
}

// Pending tracks one message awaiting CONFIRM.
type Pending struct {
	Link          string
	Message       protocol.Message
	Retries       int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
}

// SendFunc transmits one message on a link.
type SendFunc func(protocol.Message) error

// ExpireFunc receives an evicted entry and an error wrapping
// protocol.ErrDeliveryExpired.
type ExpireFunc func(Pending, error)

type outboxEntry struct {
	pending Pending
	send    SendFunc
	timer   *time.Timer
}

// Outbox stores pending messages and drives their retry timers.
type Outbox struct {
	mu       sync.Mutex
	interval time.Duration
	onExpire ExpireFunc
	onRetry  func(Pending)
	items    map[Key]*outboxEntry
	closed   bool
}

func NewOutbox(interval time.Duration, onExpire ExpireFunc) *Outbox {
	if interval <= 0 {
		interval = DefaultConfig().RetryInterval
	}
	return &Outbox{
		interval: interval,
		onExpire: onExpire,
		items:    make(map[Key]*outboxEntry),
	}
}

// OnRetry installs a hook called after each retransmission attempt.
// It must be set before the first Track.
func (o *Outbox) OnRetry(fn func(Pending)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onRetry = fn
}

// Track registers msg for retry on link and arms its timer. The first
// transmission is the caller's job.
func (o *Outbox) Track(link string, msg protocol.Message, send SendFunc) {
	key := Key{Link: strings.TrimSpace(link), ID: msg.ID}
	now := time.Now()
	e := &outboxEntry{
		pending: Pending{
			Link:          key.Link,
			Message:       msg.Clone(),
			QueuedAt:      now,
			LastAttemptAt: now,
			NextAttemptAt: now.Add(o.interval),
		},
		send: send,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if prev, ok := o.items[key]; ok {
		prev.timer.Stop()
	}
	o.items[key] = e
	e.timer = time.AfterFunc(o.interval, func() { o.tick(key, e) })
}

// Confirm removes the entry for (link, id) and stops its timer.
func (o *Outbox) Confirm(link string, id uint64) (Pending, bool) {
	key := Key{Link: strings.TrimSpace(link), ID: id}
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[key]
	if !ok {
		return Pending{}, false
	}
	e.timer.Stop()
	delete(o.items, key)
	return e.pending, true
}

func (o *Outbox) Get(link string, id uint64) (Pending, bool) {
	key := Key{Link: strings.TrimSpace(link), ID: id}
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[key]
	if !ok {
		return Pending{}, false
	}
	return e.pending, true
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) List() []Pending {
	o.mu.Lock()
	out := make([]Pending, 0, len(o.items))
	for _, e := range o.items {
		out = append(out, e.pending)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Link != out[j].Link {
			return out[i].Link < out[j].Link
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	return out
}

// Close stops every timer and drops all entries. Later Track calls are ignored.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for key, e := range o.items {
		e.timer.Stop()
		delete(o.items, key)
	}
}

func (o *Outbox) tick(key Key, e *outboxEntry) {
	o.mu.Lock()
	if o.closed || o.items[key] != e {
		o.mu.Unlock()
		return
	}
	if e.pending.Message.TTL == 0 {
		delete(o.items, key)
		p := e.pending
		onExpire := o.onExpire
		o.mu.Unlock()
		if onExpire != nil {
			onExpire(p, fmt.Errorf("%w: link=%q id=%d key=%q retries=%d",
				protocol.ErrDeliveryExpired, p.Link, p.Message.ID, p.Message.Key, p.Retries))
		}
		return
	}

	now := time.Now()
	e.pending.Message.TTL--
	e.pending.Retries++
	e.pending.LastAttemptAt = now
	e.pending.NextAttemptAt = now.Add(o.interval)
	msg := e.pending.Message.Clone()
	send := e.send
	e.timer.Reset(o.interval)
	o.mu.Unlock()

	err := send(msg)

	o.mu.Lock()
	if err != nil && o.items[key] == e {
		e.pending.LastError = err.Error()
	}
	p := e.pending
	onRetry := o.onRetry
	o.mu.Unlock()
	if onRetry != nil {
		onRetry(p)
	}
}
