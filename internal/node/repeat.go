package node

import (
	"strings"
	"time"

	"github.com/danmuck/relaynet/internal/protocol"
)

type repeater struct {
	ticker *time.Ticker
	quit   chan struct{}
}

func (r *repeater) stop() {
	r.ticker.Stop()
	close(r.quit)
}

// Repeat arms a periodic resend of msg keyed by msg.Key, replacing any
// earlier repeater for that key. Each tick writes a copy with a fresh id and
// FlagNoConfirm; repeats never enter the outbox. interval <= 0 disarms.
func (n *Node) Repeat(msg protocol.Message, interval time.Duration) error {
	key := strings.TrimSpace(msg.Key)
	msg.Key = key
	msg.Sender = n.ID()
	if strings.TrimSpace(msg.To) == "" {
		msg.To = protocol.ToUpstream
	}
	if msg.TTL == 0 {
		msg.TTL = n.cfg.Session.TTL
	}
	msg.Flags |= protocol.FlagNoConfirm
	if interval > 0 {
		if err := msg.Validate(); err != nil {
			return err
		}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := n.repeaters[key]; ok {
		prev.stop()
		delete(n.repeaters, key)
	}
	if interval <= 0 {
		n.mu.Unlock()
		n.log.Debug().Str("key", key).Msg("repeat disarmed")
		return nil
	}
	r := &repeater{ticker: time.NewTicker(interval), quit: make(chan struct{})}
	n.repeaters[key] = r
	n.mu.Unlock()

	n.log.Debug().Str("key", key).Dur("interval", interval).Msg("repeat armed")
	go n.repeatLoop(r, msg.Clone())
	return nil
}

func (n *Node) repeatLoop(r *repeater, msg protocol.Message) {
	for {
		select {
		case <-r.quit:
			return
		case <-r.ticker.C:
			out := msg.Clone()
			out.ID = n.NextID()
			if err := n.WriteMessage(out); err != nil {
				n.log.Debug().Err(err).Str("key", out.Key).Msg("repeat write skipped")
			}
		}
	}
}
