package node

import (
	"context"
	"fmt"

	"github.com/danmuck/relaynet/internal/observability"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
)

// receiveLoop reads, decodes and dispatches upstream traffic until shutdown
// or a transport failure. Every handler runs on this goroutine.
func (n *Node) receiveLoop(ctx context.Context, conn *session.Conn) {
	defer close(n.done)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// No idle deadline: a parent only speaks when it has traffic, and
	// liveness is judged on the Station side from this Node's heartbeats.
	for {
		fr, err := conn.ReadFrame(0)
		if err != nil {
			if n.stopping(ctx) {
				n.log.Info().Msg("receive loop stopped")
				return
			}
			n.fail(fmt.Errorf("node: upstream read: %w", err))
			n.log.Error().Err(err).Msg("upstream link lost")
			return
		}
		msg, err := protocol.FromFrame(fr)
		if err != nil {
			observability.RecordDropped(n.Kind(), n.ID(), observability.DropDecode)
			n.log.Warn().Err(err).Uint64("msg_id", fr.Header.MessageID).Msg("dropped undecodable frame")
			continue
		}
		n.handleListen(ctx, msg)
	}
}

func (n *Node) handleListen(ctx context.Context, msg protocol.Message) {
	if n.deliver != nil {
		n.deliver(ctx, msg)
		return
	}
	_ = n.Receive(ctx, protocol.ToUpstream, msg, n.WriteMessage)
}
