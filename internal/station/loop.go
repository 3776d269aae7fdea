package station

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/relaynet/internal/observability"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
)

func (s *Station) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.fail(fmt.Errorf("station: accept: %w", err))
			return
		}
		conn := session.NewConn(raw, s.cfg.Session)
		if !s.trackConn(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.readLoop(ctx, conn)
	}
}

// readLoop decodes one child's frames onto the inbox. A read error only
// ends this child.
func (s *Station) readLoop(ctx context.Context, conn *session.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)
	s.log.Debug().Str("remote", conn.RemoteAddr()).Msg("child connected")
	for {
		fr, err := conn.ReadFrame(s.cfg.Session.DeadAfter)
		if err != nil {
			if ctx.Err() == nil && !conn.Closed() {
				s.log.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("child read ended")
			}
			return
		}
		msg, err := protocol.FromFrame(fr)
		if err != nil {
			observability.RecordDropped(s.Kind(), s.ID(), observability.DropDecode)
			s.log.Warn().Err(err).Str("remote", conn.RemoteAddr()).Uint64("msg_id", fr.Header.MessageID).Msg("dropped undecodable frame")
			continue
		}
		select {
		case s.inbox <- inbound{conn: conn, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Station) deliverUpstream(ctx context.Context, msg protocol.Message) {
	select {
	case s.inbox <- inbound{msg: msg}:
	case <-ctx.Done():
	}
}

func (s *Station) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inbox:
			if in.conn == nil {
				s.handleUpstream(ctx, in.msg)
			} else {
				s.handleListen(ctx, in.conn, in.msg)
			}
		}
	}
}

// handleListen serves one message from a child: learn the route, then
// deliver locally, fan out, or forward by the message's To.
func (s *Station) handleListen(ctx context.Context, conn *session.Conn, msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		observability.RecordDropped(s.Kind(), s.ID(), observability.DropMalformed)
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr()).Uint64("msg_id", msg.ID).Msg("dropped malformed message")
		return
	}
	link := s.learn(conn, msg.Sender)
	reply := conn.WriteMessage
	switch {
	case msg.IsConfirm(), msg.To == s.ID(), msg.To == protocol.ToUpstream:
		_ = s.Receive(ctx, link, msg, reply)
	case msg.To == protocol.ToBroadcast:
		_ = s.Receive(ctx, link, msg, reply)
		s.fanOut(msg, link)
	default:
		if msg.RequiresConfirm() {
			s.Acknowledge(link, msg, reply)
		}
		s.forward(msg, link)
	}
}

func (s *Station) handleUpstream(ctx context.Context, msg protocol.Message) {
	up := s.upstreamNode()
	if up == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		observability.RecordDropped(s.Kind(), s.ID(), observability.DropMalformed)
		s.log.Warn().Err(err).Uint64("msg_id", msg.ID).Msg("dropped malformed message from upstream")
		return
	}
	reply := up.WriteMessage
	switch {
	case msg.IsConfirm(), msg.To == s.ID():
		_ = s.Receive(ctx, protocol.ToUpstream, msg, reply)
	case msg.To == protocol.ToBroadcast:
		_ = s.Receive(ctx, protocol.ToUpstream, msg, reply)
		s.fanOut(msg, protocol.ToUpstream)
	default:
		if msg.RequiresConfirm() {
			s.Acknowledge(protocol.ToUpstream, msg, reply)
		}
		s.forward(msg, protocol.ToUpstream)
	}
}

// learn binds the connection to the first sender seen on it and records a
// route for sender. Later senders on the same connection are routed via
// that first child. It returns the direct child's id.
func (s *Station) learn(conn *session.Conn, sender string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok := s.senders[conn]
	if !ok {
		child = sender
	}
	if conn.Closed() {
		return child
	}
	s.senders[conn] = child
	via := ""
	if sender != child {
		via = child
	}
	route, added := s.routes.Resolve(sender, via, conn, time.Now())
	if added {
		observability.SetRoutes(s.ID(), s.routes.Len())
		s.log.Info().Str("route", route.ID).Str("via", route.Via).Str("addr", route.Addr).Msg("route registered")
	}
	return child
}

// forward relays a message addressed elsewhere: to a known route, else up
// to the parent unless it came from there. The copy keeps Sender and gets a
// fresh hop id and ttl.
func (s *Station) forward(msg protocol.Message, from string) {
	out := msg.Clone()
	out.ID = s.NextID()
	out.TTL = s.Config().TTL
	if route, conn, ok := s.routes.Lookup(msg.To); ok && route.Link() != from {
		_ = s.Transmit(route.Link(), out, conn.WriteMessage)
		return
	}
	if up := s.upstreamNode(); up != nil && from != protocol.ToUpstream {
		_ = up.SendMessage(out)
		return
	}
	observability.RecordDropped(s.Kind(), s.ID(), observability.DropUnknownRoute)
	s.log.Warn().Str("from", from).Str("sender", msg.Sender).Str("to", msg.To).Str("key", msg.Key).Msg("dropped message for unknown route")
}

// fanOut sends a copy of msg to every direct child except the one it came from.
func (s *Station) fanOut(msg protocol.Message, from string) {
	for id, conn := range s.routes.children() {
		if id == from {
			continue
		}
		out := msg.Clone()
		out.ID = s.NextID()
		out.TTL = s.Config().TTL
		_ = s.Transmit(id, out, conn.WriteMessage)
	}
}

func (s *Station) trackConn(conn *session.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// dropConn forgets a departed child: its sender binding and every route
// still pointing at the connection.
func (s *Station) dropConn(conn *session.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	child := s.senders[conn]
	delete(s.senders, conn)
	removed := s.routes.RemoveConn(conn)
	s.mu.Unlock()
	if len(removed) > 0 {
		observability.SetRoutes(s.ID(), s.routes.Len())
	}
	s.log.Info().Str("child", child).Strs("routes_removed", removed).Str("remote", conn.RemoteAddr()).Msg("child left")
}
