package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/frame"
	"github.com/danmuck/relaynet/internal/protocol/schema"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/danmuck/relaynet/internal/testutil/testlog"
)

type fakeUpstream struct {
	ln    net.Listener
	conns chan net.Conn
}

func startFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeUpstream{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- raw
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeUpstream) acceptRaw(t *testing.T) net.Conn {
	t.Helper()
	select {
	case raw := <-f.conns:
		t.Cleanup(func() { _ = raw.Close() })
		return raw
	case <-time.After(2 * time.Second):
		t.Fatalf("node never connected")
		return nil
	}
}

func (f *fakeUpstream) accept(t *testing.T) *session.Conn {
	t.Helper()
	return session.NewConn(f.acceptRaw(t), session.DefaultConfig())
}

func readMessage(t *testing.T, c *session.Conn) protocol.Message {
	t.Helper()
	fr, err := c.ReadFrame(2 * time.Second)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := protocol.FromFrame(fr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// readKeyed skips heartbeats.
func readKeyed(t *testing.T, c *session.Conn) protocol.Message {
	t.Helper()
	for {
		msg := readMessage(t, c)
		if msg.Key != protocol.KeyHeartbeat {
			return msg
		}
	}
}

func startNode(t *testing.T, addr string, mutate func(*Config)) *Node {
	t.Helper()
	log := testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ID = "node.alpha"
	cfg.UpstreamAddr = addr
	cfg.Session.RetryInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg, log)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresUpstreamAndDefaultsID(t *testing.T) {
	log := testlog.Start(t)
	if _, err := New(Config{}, log); !errors.Is(err, ErrUpstreamAddressRequired) {
		t.Fatalf("expected ErrUpstreamAddressRequired, got %v", err)
	}
	n, err := New(Config{UpstreamAddr: "127.0.0.1:1"}, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer n.Close()
	if n.ID() == "" {
		t.Fatalf("expected generated id")
	}
}

func TestSendBeforeStart(t *testing.T) {
	n := startNode(t, "127.0.0.1:1", nil)
	if err := n.Send("", "PING", nil, 0); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if n.Outbox().Len() != 0 {
		t.Fatalf("unstarted send was tracked")
	}
}

func TestStartSendsHelloAndSendIsConfirmed(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := up.accept(t)

	hello := readMessage(t, conn)
	if hello.Key != protocol.KeyHeartbeat || hello.Sender != "node.alpha" || !hello.Flags.Has(protocol.FlagNoConfirm) {
		t.Fatalf("unexpected hello: %s", hello)
	}

	if err := n.Send("", "PING", []byte("hi"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	ping := readKeyed(t, conn)
	if ping.To != protocol.ToUpstream || ping.Key != "PING" || string(ping.Value) != "hi" {
		t.Fatalf("unexpected ping: %s", ping)
	}
	if n.Outbox().Len() != 1 {
		t.Fatalf("expected ping tracked")
	}
	if err := conn.WriteMessage(protocol.Confirmation("station.root", ping)); err != nil {
		t.Fatalf("write confirm: %v", err)
	}
	waitFor(t, "outbox drain", func() bool { return n.Outbox().Len() == 0 })
}

func TestUnconfirmedSendIsRetransmittedWithSameID(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := up.accept(t)

	if err := n.Send("", "valve.set", []byte(`{"open":true}`), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := readKeyed(t, conn)
	retry := readKeyed(t, conn)
	if retry.ID != first.ID {
		t.Fatalf("retransmission changed id: %d != %d", retry.ID, first.ID)
	}
	if retry.TTL != first.TTL-1 {
		t.Fatalf("expected ttl decrement, got %d after %d", retry.TTL, first.TTL)
	}
	_ = conn.WriteMessage(protocol.Confirmation("station.root", retry))
	waitFor(t, "outbox drain", func() bool { return n.Outbox().Len() == 0 })
}

func TestInboundIsConfirmedAndDispatched(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	got := make(chan protocol.Message, 1)
	_ = n.Handle("PONG", func(_ context.Context, msg protocol.Message) error {
		got <- msg
		return nil
	})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := up.accept(t)

	pong := protocol.Message{ID: 4242, Sender: "station.root", To: "node.alpha", Key: "PONG", Value: []byte("ok"), TTL: 3}
	if err := conn.WriteMessage(pong); err != nil {
		t.Fatalf("write: %v", err)
	}
	confirm := readKeyed(t, conn)
	if confirm.Key != protocol.KeyConfirm || confirm.ID != 4242 || confirm.To != "station.root" {
		t.Fatalf("unexpected confirm: %s", confirm)
	}
	select {
	case msg := <-got:
		if string(msg.Value) != "ok" {
			t.Fatalf("unexpected payload: %q", msg.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
}

func TestCorruptFrameIsDroppedAndLoopContinues(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	got := make(chan struct{}, 1)
	_ = n.Handle("PONG", func(context.Context, protocol.Message) error {
		got <- struct{}{}
		return nil
	})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	raw := up.acceptRaw(t)
	conn := session.NewConn(raw, session.DefaultConfig())

	garbage := frame.Frame{
		Header:  frame.Header{MessageID: 1, MessageType: schema.MsgData},
		Payload: []byte{0x00, 0x01, 0xff},
	}
	if err := frame.WriteFrame(raw, garbage, frame.DefaultLimits()); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	pong := protocol.Message{ID: 2, Sender: "station.root", To: "node.alpha", Key: "PONG", Flags: protocol.FlagNoConfirm}
	if err := conn.WriteMessage(pong); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop stopped after a bad message")
	}
}

func TestRepeatSendsFreshUnconfirmedCopies(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := up.accept(t)
	_ = readMessage(t, conn)

	if err := n.Repeat(protocol.Message{Key: "status", Value: []byte("up")}, 20*time.Millisecond); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	a := readMessage(t, conn)
	b := readMessage(t, conn)
	if a.Key != "status" || b.Key != "status" || a.ID == b.ID {
		t.Fatalf("expected fresh ids per tick: %s / %s", a, b)
	}
	if !a.Flags.Has(protocol.FlagNoConfirm) || n.Outbox().Len() != 0 {
		t.Fatalf("repeats must bypass the outbox")
	}
	if got := n.Status().Repeating; len(got) != 1 || got[0] != "status" {
		t.Fatalf("unexpected repeaters: %v", got)
	}
	if err := n.Repeat(protocol.Message{Key: "status"}, 0); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if len(n.Status().Repeating) != 0 {
		t.Fatalf("repeater still armed")
	}
}

func TestWaitSurfacesTransportFailure(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := up.accept(t)
	_ = conn.Close()

	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("receive loop survived a closed link")
	}
	if err := n.Wait(); err == nil {
		t.Fatalf("expected transport error from Wait")
	}
}

func TestCloseEndsLoopWithoutError(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	up.accept(t)
	_ = n.Close()
	if err := n.Wait(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if err := n.Send("", "PING", nil, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitReturnsAfterCloseWithoutStart(t *testing.T) {
	n := startNode(t, "127.0.0.1:1", nil)
	_ = n.Close()
	waited := make(chan error, 1)
	go func() { waited <- n.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("expected nil from Wait, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait blocked on a node that was closed before Start")
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Start after Close, got %v", err)
	}
}

func TestQuietUpstreamDoesNotEndReceiveLoop(t *testing.T) {
	up := startFakeUpstream(t)
	n := startNode(t, up.ln.Addr().String(), func(cfg *Config) {
		cfg.Session.HeartbeatInterval = 20 * time.Millisecond
		cfg.Session.DeadAfter = 100 * time.Millisecond
	})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	up.accept(t)
	select {
	case <-n.Done():
		t.Fatalf("receive loop ended on a quiet upstream: %v", n.Wait())
	case <-time.After(400 * time.Millisecond):
	}
	if !n.Connected() {
		t.Fatalf("node dropped a quiet upstream")
	}
}

func TestStartGivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	n := startNode(t, addr, func(cfg *Config) {
		cfg.Session.MaxConnectAttempts = 2
		cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	})
	if err := n.Start(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
	if err := n.Wait(); err == nil {
		t.Fatalf("expected Wait to report the dial failure")
	}
}
