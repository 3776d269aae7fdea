// Package node is the leaf-side messaging client: one upstream connection,
// one receive loop, a dispatch table and an outbox.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaynet/internal/endpoint"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUpstreamAddressRequired = errors.New("node: upstream address required")
	ErrNotStarted              = errors.New("node: not started")
	ErrAlreadyStarted          = errors.New("node: already started")
	ErrClosed                  = errors.New("node: closed")
)

type Config struct {
	ID           string
	UpstreamAddr string
	Session      session.Config
}

func DefaultConfig() Config {
	return Config{Session: session.DefaultConfig()}
}

// DeliverFunc receives every decoded upstream message instead of the local
// dispatch path. A Station uses it to move upstream traffic onto its loop.
type DeliverFunc func(ctx context.Context, msg protocol.Message)

// Node owns the upstream link. The embedded Endpoint carries the handler
// table, outbox and id sequence.
type Node struct {
	*endpoint.Endpoint

	cfg     Config
	log     zerolog.Logger
	rng     *rand.Rand
	owned   bool
	deliver DeliverFunc

	mu        sync.Mutex
	conn      *session.Conn
	started   bool
	closed    bool
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
	repeaters map[string]*repeater
}

// New builds a standalone Node with its own Endpoint. An empty id gets a
// random uuid.
func New(cfg Config, log zerolog.Logger) (*Node, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "node-" + uuid.NewString()
	}
	ep, err := endpoint.New(endpoint.KindNode, cfg.ID, cfg.Session, log)
	if err != nil {
		return nil, err
	}
	n, err := newNode(cfg, ep, nil)
	if err != nil {
		ep.Close()
		return nil, err
	}
	n.owned = true
	return n, nil
}

// NewUpstream builds the upstream role of a Station around the Station's
// Endpoint. deliver replaces local dispatch; Close leaves ep running.
func NewUpstream(cfg Config, ep *endpoint.Endpoint, deliver DeliverFunc) (*Node, error) {
	if ep == nil {
		return nil, errors.New("node: endpoint required")
	}
	cfg.ID = ep.ID()
	return newNode(cfg, ep, deliver)
}

func newNode(cfg Config, ep *endpoint.Endpoint, deliver DeliverFunc) (*Node, error) {
	if strings.TrimSpace(cfg.UpstreamAddr) == "" {
		return nil, ErrUpstreamAddressRequired
	}
	cfg.UpstreamAddr = strings.TrimSpace(cfg.UpstreamAddr)
	cfg.Session = ep.Config()
	return &Node{
		Endpoint:  ep,
		cfg:       cfg,
		log:       ep.Logger().With().Str("upstream", cfg.UpstreamAddr).Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		deliver:   deliver,
		done:      make(chan struct{}),
		repeaters: make(map[string]*repeater),
	}, nil
}

func (n *Node) UpstreamAddr() string {
	return n.cfg.UpstreamAddr
}

// Start dials upstream, retrying with backoff up to MaxConnectAttempts, and
// starts the receive loop. It returns once the link is up.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case n.closed:
		n.mu.Unlock()
		return ErrClosed
	case n.started:
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	raw, err := n.connect(ctx)
	if err != nil {
		n.finish(err)
		close(n.done)
		return err
	}
	conn := session.NewConn(raw, n.cfg.Session)
	loopCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		_ = conn.Close()
		close(n.done)
		return ErrClosed
	}
	n.conn = conn
	n.cancel = cancel
	n.mu.Unlock()

	n.log.Info().Str("local", conn.LocalAddr()).Msg("upstream connected")
	go n.receiveLoop(loopCtx, conn)

	// Binds this id to the connection on the parent before any real traffic.
	hello, err := n.PrepareMessage(protocol.ToUpstream, protocol.KeyHeartbeat, nil, protocol.FlagNoConfirm|protocol.FlagQuiet)
	if err == nil {
		if err := n.WriteMessage(hello); err != nil {
			n.log.Warn().Err(err).Msg("hello write failed")
		}
	}
	return nil
}

// Run starts the Node and blocks until its receive loop ends.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	return n.Wait()
}

// Wait blocks until the receive loop ends and returns the transport error
// that ended it, or nil after Close or context cancellation.
func (n *Node) Wait() error {
	<-n.done
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Done is closed when the receive loop has ended.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && !n.conn.Closed()
}

// Send builds a message to to (the upstream marker when empty), writes it
// upstream and tracks it for retry unless FlagNoConfirm is set. It does not
// wait for the confirmation.
func (n *Node) Send(to, key string, value []byte, flags protocol.Flags) error {
	if strings.TrimSpace(to) == "" {
		to = protocol.ToUpstream
	}
	msg, err := n.PrepareMessage(to, key, value, flags)
	if err != nil {
		return err
	}
	return n.SendMessage(msg)
}

// SendMessage transmits an already prepared message upstream.
func (n *Node) SendMessage(msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := n.current(); err != nil {
		return err
	}
	return n.Transmit(protocol.ToUpstream, msg, n.WriteMessage)
}

// WriteMessage writes msg upstream as is, without outbox tracking. A write
// failure is a transport failure and ends the receive loop.
func (n *Node) WriteMessage(msg protocol.Message) error {
	conn, err := n.current()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(msg); err != nil {
		if !errors.Is(err, session.ErrConnClosed) && !conn.Closed() {
			n.fail(fmt.Errorf("node: upstream write: %w", err))
		}
		return err
	}
	return nil
}

// Close stops repeaters, the receive loop and, for a standalone Node, every
// retry timer. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if !n.started {
		// Start never ran, so no receive loop will close done.
		close(n.done)
	}
	conn := n.conn
	cancel := n.cancel
	repeaters := n.repeaters
	n.repeaters = make(map[string]*repeater)
	n.mu.Unlock()

	for _, r := range repeaters {
		r.stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if n.owned {
		n.Endpoint.Close()
	}
	return nil
}

// Status is a point-in-time view for admin surfaces.
type Status struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Upstream  string   `json:"upstream"`
	Connected bool     `json:"connected"`
	Pending   int      `json:"pending"`
	Repeating []string `json:"repeating"`
	Keys      []string `json:"keys"`
}

func (n *Node) Status() Status {
	n.mu.Lock()
	repeating := make([]string, 0, len(n.repeaters))
	for key := range n.repeaters {
		repeating = append(repeating, key)
	}
	n.mu.Unlock()
	sort.Strings(repeating)
	return Status{
		ID:        n.ID(),
		Kind:      n.Kind(),
		Upstream:  n.cfg.UpstreamAddr,
		Connected: n.Connected(),
		Pending:   n.Outbox().Len(),
		Repeating: repeating,
		Keys:      n.Table().Keys(),
	}
}

func (n *Node) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: n.cfg.Session.ConnectTimeout}
	var attempt int
	for {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", n.cfg.UpstreamAddr)
		if err == nil {
			return conn, nil
		}
		n.log.Warn().Err(err).Int("attempt", attempt).Msg("upstream dial failed")
		if ctx.Err() != nil || !n.shouldRetry(attempt) {
			return nil, fmt.Errorf("node: dial %s: %w", n.cfg.UpstreamAddr, err)
		}
		if err := session.SleepBackoff(ctx, n.cfg.Session.Backoff, attempt, n.rng); err != nil {
			return nil, err
		}
	}
}

func (n *Node) shouldRetry(attempt int) bool {
	if n.cfg.Session.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < n.cfg.Session.MaxConnectAttempts
}

func (n *Node) current() (*session.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.conn == nil {
		return nil, ErrNotStarted
	}
	return n.conn, nil
}

// fail records the first transport error and closes the connection, which
// unblocks the receive loop.
func (n *Node) fail(err error) {
	n.finish(err)
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (n *Node) finish(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err == nil && err != nil && !n.closed {
		n.err = err
	}
}

func (n *Node) stopping(ctx context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed || ctx.Err() != nil
}
