// Package station is the hub side of the tree: it accepts any number of
// children, learns their routes from traffic, pushes to them by logical id,
// forwards between them and optionally reports to a parent Station through
// an upstream Node that shares its Endpoint.
package station

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/danmuck/relaynet/internal/endpoint"
	"github.com/danmuck/relaynet/internal/node"
	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrListenAddressRequired = errors.New("station: listen address required")
	ErrAlreadyStarted        = errors.New("station: already started")
	ErrClosed                = errors.New("station: closed")
	// ErrNoUpstream rejects Send on a root Station.
	ErrNoUpstream = fmt.Errorf("station: no upstream: %w", protocol.ErrUnknownRoute)
)

type Config struct {
	ID         string
	ListenAddr string
	ParentAddr string
	InboxSize  int
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		ID:         "station.local",
		ListenAddr: ":9400",
		InboxSize:  256,
		Session:    session.DefaultConfig(),
	}
}

type inbound struct {
	// conn is nil for traffic from the upstream link.
	conn *session.Conn
	msg  protocol.Message
}

// Station runs one event loop for every handler. Per-child readers only
// decode frames and feed the loop's inbox.
type Station struct {
	*endpoint.Endpoint

	cfg    Config
	log    zerolog.Logger
	routes *Routes
	inbox  chan inbound
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*session.Conn]struct{}
	senders  map[*session.Conn]string
	upstream *node.Node
	started  bool
	closed   bool
	err      error
	cancel   context.CancelFunc
}

func New(cfg Config, log zerolog.Logger) (*Station, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "station-" + uuid.NewString()
	}
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	if cfg.ListenAddr == "" {
		return nil, ErrListenAddressRequired
	}
	cfg.ParentAddr = strings.TrimSpace(cfg.ParentAddr)
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	ep, err := endpoint.New(endpoint.KindStation, cfg.ID, cfg.Session, log)
	if err != nil {
		return nil, err
	}
	cfg.Session = ep.Config()
	return &Station{
		Endpoint: ep,
		cfg:      cfg,
		log:      ep.Logger(),
		routes:   NewRoutes(),
		inbox:    make(chan inbound, cfg.InboxSize),
		done:     make(chan struct{}),
		conns:    make(map[*session.Conn]struct{}),
		senders:  make(map[*session.Conn]string),
	}, nil
}

// Listen binds the child listener. Start calls it when needed; calling it
// first makes Addr usable before Start.
func (s *Station) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("station: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr is the bound listener address, or the configured one before Listen.
func (s *Station) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.ListenAddr
}

// Start binds the listener, connects the upstream link when a parent is
// configured, and starts the accept and event loops.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Listen(); err != nil {
		s.abortStart(err, nil)
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	ln := s.ln
	s.mu.Unlock()

	if s.cfg.ParentAddr != "" {
		up, err := node.NewUpstream(node.Config{UpstreamAddr: s.cfg.ParentAddr}, s.Endpoint, s.deliverUpstream)
		if err != nil {
			s.abortStart(err, cancel)
			return err
		}
		if err := up.Start(ctx); err != nil {
			err = fmt.Errorf("station: upstream: %w", err)
			s.abortStart(err, cancel)
			return err
		}
		// Keeps this Station's child reader on the parent alive under dead_after.
		heartbeat := protocol.Message{Key: protocol.KeyHeartbeat, Flags: protocol.FlagQuiet}
		if err := up.Repeat(heartbeat, s.Config().HeartbeatInterval); err != nil {
			_ = up.Close()
			s.abortStart(err, cancel)
			return err
		}
		s.mu.Lock()
		s.upstream = up
		s.mu.Unlock()
		s.wg.Add(1)
		go s.watchUpstream(up)
	}

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.eventLoop(ctx)
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return nil
}

// Run starts the Station and blocks until it stops.
func (s *Station) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Wait blocks until every loop has ended and returns the transport error
// that stopped the Station, or nil after Close or cancellation.
func (s *Station) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Station) Done() <-chan struct{} {
	return s.done
}

// Push sends to one known route. An unknown id fails with ErrUnknownRoute
// before anything is written.
func (s *Station) Push(to, key string, value []byte, flags protocol.Flags) error {
	to = strings.TrimSpace(to)
	route, conn, ok := s.routes.Lookup(to)
	if !ok {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownRoute, to)
	}
	msg, err := s.PrepareMessage(route.ID, key, value, flags)
	if err != nil {
		return err
	}
	return s.Transmit(route.Link(), msg, conn.WriteMessage)
}

// Send targets the parent Station. A root Station returns ErrNoUpstream.
func (s *Station) Send(key string, value []byte, flags protocol.Flags) error {
	up := s.upstreamNode()
	if up == nil {
		return ErrNoUpstream
	}
	msg, err := s.PrepareMessage(protocol.ToUpstream, key, value, flags)
	if err != nil {
		return err
	}
	return up.SendMessage(msg)
}

// Broadcast pushes one message to every direct child and returns how many
// transmissions succeeded.
func (s *Station) Broadcast(key string, value []byte, flags protocol.Flags) (int, error) {
	var errs []error
	sent := 0
	for id := range s.routes.children() {
		if err := s.Push(id, key, value, flags); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Routes returns a sorted snapshot of the routing table.
func (s *Station) Routes() []Route {
	return s.routes.List()
}

// Status is a point-in-time view for admin surfaces.
type Status struct {
	ID                string   `json:"id"`
	Kind              string   `json:"kind"`
	Addr              string   `json:"addr"`
	Parent            string   `json:"parent,omitempty"`
	UpstreamConnected bool     `json:"upstream_connected"`
	Routes            int      `json:"routes"`
	Children          int      `json:"children"`
	Pending           int      `json:"pending"`
	Keys              []string `json:"keys"`
}

func (s *Station) Status() Status {
	st := Status{
		ID:       s.ID(),
		Kind:     s.Kind(),
		Addr:     s.Addr(),
		Parent:   s.cfg.ParentAddr,
		Routes:   s.routes.Len(),
		Children: len(s.routes.children()),
		Pending:  s.Outbox().Len(),
		Keys:     s.Table().Keys(),
	}
	if up := s.upstreamNode(); up != nil {
		st.UpstreamConnected = up.Connected()
	}
	return st
}

// Close stops the loops, drops every child, closes the upstream link and
// stops all retry timers. It is safe to call more than once.
func (s *Station) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	ln := s.ln
	up := s.upstream
	started := s.started
	conns := make([]*session.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	if up != nil {
		_ = up.Close()
	}
	if started {
		<-s.done
	}
	s.Endpoint.Close()
	return nil
}

func (s *Station) abortStart(err error, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	close(s.done)
}

// fail records the first fatal error and stops the Station's loops.
func (s *Station) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = err
	}
	cancel := s.cancel
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("station stopping")
	if cancel != nil {
		cancel()
	}
}

func (s *Station) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Station) upstreamNode() *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Station) watchUpstream(up *node.Node) {
	defer s.wg.Done()
	<-up.Done()
	if err := up.Wait(); err != nil {
		s.fail(err)
	}
}
