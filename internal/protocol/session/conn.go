package session

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relaynet/internal/protocol"
	"github.com/danmuck/relaynet/internal/protocol/frame"
)

var ErrConnClosed = errors.New("session: connection closed")

// Conn is a framed duplex connection. Reads belong to one goroutine;
// writes are serialized so any goroutine may call WriteMessage.
type Conn struct {
	raw          net.Conn
	reader       *bufio.Reader
	limits       frame.Limits
	writeTimeout time.Duration

	mu     sync.Mutex
	closed atomic.Bool
	writes atomic.Uint64
}

func NewConn(raw net.Conn, cfg Config) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReader(raw),
		limits:       frame.DefaultLimits(),
		writeTimeout: cfg.WriteTimeout,
	}
}

// ReadFrame blocks for the next frame. A positive idle bounds the wait.
func (c *Conn) ReadFrame(idle time.Duration) (frame.Frame, error) {
	if idle > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(idle))
	}
	return frame.ReadFrame(c.reader, c.limits)
}

// WriteMessage encodes and writes msg as one frame.
func (c *Conn) WriteMessage(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(payload); err != nil {
		return err
	}
	c.writes.Add(1)
	return nil
}

// Writes returns the number of frames written successfully.
func (c *Conn) Writes() uint64 {
	return c.writes.Load()
}

func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) LocalAddr() string {
	if addr := c.raw.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close is idempotent and unblocks a pending ReadFrame.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}
