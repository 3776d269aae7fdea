package session

import (
	"errors"
	"time"

	"github.com/danmuck/relaynet/internal/protocol"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	DeadAfter          time.Duration
	HeartbeatInterval  time.Duration
	RetryInterval      time.Duration
	TTL                uint32
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

// DefaultConfig returns the reliability defaults.
// DeadAfter bounds how long a Station waits on a silent child before dropping
// it; children heartbeat every HeartbeatInterval. Zero keeps idle children
// until their connection closes. Upstream reads never time out.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       15 * time.Second,
		DeadAfter:          0,
		HeartbeatInterval:  5 * time.Second,
		RetryInterval:      time.Second,
		TTL:                protocol.DefaultTTL,
		MaxConnectAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.TTL == 0 {
		c.TTL = def.TTL
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.RetryInterval <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("retry_interval must be positive"))
	}
	if c.DeadAfter < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("dead_after must not be negative"))
	}
	if c.DeadAfter > 0 && c.DeadAfter <= c.HeartbeatInterval {
		return errors.Join(ErrInvalidConfig, errors.New("dead_after must exceed heartbeat_interval"))
	}
	if c.MaxConnectAttempts < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max_connect_attempts must not be negative"))
	}
	return nil
}
