package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNotConnected indicates a Send attempted while the subscriber has no live
// connection to the broadcaster.
var ErrNotConnected = errors.New("not connected to broadcaster")

// SubscriberConfig carries the tunables of the bus client side.
type SubscriberConfig struct {
	// SocketPath is the broadcaster's rendezvous path.
	SocketPath string

	// QueueSize bounds the inbound delivery queue between the read loop and
	// the handler.
	QueueSize int

	// ReconnectBase and ReconnectCap shape the exponential backoff of the
	// reconnect loop: delays double from the base up to the cap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// HeartbeatTimeout drops a connection over which nothing (not even a
	// heartbeat) arrives for this long, failing into the reconnect loop. Set
	// it to a small multiple of the broadcaster's heartbeat interval. Zero
	// disables the check.
	HeartbeatTimeout time.Duration
}

// Subscriber maintains one connection to the Broadcaster, delivering received
// envelopes to a handler in receipt order and reconnecting autonomously with
// capped exponential backoff whenever the connection fails. Messages broadcast
// while disconnected are simply missed; the ledger, not the bus, is
// authoritative.
type Subscriber struct {
	logger  *slog.Logger
	handler func(Envelope)
	stateFn func(connected bool)
	cfg     SubscriberConfig

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

// NewSubscriber creates a bus client for the given rendezvous path.
func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 15 * time.Second
	}
	return &Subscriber{logger: logger, cfg: cfg}
}

// OnMessage registers the handler invoked for each received envelope, in
// receipt order. Register before Run.
func (s *Subscriber) OnMessage(h func(Envelope)) {
	s.handler = h
}

// OnConnectionState registers a callback for connect/disconnect transitions,
// letting a client surface a degraded indicator while reconnecting.
func (s *Subscriber) OnConnectionState(fn func(connected bool)) {
	s.stateFn = fn
}

// Run connects and serves until ctx is cancelled, reconnecting after every
// failure. It returns ctx.Err on cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return err
		}

		s.setConn(conn)
		s.notifyState(true)
		s.logger.Info("connected to broadcaster", "socket", s.cfg.SocketPath)

		s.serve(ctx, conn)

		s.setConn(nil)
		s.notifyState(false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.logger.Warn("disconnected from broadcaster, reconnecting")
	}
}

// Send delivers one envelope to the broadcaster. Fails with ErrNotConnected
// while the reconnect loop is between connections.
func (s *Subscriber) Send(env Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(conn, body)
}

// Connected reports whether a live connection currently exists.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// connect dials the broadcaster, retrying with capped exponential backoff
// until it succeeds or ctx is cancelled.
func (s *Subscriber) connect(ctx context.Context) (net.Conn, error) {
	backoff := retry.WithCappedDuration(s.cfg.ReconnectCap, retry.NewExponential(s.cfg.ReconnectBase))
	var conn net.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialer net.Dialer
		c, err := dialer.DialContext(ctx, "unix", s.cfg.SocketPath)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve pumps frames from conn to the handler until the connection fails or
// ctx is cancelled. The read loop and handler are decoupled by a bounded
// queue so a slow handler cannot back-pressure into a half-read frame.
func (s *Subscriber) serve(ctx context.Context, conn net.Conn) {
	in := make(chan Envelope, s.cfg.QueueSize)
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			if s.cfg.HeartbeatTimeout > 0 {
				if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)); err != nil {
					readErr <- err
					return
				}
			}
			body, err := ReadFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			env, err := Decode(body)
			if err != nil {
				s.logger.Warn("invalid message from broadcaster", "error", err)
				continue
			}
			select {
			case in <- env:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case env := <-in:
			if s.handler != nil {
				s.handler(env)
			}
		}
	}
}

func (s *Subscriber) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Subscriber) notifyState(connected bool) {
	if s.stateFn != nil {
		s.stateFn(connected)
	}
}
