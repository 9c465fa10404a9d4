package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// CommandHandler receives one inbound envelope from a subscriber. reply sends
// an envelope back to that subscriber only. Handlers for one connection run
// sequentially in receipt order; connections do not block each other.
type CommandHandler func(env Envelope, reply func(Envelope) error)

// BroadcasterConfig carries the tunables of the bus server side.
type BroadcasterConfig struct {
	// SocketPath is the well-known unix socket rendezvous path.
	SocketPath string

	// HeartbeatEvery is the interval between heartbeat broadcasts, letting
	// subscribers detect half-open connections. Zero disables heartbeats.
	HeartbeatEvery time.Duration

	// QueueSize bounds the per-connection outbound and inbound queues. A
	// subscriber whose outbound queue overflows is dropped rather than
	// allowed to stall delivery to others.
	QueueSize int
}

// Broadcaster accepts subscriber connections on a unix socket and fans
// envelopes out to all of them. Per-subscriber failures are isolated: a dead
// or slow connection is dropped from the active set and its resources
// released, without affecting delivery to the rest.
type Broadcaster struct {
	logger  *slog.Logger
	handler CommandHandler
	cfg     BroadcasterConfig

	mu       sync.Mutex
	conns    map[*busConn]struct{}
	listener net.Listener
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcaster creates a bus server. Call OnMessage before Start if inbound
// commands are expected.
func NewBroadcaster(cfg BroadcasterConfig, logger *slog.Logger) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Broadcaster{
		logger: logger,
		cfg:    cfg,
		conns:  make(map[*busConn]struct{}),
		done:   make(chan struct{}),
	}
}

// OnMessage registers the handler for subscriber-originated envelopes.
func (b *Broadcaster) OnMessage(h CommandHandler) {
	b.handler = h
}

// Start clears any stale socket left by an unclean shutdown, binds the
// rendezvous path, and begins accepting subscribers.
func (b *Broadcaster) Start() error {
	if err := os.Remove(b.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear stale socket %s: %w", b.cfg.SocketPath, err)
	}
	listener, err := net.Listen("unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.cfg.SocketPath, err)
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	b.wg.Add(1)
	go b.acceptLoop(listener)

	if b.cfg.HeartbeatEvery > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop()
	}

	b.logger.Info("broadcaster listening", "socket", b.cfg.SocketPath)
	return nil
}

// Broadcast sends env to every currently connected subscriber. In-flight
// sends to subscribers that fail are dropped along with the subscriber;
// delivery to the remainder proceeds.
func (b *Broadcaster) Broadcast(env Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	snapshot := make([]*busConn, 0, len(b.conns))
	for c := range b.conns {
		snapshot = append(snapshot, c)
	}
	b.mu.Unlock()

	for _, c := range snapshot {
		if !c.enqueue(body) {
			b.logger.Warn("dropping slow subscriber", "kind", env.Kind)
			b.removeConn(c)
		}
	}
	return nil
}

// ConnCount returns the size of the active subscriber set.
func (b *Broadcaster) ConnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops accepting, closes every subscriber connection, and releases
// the rendezvous socket.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listener := b.listener
	snapshot := make([]*busConn, 0, len(b.conns))
	for c := range b.conns {
		snapshot = append(snapshot, c)
	}
	b.conns = make(map[*busConn]struct{})
	b.mu.Unlock()

	close(b.done)
	if listener != nil {
		listener.Close()
	}
	for _, c := range snapshot {
		c.drop()
	}
	b.wg.Wait()

	if err := os.Remove(b.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket %s: %w", b.cfg.SocketPath, err)
	}
	return nil
}

func (b *Broadcaster) acceptLoop(listener net.Listener) {
	defer b.wg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Error("accept failed", "error", err)
			}
			return
		}
		c := newBusConn(netConn, b.cfg.QueueSize)

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			c.drop()
			return
		}
		b.conns[c] = struct{}{}
		total := len(b.conns)
		b.mu.Unlock()

		b.logger.Info("subscriber connected", "total", total)

		b.wg.Add(3)
		go b.writeLoop(c)
		go b.readLoop(c)
		go b.dispatchLoop(c)
	}
}

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			env, err := NewEnvelope(KindHeartbeat, nil)
			if err != nil {
				continue
			}
			if err := b.Broadcast(env); err != nil {
				b.logger.Warn("heartbeat broadcast failed", "error", err)
			}
		}
	}
}

// writeLoop drains one connection's outbound queue. A write failure drops
// the connection.
func (b *Broadcaster) writeLoop(c *busConn) {
	defer b.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case body := <-c.out:
			if err := WriteFrame(c.conn, body); err != nil {
				b.removeConn(c)
				return
			}
		}
	}
}

// readLoop parses inbound frames and queues them for dispatch. Malformed
// envelopes get an error reply; they never reach the handler.
func (b *Broadcaster) readLoop(c *busConn) {
	defer b.wg.Done()
	defer b.removeConn(c)
	for {
		body, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		env, err := Decode(body)
		if err != nil {
			b.logger.Warn("invalid message from subscriber", "error", err)
			b.replyError(c, err)
			continue
		}
		select {
		case <-c.stop:
			return
		case c.in <- env:
		}
	}
}

// dispatchLoop invokes the handler for one connection's inbound envelopes in
// receipt order, decoupled from the read path.
func (b *Broadcaster) dispatchLoop(c *busConn) {
	defer b.wg.Done()
	reply := func(env Envelope) error {
		body, err := env.Encode()
		if err != nil {
			return err
		}
		if !c.enqueue(body) {
			return fmt.Errorf("subscriber send queue full")
		}
		return nil
	}
	for {
		select {
		case <-c.stop:
			return
		case env := <-c.in:
			if b.handler != nil {
				b.handler(env, reply)
			}
		}
	}
}

func (b *Broadcaster) replyError(c *busConn, cause error) {
	env, err := NewEnvelope(KindError, ErrorPayload{Message: cause.Error()})
	if err != nil {
		return
	}
	body, err := env.Encode()
	if err != nil {
		return
	}
	c.enqueue(body)
}

func (b *Broadcaster) removeConn(c *busConn) {
	b.mu.Lock()
	_, present := b.conns[c]
	delete(b.conns, c)
	total := len(b.conns)
	b.mu.Unlock()

	c.drop()
	if present {
		b.logger.Info("subscriber disconnected", "total", total)
	}
}

// busConn is one accepted subscriber connection with its bounded queues.
type busConn struct {
	conn net.Conn
	out  chan []byte
	in   chan Envelope
	stop chan struct{}
	once sync.Once
}

func newBusConn(conn net.Conn, queueSize int) *busConn {
	return &busConn{
		conn: conn,
		out:  make(chan []byte, queueSize),
		in:   make(chan Envelope, queueSize),
		stop: make(chan struct{}),
	}
}

// enqueue offers one frame to the outbound queue without blocking. Returns
// false when the connection is stopped or the queue is full.
func (c *busConn) enqueue(body []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.out <- body:
		return true
	default:
		return false
	}
}

func (c *busConn) drop() {
	c.once.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}
