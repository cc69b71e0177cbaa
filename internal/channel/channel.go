// Package channel implements request/response correlation over a datagram socket.
//
// A Channel owns one bound PacketConn. Exactly one goroutine reads from it and
// hands every inbound message to a dispatcher goroutine, which owns the table of
// pending requests. Callers never touch the table directly; registration,
// cancellation and matching are all messages to the dispatcher.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// DefaultTimeout bounds a single request when the caller's context has no earlier deadline.
const DefaultTimeout = 2 * time.Second

const maxDatagram = 64 * 1024

var (
	// ErrDuplicateID is returned when a request id is already pending on the channel.
	ErrDuplicateID = errors.New("duplicate pending request id")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel closed")
)

// Handler receives messages that no pending request claimed.
type Handler func(msg *protocol.Message, from net.Addr)

// Matcher decides whether an inbound message completes a pending request.
type Matcher func(msg *protocol.Message) bool

// MatchID is the default matcher: same request id and not a server push.
func MatchID(id uint64) Matcher {
	return func(msg *protocol.Message) bool {
		return msg.ID == id && !protocol.IsPush(msg.Verb)
	}
}

// Config configures a Channel.
type Config struct {
	Conn    net.PacketConn
	Timeout time.Duration // Per-request timeout (default: 2s)
	FirstID uint64        // First request id handed out by NextID (default: 1)
	Logger  zerolog.Logger
}

type result struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	id     uint64
	match  Matcher
	result chan result
}

type registration struct {
	p    *pendingRequest
	errc chan error
}

type inbound struct {
	msg  *protocol.Message
	from net.Addr
}

// Channel correlates requests with replies over a single datagram socket.
type Channel struct {
	conn    net.PacketConn
	timeout time.Duration
	logger  zerolog.Logger
	nextID  atomic.Uint64

	register chan registration
	cancel   chan uint64
	inbound  chan inbound

	handlerMu   sync.RWMutex
	unsolicited Handler

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the receive and dispatch goroutines on cfg.Conn.
func New(cfg Config) (*Channel, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("channel: nil connection")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FirstID == 0 {
		cfg.FirstID = 1
	}

	c := &Channel{
		conn:     cfg.Conn,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "channel").Logger(),
		register: make(chan registration),
		cancel:   make(chan uint64, 16),
		inbound:  make(chan inbound, 64),
		done:     make(chan struct{}),
	}
	c.nextID.Store(cfg.FirstID - 1)

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatch()
	return c, nil
}

// Listen binds a UDP socket on addr and wraps it in a Channel.
func Listen(addr string, cfg Config) (*Channel, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	cfg.Conn = conn
	c, err := New(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// LocalAddr returns the bound socket address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// NextID allocates the next request id.
func (c *Channel) NextID() uint64 {
	return c.nextID.Add(1)
}

// SetUnsolicitedHandler installs the callback for unclaimed messages.
// Each message is delivered on its own goroutine.
func (c *Channel) SetUnsolicitedHandler(h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.unsolicited = h
}

// Send allocates a request id, transmits verb and args to to, and waits for the reply.
func (c *Channel) Send(ctx context.Context, to net.Addr, verb string, args ...string) (*protocol.Message, error) {
	id := c.NextID()
	return c.Request(ctx, to, protocol.NewMessage(verb, id, args...), MatchID(id))
}

// Request transmits req and waits until match accepts an inbound message.
// The pending entry is registered before transmission; a duplicate id fails
// without touching the socket.
func (c *Channel) Request(ctx context.Context, to net.Addr, req *protocol.Message, match Matcher) (*protocol.Message, error) {
	if match == nil {
		match = MatchID(req.ID)
	}
	p := &pendingRequest{id: req.ID, match: match, result: make(chan result, 1)}

	errc := make(chan error, 1)
	select {
	case c.register <- registration{p: p, errc: errc}:
	case <-c.done:
		return nil, ErrClosed
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	if _, err := c.conn.WriteTo(req.Bytes(), to); err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("send %s %d: %w", req.Verb, req.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case r := <-p.result:
		return r.msg, r.err
	case <-ctx.Done():
		c.forget(req.ID)
		// A reply may have landed between the deadline and the cancellation.
		select {
		case r := <-p.result:
			return r.msg, r.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %d: %w", req.Verb, req.ID, protocol.ErrTimeout)
		}
		return nil, fmt.Errorf("%s %d: %w: %v", req.Verb, req.ID, protocol.ErrCancelled, ctx.Err())
	}
}

// Notify sends a one-way message with a fresh request id.
func (c *Channel) Notify(to net.Addr, verb string, args ...string) error {
	return c.Reply(to, protocol.NewMessage(verb, c.NextID(), args...))
}

// Reply sends msg without registering anything.
func (c *Channel) Reply(to net.Addr, msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.conn.WriteTo(msg.Bytes(), to); err != nil {
		return fmt.Errorf("send %s %d: %w", msg.Verb, msg.ID, err)
	}
	return nil
}

// Close stops both goroutines, releases the socket and fails every pending request.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Channel) forget(id uint64) {
	select {
	case c.cancel <- id:
	case <-c.done:
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error().Err(err).Msg("receive failed, stopping read loop")
			return
		}

		msg, err := protocol.Parse(buf[:n])
		if err != nil {
			c.logger.Warn().Err(err).Str("addr", from.String()).Msg("dropping malformed datagram")
			continue
		}

		select {
		case c.inbound <- inbound{msg: msg, from: from}:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) dispatch() {
	defer c.wg.Done()

	table := make(map[uint64]*pendingRequest)
	for {
		select {
		case r := <-c.register:
			if _, exists := table[r.p.id]; exists {
				r.errc <- fmt.Errorf("%w: %d", ErrDuplicateID, r.p.id)
				continue
			}
			table[r.p.id] = r.p
			r.errc <- nil

		case id := <-c.cancel:
			delete(table, id)

		case in := <-c.inbound:
			if p, ok := table[in.msg.ID]; ok && p.match(in.msg) {
				delete(table, in.msg.ID)
				p.result <- result{msg: in.msg}
				continue
			}
			if c.claim(table, in.msg) {
				continue
			}
			c.deliver(in)

		case <-c.done:
			for id, p := range table {
				p.result <- result{err: fmt.Errorf("request %d: %w", id, protocol.ErrCancelled)}
				delete(table, id)
			}
			return
		}
	}
}

// claim scans the table for a matcher that accepts a reply not carrying the expected id.
func (c *Channel) claim(table map[uint64]*pendingRequest, msg *protocol.Message) bool {
	for id, p := range table {
		if p.match(msg) {
			delete(table, id)
			p.result <- result{msg: msg}
			return true
		}
	}
	return false
}

func (c *Channel) deliver(in inbound) {
	c.handlerMu.RLock()
	h := c.unsolicited
	c.handlerMu.RUnlock()

	if h == nil {
		c.logger.Debug().
			Str("verb", in.msg.Verb).
			Uint64("request_id", in.msg.ID).
			Str("addr", in.from.String()).
			Msg("no handler for unsolicited message")
		return
	}
	go h(in.msg, in.from)
}
