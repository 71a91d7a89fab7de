// Package network implements the game host's client connections: a
// per-connection worker that serializes request/response transactions over
// a TCP socket, fan-out transactions across clients, and the server that
// admits connections into its table.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lkrzak/mniam-headless/internal/util"
)

const (
	// DefaultReadTimeout bounds every blocking response read.
	DefaultReadTimeout = 500 * time.Millisecond
	// DefaultRTTWindow is the number of RTT samples averaged per client.
	DefaultRTTWindow = 10
)

// ErrNoReadTimeout is returned when a connection cannot be given a finite
// read timeout.
var ErrNoReadTimeout = errors.New("transport does not support a finite read timeout")

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // zero disables the write deadline
	RTTWindow    int
	Metrics      *Metrics

	// OnTerminate runs once on the worker goroutine after the connection
	// became inactive.
	OnTerminate func(c *Connection)
}

// Connection is one remote client. A dedicated worker goroutine owns the
// socket and runs queued transactions strictly in FIFO order.
type Connection struct {
	id           uint32
	conn         net.Conn
	ip           string
	readTimeout  time.Duration
	writeTimeout time.Duration
	metrics      *Metrics
	onTerminate  func(c *Connection)
	logger       zerolog.Logger
	connectedAt  time.Time

	mu             sync.Mutex
	queue          []*ClientTransaction
	active         bool
	disconnectedAt time.Time
	rtts           []time.Duration
	rttWindow      int

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// NewConnection wraps conn and starts its worker. It fails when the read
// timeout is not positive or the transport rejects read deadlines.
func NewConnection(id uint32, conn net.Conn, opts ConnectionOptions) (*Connection, error) {
	if opts.ReadTimeout <= 0 {
		return nil, fmt.Errorf("client %d: read timeout %v: %w", id, opts.ReadTimeout, ErrNoReadTimeout)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("client %d: %w: %v", id, ErrNoReadTimeout, err)
	}
	if opts.RTTWindow <= 0 {
		opts.RTTWindow = DefaultRTTWindow
	}

	ip := remoteIP(conn.RemoteAddr())
	c := &Connection{
		id:           id,
		conn:         conn,
		ip:           ip,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		onTerminate:  opts.OnTerminate,
		connectedAt:  time.Now(),
		active:       true,
		rttWindow:    opts.RTTWindow,
		rtts:         make([]time.Duration, 0, opts.RTTWindow),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		finished:     make(chan struct{}),
		logger: util.ComponentLogger("connection").With().
			Uint32("client_id", id).
			Str("remote", ip).
			Logger(),
	}

	go c.run()
	return c, nil
}

// RunTransaction queues t behind any pending work. It returns false when
// the connection is inactive or t was already scheduled elsewhere.
func (c *Connection) RunTransaction(t *ClientTransaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return false
	}
	if !t.schedule() {
		return false
	}
	c.queue = append(c.queue, t)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the worker, closes the socket and waits for the worker to exit.
func (c *Connection) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	err := c.conn.Close()
	<-c.finished
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ID returns the client id assigned at admission.
func (c *Connection) ID() uint32 { return c.id }

// IP returns the peer address without port.
func (c *Connection) IP() string { return c.ip }

// IsActive reports whether the worker can still perform I/O.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MeanRTT is the arithmetic mean of the RTT window.
func (c *Connection) MeanRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meanRTTLocked()
}

func (c *Connection) meanRTTLocked() time.Duration {
	if len(c.rtts) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.rtts {
		sum += d
	}
	return sum / time.Duration(len(c.rtts))
}

// ConnectedFor returns the time since the connection was admitted.
func (c *Connection) ConnectedFor() time.Duration {
	return time.Since(c.connectedAt)
}

// DisconnectedFor returns the time since the connection went inactive, or
// zero while it is active.
func (c *Connection) DisconnectedFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return 0
	}
	return time.Since(c.disconnectedAt)
}

// QueueLen returns the number of transactions waiting for the worker.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Info returns an immutable snapshot of the connection.
func (c *Connection) Info() ClientInfo {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	info := ClientInfo{
		ID:                 c.id,
		Active:             c.active,
		IP:                 c.ip,
		MeanRTTMillis:      c.meanRTTLocked().Milliseconds(),
		ConnectedForMillis: now.Sub(c.connectedAt).Milliseconds(),
	}
	if !c.active {
		info.DisconnectedForMillis = now.Sub(c.disconnectedAt).Milliseconds()
	}
	return info
}

func (c *Connection) run() {
	defer c.terminate()

	c.logger.Debug().Msg("worker started")
	for {
		t, ok := c.next()
		if !ok {
			return
		}
		if !c.process(t) {
			return
		}
	}
}

// next pops the oldest queued transaction, sleeping on the wake channel
// while the queue is empty. Returns false once a stop is requested.
func (c *Connection) next() (*ClientTransaction, bool) {
	for {
		select {
		case <-c.stop:
			return nil, false
		default:
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			t := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return t, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.stop:
			return nil, false
		}
	}
}

// process runs one transaction. It returns false when the socket must be
// considered gone.
func (c *Connection) process(t *ClientTransaction) bool {
	if t.State() != StateScheduled {
		return true
	}

	if t.responseSize > MaxResponseSize {
		c.logger.Warn().
			Int("response_size", t.responseSize).
			Int("max", MaxResponseSize).
			Msg("expected response exceeds buffer, transaction failed")
		c.finish(t, StateTimeout, nil)
		return true
	}

	t.markSent(time.Now())
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(t.request)
	if err != nil || n < len(t.request) {
		c.logger.Warn().
			Err(err).
			Int("written", n).
			Int("requested", len(t.request)).
			Msg("write failed, dropping connection")
		c.finish(t, StateTimeout, nil)
		return false
	}

	if t.responseSize == 0 {
		c.finish(t, StateDone, nil)
		return true
	}

	t.markWaiting()
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	buf := make([]byte, t.responseSize)
	_, err = io.ReadFull(c.conn, buf)
	now := time.Now()

	if err != nil {
		c.recordRTT(t.complete(StateTimeout, nil, now))
		c.metrics.transactionFinished(StateTimeout)
		c.logger.Warn().Err(err).Msg("response read failed, dropping connection")
		return false
	}

	if !t.validator(c.id, buf) {
		c.recordRTT(t.complete(StateTimeout, nil, now))
		c.metrics.transactionFinished(StateTimeout)
		c.logger.Warn().
			Int("response_size", len(buf)).
			Msg("response rejected by validator")
		return true
	}

	c.recordRTT(t.complete(StateDone, buf, now))
	c.metrics.transactionFinished(StateDone)
	return true
}

func (c *Connection) finish(t *ClientTransaction, state TransactionState, response []byte) {
	t.finish(state, response)
	c.metrics.transactionFinished(state)
}

func (c *Connection) recordRTT(rtt time.Duration) {
	c.metrics.observeRTT(rtt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rtts) == c.rttWindow {
		copy(c.rtts, c.rtts[1:])
		c.rtts = c.rtts[:len(c.rtts)-1]
	}
	c.rtts = append(c.rtts, rtt)
}

// terminate marks the connection inactive, closes the socket and fails
// every transaction still waiting in the queue.
func (c *Connection) terminate() {
	c.mu.Lock()
	c.active = false
	c.disconnectedAt = time.Now()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.conn.Close()
	for _, t := range pending {
		c.finish(t, StateTimeout, nil)
	}

	c.metrics.connectionLost()
	c.logger.Info().
		Int("abandoned", len(pending)).
		Msg("connection inactive")

	if c.onTerminate != nil {
		c.onTerminate(c)
	}
	close(c.finished)
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
