package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/util"
)

const (
	// DefaultPort is the TCP port players connect to.
	DefaultPort = 2001
	// DefaultClientLimit caps the size of the connection table.
	DefaultClientLimit = 100
)

// ServerOptions configures a Server.
type ServerOptions struct {
	ListenAddress  string
	Port           int
	ClientLimit    int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RTTWindow      int
	StartRejecting bool
}

// Server accepts player connections on one TCP socket and keeps them in a
// table keyed by client id. Ids start at 0 and are never reused within a
// process. Inactive connections stay in the table until removed.
type Server struct {
	opts    ServerOptions
	bus     *events.EventBus
	metrics *Metrics
	logger  zerolog.Logger

	accepting atomic.Bool

	mu       sync.Mutex
	clients  map[uint32]*Connection
	nextID   uint32
	listener net.Listener
	closed   bool

	serveWG sync.WaitGroup
}

// NewServer creates a server. bus and metrics may be nil.
func NewServer(opts ServerOptions, bus *events.EventBus, metrics *Metrics) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ClientLimit <= 0 {
		opts.ClientLimit = DefaultClientLimit
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.RTTWindow <= 0 {
		opts.RTTWindow = DefaultRTTWindow
	}

	s := &Server{
		opts:    opts,
		bus:     bus,
		metrics: metrics,
		clients: make(map[uint32]*Connection),
		logger:  util.ComponentLogger("server"),
	}
	s.accepting.Store(!opts.StartRejecting)
	return s
}

// ReusableListenConfig returns a ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted host can rebind a port still in TIME_WAIT.
func ReusableListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}

// Listen binds the listening socket. A negative port binds an ephemeral one.
func (s *Server) Listen(ctx context.Context) error {
	port := s.opts.Port
	if port < 0 {
		port = 0
	}
	addr := net.JoinHostPort(s.opts.ListenAddress, strconv.Itoa(port))

	lc := ReusableListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is closed")
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("client_limit", s.opts.ClientLimit).
		Msg("TCP listener started")
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("server is not listening")
	}
	s.serveWG.Add(1)
	s.mu.Unlock()
	defer s.serveWG.Done()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info().Msg("TCP listener stopping")
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}
		s.admit(conn)
	}
}

// Start listens and then serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// admit inserts conn into the table or closes it without assigning an id.
func (s *Server) admit(conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())

	if !s.accepting.Load() {
		s.reject(conn, ip, events.RejectNotAccepting)
		return
	}

	s.mu.Lock()
	if s.closed || len(s.clients) >= s.opts.ClientLimit {
		s.mu.Unlock()
		s.reject(conn, ip, events.RejectClientLimit)
		return
	}

	id := s.nextID
	c, err := NewConnection(id, conn, ConnectionOptions{
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		RTTWindow:    s.opts.RTTWindow,
		Metrics:      s.metrics,
		OnTerminate:  s.connectionLost,
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("remote", ip).Msg("connection setup failed")
		s.reject(conn, ip, events.RejectSetupFailed)
		return
	}
	s.nextID++
	s.clients[id] = c
	s.mu.Unlock()

	s.metrics.connectionAdmitted()
	s.logger.Info().Uint32("client_id", id).Str("remote", ip).Msg("client connected")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientConnected,
		Source:  "server",
		Payload: events.ClientPayload{ClientID: id, IP: ip, At: time.Now()},
	})
}

func (s *Server) reject(conn net.Conn, ip string, reason events.RejectReason) {
	conn.Close()
	s.metrics.connectionRejected(reason.String())
	s.logger.Info().Str("remote", ip).Str("reason", reason.String()).Msg("connection rejected")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientRejected,
		Source:  "server",
		Payload: events.RejectedPayload{IP: ip, Reason: reason, At: time.Now()},
	})
}

func (s *Server) connectionLost(c *Connection) {
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientDisconnected,
		Source:  "server",
		Payload: events.ClientPayload{ClientID: c.ID(), IP: c.IP(), At: time.Now()},
	})
}

// RunTransaction resets tx and dispatches it to every active client.
// Clients admitted or removed afterwards are not part of this run.
// Returns the number of clients the transaction was dispatched to.
func (s *Server) RunTransaction(tx *Transaction) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.Reset()
	n := 0
	for _, c := range s.clients {
		if !c.IsActive() {
			continue
		}
		if tx.dispatch(c) {
			n++
		}
	}
	return n
}

// RunTransactionWithSingleClient resets tx and dispatches it to client id
// only. Unknown or inactive ids are silently ignored; check Lookup first
// when that matters.
func (s *Server) RunTransactionWithSingleClient(id uint32, tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.Reset()
	c, ok := s.clients[id]
	if !ok || !c.IsActive() {
		return
	}
	tx.dispatch(c)
}

// RemoveClient drops client id from the table and closes its socket,
// whether or not it is still active.
func (s *Server) RemoveClient(id uint32) bool {
	s.mu.Lock()
	c, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.destroy(c)
	return true
}

// RemoveAllInactiveClients evicts every inactive client and returns how many
// were removed.
func (s *Server) RemoveAllInactiveClients() int {
	s.mu.Lock()
	var evicted []*Connection
	for id, c := range s.clients {
		if !c.IsActive() {
			evicted = append(evicted, c)
			delete(s.clients, id)
		}
	}
	s.mu.Unlock()

	for _, c := range evicted {
		s.destroy(c)
	}
	return len(evicted)
}

func (s *Server) destroy(c *Connection) {
	if err := c.Close(); err != nil {
		s.logger.Debug().Err(err).Uint32("client_id", c.ID()).Msg("close error")
	}
	s.logger.Info().Uint32("client_id", c.ID()).Msg("client removed")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientRemoved,
		Source:  "server",
		Payload: events.ClientPayload{ClientID: c.ID(), IP: c.IP(), At: time.Now()},
	})
}

// Clients returns a snapshot of every client in the table, sorted by id.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	infos := make([]ClientInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Client returns a snapshot of client id. Unknown ids yield an inactive
// record with IP "unknown".
func (s *Server) Client(id uint32) ClientInfo {
	info, _ := s.Lookup(id)
	return info
}

// Lookup is Client with an explicit presence flag.
func (s *Server) Lookup(id uint32) (ClientInfo, bool) {
	s.mu.Lock()
	c, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return unknownClient(id), false
	}
	return c.Info(), true
}

// ClientCount returns the table size including inactive clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RejectIncomingConnections closes new connections on arrival. Established
// clients are unaffected.
func (s *Server) RejectIncomingConnections() {
	s.setAccepting(false)
}

// AcceptIncomingConnections admits new connections again.
func (s *Server) AcceptIncomingConnections() {
	s.setAccepting(true)
}

// IsAccepting reports the state of the accept gate.
func (s *Server) IsAccepting() bool {
	return s.accepting.Load()
}

func (s *Server) setAccepting(v bool) {
	if s.accepting.Swap(v) == v {
		return
	}
	s.logger.Info().Bool("accepting", v).Msg("accept state changed")
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventAcceptStateChanged,
		Source:  "server",
		Payload: events.AcceptStatePayload{Accepting: v},
	})
}

// Close stops the listener, waits for the accept loop and closes every
// client. The server cannot be restarted.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*Connection, 0, len(s.clients))
	for id, c := range s.clients {
		conns = append(conns, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.serveWG.Wait()

	for _, c := range conns {
		c.Close()
	}
	s.logger.Info().Int("clients", len(conns)).Msg("all connections closed")
	return err
}
