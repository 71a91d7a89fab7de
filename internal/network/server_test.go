package network

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/protocol"
)

func startServer(t *testing.T, opts ServerOptions, bus *events.EventBus, m *Metrics) *Server {
	t.Helper()
	opts.ListenAddress = "127.0.0.1"
	opts.Port = -1
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Second
	}

	s := NewServer(opts, bus, m)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClosed asserts that the server closed conn without sending anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("connection received data, expected close")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection was not closed by the server")
	}
}

// dropClient makes the server notice that the peer of client id is gone.
func dropClient(t *testing.T, s *Server, id uint32, peer net.Conn) {
	t.Helper()
	peer.Close()
	s.RunTransactionWithSingleClient(id, NewTransaction([]byte{1}, 4))
	eventually(t, 3*time.Second, func() bool { return !s.Client(id).Active })
}

func TestClientLimit(t *testing.T) {
	bus := events.NewEventBus()
	rejected := make(chan events.RejectedPayload, 1)
	bus.Subscribe(events.EventClientRejected, "test", func(ctx context.Context, e events.Event) error {
		rejected <- e.Payload.(events.RejectedPayload)
		return nil
	})

	m := NewMetrics(prometheus.NewRegistry())
	s := startServer(t, ServerOptions{ClientLimit: 2}, bus, m)

	dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })
	dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 2 })

	third := dial(t, s)
	expectClosed(t, third)

	select {
	case p := <-rejected:
		if p.Reason != events.RejectClientLimit {
			t.Errorf("reason = %v, want client_limit", p.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}

	clients := s.Clients()
	if len(clients) != 2 || clients[0].ID != 0 || clients[1].ID != 1 {
		t.Fatalf("clients = %+v", clients)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues("admitted")); got != 2 {
		t.Errorf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeClients); got != 2 {
		t.Errorf("active gauge = %v, want 2", got)
	}
}

func TestRunTransactionSkipsInactiveClients(t *testing.T) {
	s := startServer(t, ServerOptions{}, nil, nil)

	a := dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })
	b := dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 2 })
	go io.Copy(io.Discard, a)

	dropClient(t, s, 1, b)

	tx := NewTransaction([]byte{0x42}, 0)
	if n := s.RunTransaction(tx); n != 1 {
		t.Fatalf("dispatched to %d clients, want 1", n)
	}
	if ids := tx.ClientIDs(); len(ids) != 1 || ids[0] != 0 {
		t.Errorf("client ids = %v, want [0]", ids)
	}
	if done := tx.WaitForFinish(time.Second); done != 1 {
		t.Errorf("done = %d, want 1", done)
	}

	s.mu.Lock()
	inactive := s.clients[1]
	s.mu.Unlock()
	if inactive.QueueLen() != 0 {
		t.Errorf("inactive client queue = %d, want 0", inactive.QueueLen())
	}
}

func TestSingleClientDispatchToUnknownIsSilent(t *testing.T) {
	s := startServer(t, ServerOptions{}, nil, nil)

	tx := NewTransaction([]byte{1}, 0)
	s.RunTransactionWithSingleClient(99, tx)
	if len(tx.ClientIDs()) != 0 {
		t.Errorf("client ids = %v, want none", tx.ClientIDs())
	}

	info := s.Client(99)
	if info.ID != 99 || info.Active || info.IP != UnknownIP || info.MeanRTTMillis != 0 {
		t.Errorf("unknown client info = %+v", info)
	}
	if _, ok := s.Lookup(99); ok {
		t.Error("Lookup reported unknown client as present")
	}
}

func TestRejectAndAcceptIncomingConnections(t *testing.T) {
	bus := events.NewEventBus()
	changes := make(chan bool, 4)
	bus.Subscribe(events.EventAcceptStateChanged, "test", func(ctx context.Context, e events.Event) error {
		changes <- e.Payload.(events.AcceptStatePayload).Accepting
		return nil
	})

	s := startServer(t, ServerOptions{}, bus, nil)
	dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })

	s.RejectIncomingConnections()
	s.RejectIncomingConnections()
	if s.IsAccepting() {
		t.Fatal("still accepting")
	}
	expectClosed(t, dial(t, s))
	if s.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", s.ClientCount())
	}
	if !s.Client(0).Active {
		t.Error("established client affected by reject")
	}

	s.AcceptIncomingConnections()
	dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 2 })
	if _, ok := s.Lookup(1); !ok {
		t.Error("rejected connection consumed a client id")
	}

	for _, want := range []bool{false, true} {
		select {
		case got := <-changes:
			if got != want {
				t.Errorf("accept change = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing accept state event")
		}
	}
}

func TestRemoveClients(t *testing.T) {
	bus := events.NewEventBus()
	removed := make(chan uint32, 4)
	bus.Subscribe(events.EventClientRemoved, "test", func(ctx context.Context, e events.Event) error {
		removed <- e.Payload.(events.ClientPayload).ClientID
		return nil
	})

	s := startServer(t, ServerOptions{}, bus, nil)
	first := dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })
	second := dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 2 })

	if !s.RemoveClient(0) {
		t.Fatal("RemoveClient(0) = false")
	}
	if s.RemoveClient(0) {
		t.Error("second RemoveClient(0) = true")
	}
	expectClosed(t, first)

	dropClient(t, s, 1, second)
	if n := s.RemoveAllInactiveClients(); n != 1 {
		t.Fatalf("RemoveAllInactiveClients = %d, want 1", n)
	}
	if s.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", s.ClientCount())
	}

	dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })
	if _, ok := s.Lookup(2); !ok {
		t.Errorf("new client did not get id 2: %+v", s.Clients())
	}

	got := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-removed:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatal("missing removal event")
		}
	}
	if !got[0] || !got[1] {
		t.Errorf("removed events = %v", got)
	}
}

func TestPacketExchangeOverTCP(t *testing.T) {
	s := startServer(t, ServerOptions{}, nil, nil)
	conn := dial(t, s)
	eventually(t, time.Second, func() bool { return s.ClientCount() == 1 })

	go func() {
		var got []protocol.Packet
		r := protocol.NewReceiver(func(p protocol.Packet) {
			got = append(got, protocol.Packet{Type: p.Type, Payload: append([]byte(nil), p.Payload...)})
		})
		buf := make([]byte, 64)
		for len(got) == 0 {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			r.Deserialize(buf[:n])
		}
		conn.Write(protocol.Serialize(protocol.IdentifyResponse, []byte("snake")))
	}()

	pt, err := NewPacketTransaction(protocol.IdentifyRequest, []byte{0, 2, 0}, protocol.IdentifyResponse, 5)
	if err != nil {
		t.Fatalf("NewPacketTransaction: %v", err)
	}
	s.RunTransaction(pt.Transaction)
	if done := pt.WaitForFinish(2 * time.Second); done != 1 {
		t.Fatalf("done = %d, want 1", done)
	}
	if string(pt.Payload(0)) != "snake" {
		t.Errorf("payload = %q", pt.Payload(0))
	}
	if results := pt.Results(); len(results) != 1 || results[0].State != StateDone {
		t.Errorf("results = %+v", results)
	}
}
