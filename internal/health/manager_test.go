package health

import (
	"context"
	"testing"
	"time"

	"github.com/lkrzak/mniam-headless/internal/config"
	"github.com/lkrzak/mniam-headless/internal/events"
	"github.com/lkrzak/mniam-headless/internal/network"
)

type fakeTable struct {
	clients   []network.ClientInfo
	accepting bool
	sweeps    int
}

func (f *fakeTable) Clients() []network.ClientInfo { return f.clients }
func (f *fakeTable) IsAccepting() bool             { return f.accepting }

func (f *fakeTable) RemoveAllInactiveClients() int {
	f.sweeps++
	kept := f.clients[:0]
	removed := 0
	for _, c := range f.clients {
		if c.Active {
			kept = append(kept, c)
		} else {
			removed++
		}
	}
	f.clients = kept
	return removed
}

func collect(t *testing.T, bus *events.EventBus, eventType events.EventType) <-chan events.Event {
	t.Helper()
	ch := make(chan events.Event, 16)
	bus.Subscribe(eventType, "test", func(ctx context.Context, e events.Event) error {
		ch <- e
		return nil
	})
	return ch
}

func TestCheckLagEmitsForSlowActiveClients(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.NewEventBus()
	defer bus.Stop()
	lagging := collect(t, bus, events.EventClientLagging)

	table := &fakeTable{clients: []network.ClientInfo{
		{ID: 0, Active: true, IP: "10.0.0.1", MeanRTTMillis: 20},
		{ID: 1, Active: true, IP: "10.0.0.2", MeanRTTMillis: 250},
		{ID: 2, Active: false, IP: "10.0.0.3", MeanRTTMillis: 900},
	}}
	m := NewManager(cfg, bus, table, "")
	m.checkLag(context.Background())

	select {
	case e := <-lagging:
		p := e.Payload.(events.LagPayload)
		if p.ClientID != 1 || p.MeanRTTMs != 250 || p.LimitMs != int64(cfg.ApplicationData.Lag.RTTWarningMs) {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no lag event")
	}
	select {
	case e := <-lagging:
		t.Errorf("unexpected event %+v", e.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepAndSnapshot(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	snapshots := collect(t, bus, events.EventClientsSnapshot)

	table := &fakeTable{
		accepting: true,
		clients: []network.ClientInfo{
			{ID: 4, Active: true, IP: "10.0.0.4"},
			{ID: 5, Active: false, IP: "10.0.0.5"},
		},
	}
	m := NewManager(config.DefaultConfig(), bus, table, "")

	m.sweepInactive(context.Background())
	if table.sweeps != 1 || len(table.clients) != 1 {
		t.Fatalf("sweeps = %d, clients = %v", table.sweeps, table.clients)
	}

	m.publishSnapshot(context.Background())
	select {
	case e := <-snapshots:
		p := e.Payload.(events.SnapshotPayload)
		if !p.Accepting || len(p.Clients) != 1 || p.Clients[0].ClientID != 4 {
			t.Errorf("snapshot = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot event")
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	m := NewManager(cfg, events.NewEventBus(), &fakeTable{}, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	m.logUsage(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}
