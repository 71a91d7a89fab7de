package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lkrzak/mniam-headless/internal/events"
)

func newStore(t *testing.T, runID string) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(filepath.Join(t.TempDir(), "data", "sessions.db"), runID)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	runID := uuid.NewString()
	s := newStore(t, runID)

	t0 := time.UnixMilli(1_700_000_000_000)
	if err := s.RecordConnected(0, "10.0.0.1", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordConnected(1, "10.0.0.2", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDisconnected(0, t0.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	// A second disconnect does not move the timestamp.
	if err := s.RecordDisconnected(0, t0.Add(9*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRemoved(0, t0.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}

	sess, err := s.ForClient(runID, 0)
	if err != nil {
		t.Fatalf("ForClient: %v", err)
	}
	if sess.IP != "10.0.0.1" || !sess.ConnectedAt.Equal(t0) {
		t.Errorf("session = %+v", sess)
	}
	if sess.DisconnectedAt == nil || !sess.DisconnectedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("disconnected_at = %v", sess.DisconnectedAt)
	}
	if sess.RemovedAt == nil || !sess.RemovedAt.Equal(t0.Add(3*time.Second)) {
		t.Errorf("removed_at = %v", sess.RemovedAt)
	}

	recent, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ClientID != 1 {
		t.Errorf("recent = %+v", recent)
	}
	if recent[0].DisconnectedAt != nil {
		t.Error("client 1 should still be connected")
	}

	if _, err := s.ForClient(runID, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown client err = %v", err)
	}
	if _, err := s.ForClient(uuid.NewString(), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("other run err = %v", err)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	runID := uuid.NewString()
	s := newStore(t, runID)

	t0 := time.UnixMilli(1_700_000_000_000)
	if err := s.RecordDisconnected(3, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordConnected(3, "10.0.0.3", t0); err != nil {
		t.Fatal(err)
	}

	sess, err := s.ForClient(runID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sess.IP != "10.0.0.3" || !sess.ConnectedAt.Equal(t0) || sess.DisconnectedAt == nil {
		t.Errorf("session = %+v", sess)
	}
}

func TestAlerts(t *testing.T) {
	s := newStore(t, "run")

	if err := s.CreateAlert("lag", "warning", "slow"); err != nil {
		t.Fatal(err)
	}
	alerts, err := s.UnacknowledgedAlerts()
	if err != nil || len(alerts) != 1 {
		t.Fatalf("alerts = %v, %v", alerts, err)
	}
	if err := s.AcknowledgeAlert(alerts[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AcknowledgeAlert(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("acknowledge unknown = %v", err)
	}
	if alerts, _ := s.UnacknowledgedAlerts(); len(alerts) != 0 {
		t.Errorf("alerts after acknowledge = %v", alerts)
	}
	if n, err := s.CleanOldAlerts(-time.Hour); err != nil || n != 1 {
		t.Errorf("CleanOldAlerts = %d, %v", n, err)
	}
}

func TestSubscribeRecordsEvents(t *testing.T) {
	runID := uuid.NewString()
	s := newStore(t, runID)
	bus := events.NewEventBus()
	s.Subscribe(bus)

	ctx := context.Background()
	at := time.Now()
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventClientConnected,
		Payload: events.ClientPayload{ClientID: 5, IP: "192.168.1.9", At: at},
	}); err != nil {
		t.Fatal(err)
	}
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventClientLagging,
		Payload: events.LagPayload{ClientID: 5, IP: "192.168.1.9", MeanRTTMs: 250, LimitMs: 100},
	}); err != nil {
		t.Fatal(err)
	}
	if err := bus.EmitSync(ctx, events.Event{
		Type:    events.EventClientRejected,
		Payload: events.RejectedPayload{IP: "192.168.1.10", Reason: events.RejectNotAccepting},
	}); err != nil {
		t.Fatal(err)
	}

	sess, err := s.ForClient(runID, 5)
	if err != nil || sess.IP != "192.168.1.9" {
		t.Fatalf("session = %+v, %v", sess, err)
	}
	alerts, _ := s.UnacknowledgedAlerts()
	if len(alerts) != 1 || alerts[0].Type != "lag" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestReopenKeepsSchemaAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewSessionStore(path, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordConnected(1, "10.0.0.1", time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSessionStore(path, "run-b")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != schemaVersion {
		t.Fatalf("user_version = %d, %v", version, err)
	}
	if _, err := s.ForClient("run-a", 1); err != nil {
		t.Errorf("row from previous run lost: %v", err)
	}
}
