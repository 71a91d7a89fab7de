package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lkrzak/mniam-headless/internal/events"
)

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("session not found")

const schemaVersion = 1

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		run_id TEXT NOT NULL,
		client_id INTEGER NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		connected_at INTEGER NOT NULL,
		disconnected_at INTEGER,
		removed_at INTEGER,
		PRIMARY KEY (run_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		acknowledged INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_connected_at ON sessions(connected_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);
`

// Session is the history of one client id within one process run. Client
// ids restart at 0 every run, so the run id is part of the key.
type Session struct {
	RunID          string     `json:"run_id"`
	ClientID       uint32     `json:"client_id"`
	IP             string     `json:"ip"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
}

// Alert is an operator-facing record of a noteworthy client condition.
type Alert struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore records the connection history of the current run.
type SessionStore struct {
	db    *Database
	runID string
}

// NewSessionStore opens the database at dbPath and prepares its schema.
func NewSessionStore(dbPath, runID string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(schemaVersion, schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return &SessionStore{db: database, runID: runID}, nil
}

// RunID returns the run the store writes under.
func (s *SessionStore) RunID() string {
	return s.runID
}

// RecordConnected starts the session of clientID.
func (s *SessionStore) RecordConnected(clientID uint32, ip string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (run_id, client_id, ip, connected_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, client_id) DO UPDATE SET ip = excluded.ip, connected_at = excluded.connected_at`,
		s.runID, clientID, ip, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record connect of client %d: %w", clientID, err)
	}
	return nil
}

// RecordDisconnected marks the session of clientID as inactive. Only the
// first disconnection is kept. Events are delivered asynchronously, so a
// disconnect may arrive before its connect and creates the row.
func (s *SessionStore) RecordDisconnected(clientID uint32, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO sessions (run_id, client_id, connected_at, disconnected_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, client_id) DO UPDATE SET
		 disconnected_at = COALESCE(sessions.disconnected_at, excluded.disconnected_at)`,
		s.runID, clientID, ms, ms)
	if err != nil {
		return fmt.Errorf("record disconnect of client %d: %w", clientID, err)
	}
	return nil
}

// RecordRemoved marks the session of clientID as removed from the table.
func (s *SessionStore) RecordRemoved(clientID uint32, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO sessions (run_id, client_id, connected_at, disconnected_at, removed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, client_id) DO UPDATE SET
		 disconnected_at = COALESCE(sessions.disconnected_at, excluded.disconnected_at),
		 removed_at = COALESCE(sessions.removed_at, excluded.removed_at)`,
		s.runID, clientID, ms, ms, ms)
	if err != nil {
		return fmt.Errorf("record removal of client %d: %w", clientID, err)
	}
	return nil
}

// Recent returns up to limit sessions across all runs, newest first.
func (s *SessionStore) Recent(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, client_id, ip, connected_at, disconnected_at, removed_at
		 FROM sessions ORDER BY connected_at DESC, client_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ForClient returns the session of clientID in runID.
func (s *SessionStore) ForClient(runID string, clientID uint32) (Session, error) {
	row := s.db.QueryRow(
		`SELECT run_id, client_id, ip, connected_at, disconnected_at, removed_at
		 FROM sessions WHERE run_id = ? AND client_id = ?`, runID, clientID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess                  Session
		connected             int64
		disconnected, removed sql.NullInt64
	)
	if err := sc.Scan(&sess.RunID, &sess.ClientID, &sess.IP, &connected, &disconnected, &removed); err != nil {
		return Session{}, err
	}
	sess.ConnectedAt = time.UnixMilli(connected)
	if disconnected.Valid {
		t := time.UnixMilli(disconnected.Int64)
		sess.DisconnectedAt = &t
	}
	if removed.Valid {
		t := time.UnixMilli(removed.Int64)
		sess.RemovedAt = &t
	}
	return sess, nil
}

// CreateAlert creates a new alert record.
func (s *SessionStore) CreateAlert(alertType, level, message string) error {
	_, err := s.db.Exec(
		"INSERT INTO alerts (run_id, type, level, message, created_at) VALUES (?, ?, ?, ?, ?)",
		s.runID, alertType, level, message, time.Now().UnixMilli())
	return err
}

// UnacknowledgedAlerts returns all unacknowledged alerts, newest first.
func (s *SessionStore) UnacknowledgedAlerts() ([]Alert, error) {
	rows, err := s.db.Query(
		"SELECT id, run_id, type, level, message, created_at FROM alerts WHERE acknowledged = 0 ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a       Alert
			created int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Type, &a.Level, &a.Message, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged.
func (s *SessionStore) AcknowledgeAlert(alertID int64) error {
	res, err := s.db.Exec("UPDATE alerts SET acknowledged = 1 WHERE id = ?", alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	return nil
}

// CleanOldAlerts removes acknowledged alerts older than maxAge.
func (s *SessionStore) CleanOldAlerts(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?",
		time.Now().Add(-maxAge).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Subscribe records client lifecycle events and lag alerts from bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	const name = "session_store"

	bus.Subscribe(events.EventClientConnected, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ClientPayload)
		if !ok {
			return nil
		}
		return s.RecordConnected(p.ClientID, p.IP, p.At)
	})
	bus.Subscribe(events.EventClientDisconnected, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ClientPayload)
		if !ok {
			return nil
		}
		return s.RecordDisconnected(p.ClientID, p.At)
	})
	bus.Subscribe(events.EventClientRemoved, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ClientPayload)
		if !ok {
			return nil
		}
		return s.RecordRemoved(p.ClientID, p.At)
	})
	bus.Subscribe(events.EventClientLagging, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LagPayload)
		if !ok {
			return nil
		}
		return s.CreateAlert("lag", "warning", fmt.Sprintf(
			"client %d (%s) mean RTT %dms exceeds %dms", p.ClientID, p.IP, p.MeanRTTMs, p.LimitMs))
	})
	bus.Subscribe(events.EventClientRejected, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RejectedPayload)
		if !ok || p.Reason != events.RejectClientLimit {
			return nil
		}
		return s.CreateAlert("client_limit", "info", fmt.Sprintf("connection from %s refused, table full", p.IP))
	})

	log.Debug().
		Str("run_id", s.runID).
		Str("path", s.db.Path()).
		Msg("session store subscribed to client events")
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
