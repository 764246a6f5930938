// Package db persists control loop history in SQLite: one session per
// daemon run, every flow report, and every applied actuation.
package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/isp-autolevel/internal/isp/actuate"
	"github.com/banshee-data/isp-autolevel/internal/isp/flow"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

var logger = monitoring.Component("db")

// ErrNoSession is returned by writes made before StartSession.
var ErrNoSession = errors.New("no session started")

type DB struct {
	*sql.DB
	path    string
	session string
}

// OpenDB opens path without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens path and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Path() string { return db.path }

// StartSession records a new daemon run. Later writes are tagged with it.
func (db *DB) StartSession(contextID uint32, version string) (string, error) {
	id := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, context_id, version) VALUES (?, ?, ?)`,
		id, contextID, version,
	); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	db.session = id
	logger.Infof("session %s started for context %d", id, contextID)
	return id, nil
}

func (db *DB) Session() string { return db.session }

// FlowEvent is one stored flow report.
type FlowEvent struct {
	Algorithm  string `json:"algorithm"`
	TrackingID uint32 `json:"tracking_id"`
	CurrentID  uint32 `json:"current_id"`
	State      string `json:"state"`
}

func (db *DB) RecordFlow(r flow.Report) error {
	if db.session == "" {
		return ErrNoSession
	}
	_, err := db.Exec(
		`INSERT INTO flow_events (session_id, algorithm, tracking_id, current_id, state) VALUES (?, ?, ?, ?, ?)`,
		db.session, r.Algorithm, r.TrackingID, r.CurrentID, r.State.String(),
	)
	return err
}

// ReportFlow stores r, logging failures. It blocks on the database, so wrap
// it in an asynchronous sink before handing it to the control loop.
func (db *DB) ReportFlow(r flow.Report) {
	if err := db.RecordFlow(r); err != nil {
		logger.Errorf("record flow %s %d %s: %v", r.Algorithm, r.TrackingID, r.State, err)
	}
}

// FlowEvents returns up to limit events for alg from the current session,
// newest first.
func (db *DB) FlowEvents(alg string, limit int) ([]FlowEvent, error) {
	rows, err := db.Query(
		`SELECT algorithm, tracking_id, current_id, state FROM flow_events
		WHERE session_id = ? AND algorithm = ? ORDER BY event_id DESC LIMIT ?`,
		db.session, alg, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FlowEvent
	for rows.Next() {
		var e FlowEvent
		if err := rows.Scan(&e.Algorithm, &e.TrackingID, &e.CurrentID, &e.State); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Actuation is one applied gain and black level.
type Actuation struct {
	FrameID    uint32        `json:"frame_id"`
	TrackingID uint32        `json:"tracking_id"`
	State      actuate.State `json:"state"`
}

func (db *DB) RecordActuation(a Actuation) error {
	if db.session == "" {
		return ErrNoSession
	}
	_, err := db.Exec(
		`INSERT INTO actuations (session_id, frame_id, tracking_id, gain, black_level) VALUES (?, ?, ?, ?, ?)`,
		db.session, a.FrameID, a.TrackingID, a.State.Gain, a.State.Offset,
	)
	return err
}

// Actuations returns up to limit actuations from the current session,
// newest first.
func (db *DB) Actuations(limit int) ([]Actuation, error) {
	rows, err := db.Query(
		`SELECT frame_id, tracking_id, gain, black_level FROM actuations
		WHERE session_id = ? ORDER BY actuation_id DESC LIMIT ?`,
		db.session, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Actuation
	for rows.Next() {
		var a Actuation
		if err := rows.Scan(&a.FrameID, &a.TrackingID, &a.State.Gain, &a.State.Offset); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
