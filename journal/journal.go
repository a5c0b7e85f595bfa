// Package journal keeps a sqlite-backed history of instance lifecycle events.
package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventKilled  EventType = "killed"
	EventExited  EventType = "exited"
	EventDeleted EventType = "deleted"
)

// Event represents a lifecycle entry in the database
type Event struct {
	ID         string `db:"id"`
	InstanceID string `db:"instance_id"`
	EventType  string `db:"event_type"`
	Timestamp  int64  `db:"timestamp"` // unix nanoseconds
	Pid        *int   `db:"pid"`       // Nullable for events without a process
	ExitCode   *int64 `db:"exit_code"` // Exit status or signal for exited events
	Signal     *int64 `db:"signal"`
	Detail     string `db:"detail"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Journal records lifecycle events of instances
type Journal struct {
	db *sqlx.DB
}

// Open connects to the sqlite database at path and prepares the schema.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	// The reaper and the control path write concurrently.
	db.SetMaxOpenConns(1)
	j, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an existing database handle
func New(db *sqlx.DB) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Journal{
		db: db,
	}, nil
}

// DBInit initializes the lifecycle events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		pid INTEGER,
		exit_code INTEGER,
		signal INTEGER,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_instance_id ON lifecycle_events(instance_id)`)
	return err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) insertEvent(event *Event) error {
	_, err := j.db.Exec(`
		INSERT INTO lifecycle_events (
			id, instance_id, event_type, timestamp, pid, exit_code, signal, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.InstanceID,
		event.EventType,
		event.Timestamp,
		event.Pid,
		event.ExitCode,
		event.Signal,
		event.Detail,
	)
	return err
}

func newEvent(instanceID string, eventType EventType) *Event {
	return &Event{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		EventType:  string(eventType),
		Timestamp:  time.Now().UTC().UnixNano(),
	}
}

// RecordCreated logs the construction of an instance for a bundle
func (j *Journal) RecordCreated(instanceID, bundle string) error {
	event := newEvent(instanceID, EventCreated)
	event.Detail = bundle
	return j.insertEvent(event)
}

// RecordStarted logs a started init process
func (j *Journal) RecordStarted(instanceID string, pid int) error {
	event := newEvent(instanceID, EventStarted)
	event.Pid = &pid
	return j.insertEvent(event)
}

// RecordKilled logs a signal delivered to the init process
func (j *Journal) RecordKilled(instanceID string, pid int, signal uint32) error {
	sig := int64(signal)
	event := newEvent(instanceID, EventKilled)
	event.Pid = &pid
	event.Signal = &sig
	return j.insertEvent(event)
}

// RecordExited logs the recorded exit status and how it was obtained
func (j *Journal) RecordExited(instanceID string, pid int, code uint32, outcome string) error {
	exitCode := int64(code)
	event := newEvent(instanceID, EventExited)
	event.Pid = &pid
	event.ExitCode = &exitCode
	event.Detail = outcome
	return j.insertEvent(event)
}

// RecordDeleted logs a delete request and its outcome
func (j *Journal) RecordDeleted(instanceID, outcome string) error {
	event := newEvent(instanceID, EventDeleted)
	event.Detail = outcome
	return j.insertEvent(event)
}

// EventsForInstance retrieves the events of an instance in the order they happened
func (j *Journal) EventsForInstance(instanceID string, limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE instance_id = $1 ORDER BY timestamp ASC, rowid ASC LIMIT $2",
		instanceID, limit)
	return events, err
}

// EventsByType retrieves events of a specific type, newest first
func (j *Journal) EventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// RecentEvents retrieves the most recent events across all instances
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (j *Journal) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixNano()
	result, err := j.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
