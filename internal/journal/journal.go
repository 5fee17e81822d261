// Package journal persists sessions and their trials in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/droprate/internal/trial"
)

var ErrUnknownSession = errors.New("unknown session")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	repetition INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	converged BOOLEAN,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS trials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	recorded_at INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	target_rate REAL NOT NULL,
	transmit_count INTEGER NOT NULL,
	loss_count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS trials_session ON trials(session_id, id);
`

// Session is one journaled search run.
type Session struct {
	ID         string
	Name       string
	Kind       string
	Repetition int
	StartedAt  time.Time
	FinishedAt time.Time
	Converged  bool
	Reason     string
	Trials     int
}

func (s Session) Finished() bool { return !s.FinishedAt.IsZero() }

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// StartSession records a new session and returns its id.
func (j *Journal) StartSession(ctx context.Context, name, kind string, repetition int) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, kind, repetition, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, kind, repetition, j.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("start session %s: %w", name, err)
	}
	return id, nil
}

func (j *Journal) FinishSession(ctx context.Context, id string, converged bool, reason string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, converged = ?, reason = ? WHERE id = ?`,
		j.now().UnixNano(), converged, reason, id)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

func (j *Journal) RecordTrial(ctx context.Context, sessionID string, m trial.Measurement) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trials (session_id, recorded_at, duration_ns, target_rate, transmit_count, loss_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, j.now().UnixNano(), int64(m.Duration()), m.TargetTR(),
		int64(m.TransmitCount()), int64(m.LossCount()))
	if err != nil {
		return fmt.Errorf("record trial for %s: %w", sessionID, err)
	}
	return nil
}

// Trials returns the session's trials in recording order.
func (j *Journal) Trials(ctx context.Context, sessionID string) ([]trial.Measurement, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT duration_ns, target_rate, transmit_count, loss_count FROM trials WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trial.Measurement
	for rows.Next() {
		var (
			durationNs int64
			rate       float64
			tx, loss   int64
		)
		if err := rows.Scan(&durationNs, &rate, &tx, &loss); err != nil {
			return nil, err
		}
		m, err := trial.New(time.Duration(durationNs), rate, uint64(tx), uint64(loss))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (j *Journal) Session(ctx context.Context, id string) (Session, error) {
	sessions, err := j.query(ctx, `WHERE s.id = ?`, id)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return sessions[0], nil
}

// Sessions lists all sessions, oldest first.
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	return j.query(ctx, "")
}

func (j *Journal) query(ctx context.Context, where string, args ...any) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT s.id, s.name, s.kind, s.repetition, s.started_at, s.finished_at, s.converged, s.reason,
		(SELECT COUNT(*) FROM trials t WHERE t.session_id = s.id)
	FROM sessions s `+where+` ORDER BY s.started_at, s.rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s         Session
			started   int64
			finished  sql.NullInt64
			converged sql.NullBool
			reason    sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Kind, &s.Repetition, &started, &finished, &converged, &reason, &s.Trials); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started)
		if finished.Valid {
			s.FinishedAt = time.Unix(0, finished.Int64)
		}
		s.Converged = converged.Valid && converged.Bool
		s.Reason = reason.String
		out = append(out, s)
	}
	return out, rows.Err()
}
