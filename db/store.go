package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNotReady is returned when the visitors schema could not be created.
var ErrNotReady = errors.New("database schema not ready")

// NewVisitor is a sanitized submission ready to be persisted.
type NewVisitor struct {
	FirstName string
	Company   string
	Role      string
	UserAgent string
}

// Visitor is a persisted row of the visitors table.
type Visitor struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName"`
	Company   string    `json:"company"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Store persists visitors. Calls that need the schema go through
// ensureSchema, so a database that was unreachable at startup is picked up
// by the next request instead of requiring a restart.
type Store struct {
	db  *CompatDB
	log *zap.Logger

	mu    sync.Mutex
	ready atomic.Bool
}

func NewStore(d *CompatDB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: d, log: log}
}

// Ready reports whether the schema has been created.
func (s *Store) Ready() bool { return s.ready.Load() }

// EnsureSchema runs the migrations once. Concurrent callers wait for the
// attempt in progress; a failed attempt is retried on the next call.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Load() {
		return nil
	}
	if err := RunMigrations(ctx, s.db, s.log); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	s.ready.Store(true)
	s.log.Info("database schema ready", zap.String("dialect", string(s.db.Dialect)))
	return nil
}

func (s *Store) guard(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.log.Warn("schema not ready, retrying migrations")
	return s.EnsureSchema(ctx)
}

const insertVisitorSQL = `INSERT INTO visitors (first_name, company, role, user_agent)
VALUES (?, ?, ?, ?)
RETURNING id, "timestamp"`

// InsertVisitor stores one visitor and returns the generated id and timestamp.
func (s *Store) InsertVisitor(ctx context.Context, v NewVisitor) (Visitor, error) {
	if err := s.guard(ctx); err != nil {
		return Visitor{}, err
	}

	ua := sql.NullString{String: v.UserAgent, Valid: v.UserAgent != ""}
	out := Visitor{FirstName: v.FirstName, Company: v.Company, Role: v.Role, UserAgent: v.UserAgent}
	var ts timestamp
	if err := s.db.QueryRowContext(ctx, insertVisitorSQL, v.FirstName, v.Company, v.Role, ua).Scan(&out.ID, &ts); err != nil {
		return Visitor{}, fmt.Errorf("insert visitor: %w", err)
	}
	out.Timestamp = ts.Time
	return out, nil
}

// Ping issues the cheapest query the database can answer.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ListVisitors returns visitors newest first.
func (s *Store) ListVisitors(ctx context.Context, limit, offset int) ([]Visitor, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_name, company, role, "timestamp", user_agent
		 FROM visitors ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list visitors: %w", err)
	}
	defer rows.Close()

	visitors := make([]Visitor, 0, limit)
	for rows.Next() {
		var v Visitor
		var ts timestamp
		var ua sql.NullString
		if err := rows.Scan(&v.ID, &v.FirstName, &v.Company, &v.Role, &ts, &ua); err != nil {
			return nil, fmt.Errorf("scan visitor: %w", err)
		}
		v.Timestamp = ts.Time
		v.UserAgent = ua.String
		visitors = append(visitors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visitors: %w", err)
	}
	return visitors, nil
}

// CountVisitors returns the number of stored visitors.
func (s *Store) CountVisitors(ctx context.Context) (int, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM visitors").Scan(&n); err != nil {
		return 0, fmt.Errorf("count visitors: %w", err)
	}
	return n, nil
}
