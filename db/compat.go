package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// Dialect represents the SQL database backend in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// CompatDB wraps *sql.DB to provide transparent ? → $N placeholder
// conversion for Postgres while keeping SQLite queries unchanged.
type CompatDB struct {
	DB      *sql.DB
	Dialect Dialect
}

func NewCompatDB(db *sql.DB, dialect Dialect) *CompatDB {
	return &CompatDB{DB: db, Dialect: dialect}
}

func (d *CompatDB) Close() error                         { return d.DB.Close() }
func (d *CompatDB) SetMaxOpenConns(n int)                { d.DB.SetMaxOpenConns(n) }
func (d *CompatDB) SetMaxIdleConns(n int)                { d.DB.SetMaxIdleConns(n) }
func (d *CompatDB) SetConnMaxIdleTime(dur time.Duration) { d.DB.SetConnMaxIdleTime(dur) }
func (d *CompatDB) IsPostgres() bool                     { return d.Dialect == DialectPostgres }

func (d *CompatDB) rewrite(query string) string {
	if d.Dialect == DialectSQLite {
		return query
	}
	return rewritePlaceholders(query)
}

func (d *CompatDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.rewrite(query), args...)
}

func (d *CompatDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.rewrite(query), args...)
}

func (d *CompatDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.rewrite(query), args...)
}

func (d *CompatDB) Conn(ctx context.Context) (*CompatConn, error) {
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &CompatConn{Conn: conn, dialect: d.Dialect}, nil
}

// BeginTxSQL returns the SQL statement to begin a write transaction.
func (d *CompatDB) BeginTxSQL() string {
	if d.IsPostgres() {
		return "BEGIN"
	}
	return "BEGIN IMMEDIATE"
}

// CompatConn wraps *sql.Conn with automatic placeholder conversion.
type CompatConn struct {
	Conn    *sql.Conn
	dialect Dialect
}

func (c *CompatConn) Close() error { return c.Conn.Close() }

func (c *CompatConn) rewrite(query string) string {
	if c.dialect == DialectSQLite {
		return query
	}
	return rewritePlaceholders(query)
}

func (c *CompatConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.Conn.ExecContext(ctx, c.rewrite(query), args...)
}

func (c *CompatConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.Conn.QueryRowContext(ctx, c.rewrite(query), args...)
}

// rewritePlaceholders converts ? to $1, $2, ... for Postgres.
// Respects single-quoted string literals and doubled single quotes as escapes.
func rewritePlaceholders(query string) string {
	var buf strings.Builder
	buf.Grow(len(query) + 32)
	n := 1
	inStr := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			if inStr && i+1 < len(query) && query[i+1] == '\'' {
				// Escaped quote ('') stays inside the string literal.
				buf.WriteByte(c)
				buf.WriteByte(query[i+1])
				i++
				continue
			}
			inStr = !inStr
			buf.WriteByte(c)
		} else if c == '?' && !inStr {
			buf.WriteByte('$')
			buf.WriteString(strconv.Itoa(n))
			n++
		} else {
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
