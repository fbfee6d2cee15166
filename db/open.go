package db

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig describes the Postgres connection and pool limits.
type PoolConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns   int
	MaxIdleTime    time.Duration
	ConnectTimeout time.Duration
}

// DSN builds a postgres:// URL with every component escaped.
func (c PoolConfig) DSN() string {
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		// connect_timeout is whole seconds; round up so 1500ms does not become 1s.
		secs := int((c.ConnectTimeout + time.Second - 1) / time.Second)
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open returns a pooled Postgres handle backed by the pgx stdlib driver.
// No connection is made until the first query.
func Open(cfg PoolConfig) (*CompatDB, error) {
	connCfg, err := connConfig(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB := stdlib.OpenDB(*connCfg)
	d := NewCompatDB(sqlDB, DialectPostgres)
	if cfg.MaxOpenConns > 0 {
		d.SetMaxOpenConns(cfg.MaxOpenConns)
		d.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleTime > 0 {
		d.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}
	return d, nil
}

// connConfig pins the session time zone to UTC so CURRENT_TIMESTAMP in the
// zone-less "timestamp" column is stored and read back as UTC.
func connConfig(cfg PoolConfig) (*pgx.ConnConfig, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	connCfg.RuntimeParams["timezone"] = "UTC"
	return connCfg, nil
}
