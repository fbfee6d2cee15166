package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*
var migrationsFS embed.FS

// RunMigrations creates the schema_migrations table and applies every
// embedded migration for the dialect that has not been recorded yet.
// Each file runs in its own transaction. Safe to call repeatedly.
func RunMigrations(ctx context.Context, d *CompatDB, log *zap.Logger) error {
	createTableSQL := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if d.IsPostgres() {
		createTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`
	}

	if _, err := d.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := migrationFiles(d.Dialect)
	if err != nil {
		return err
	}

	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + string(d.Dialect) + "/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		applied := false
		err = WithTx(ctx, d, log, func(conn *CompatConn) error {
			var one int
			err := conn.QueryRowContext(ctx, "SELECT 1 FROM schema_migrations WHERE version = ?", file).Scan(&one)
			if err == nil {
				applied = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check migration %s: %w", file, err)
			}
			if _, err := conn.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
			if _, err := conn.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", file); err != nil {
				return fmt.Errorf("record migration %s: %w", file, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		log.Info("applied migration", zap.String("version", file))
	}

	return nil
}

func migrationFiles(dialect Dialect) ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations/" + string(dialect))
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
