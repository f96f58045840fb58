package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

type migrator struct {
	pool   *pgxpool.Pool
	dir    string
	logger *zap.Logger
}

func (m *migrator) ensureSchemaTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// apply runs every pending *.up.sql in name order, each in its own
// transaction together with its schema_migrations row.
func (m *migrator) apply(ctx context.Context) (applied, skipped int, err error) {
	names, err := migrationFiles(m.dir, upSuffix)
	if err != nil {
		return 0, 0, err
	}

	for _, name := range names {
		var exists bool
		if err := m.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&exists); err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if exists {
			m.logger.Debug("skip migration, already applied", zap.String("name", name))
			skipped++
			continue
		}

		start := time.Now()
		err := m.exec(ctx, name, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1)", name)
			return err
		})
		if err != nil {
			return applied, skipped, err
		}

		applied++
		m.logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}
	return applied, skipped, nil
}

// rollback runs the .down.sql of the latest applied migration and returns its
// name, or "" when nothing is applied.
func (m *migrator) rollback(ctx context.Context) (string, error) {
	var name string
	err := m.pool.QueryRow(ctx,
		"SELECT name FROM schema_migrations ORDER BY name DESC LIMIT 1",
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find latest migration: %w", err)
	}

	down := strings.TrimSuffix(name, upSuffix) + downSuffix
	err = m.exec(ctx, down, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "DELETE FROM schema_migrations WHERE name = $1", name)
		return err
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (m *migrator) exec(ctx context.Context, file string, record func(pgx.Tx) error) error {
	contents, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

// migrationFiles lists the files in dir ending in suffix, sorted by name.
func migrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
