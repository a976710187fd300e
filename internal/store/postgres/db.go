package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	statementTimeoutDefaultMS = 30000
	statementTimeoutMaxMS     = 600_000

	// DefaultQueryTimeout bounds individual KV and wallet queries.
	DefaultQueryTimeout = 10 * time.Second

	migrationTimeout = 2 * time.Minute
)

type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	timeoutMS, err := resolveStatementTimeoutMS(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve statement timeout: %w", err)
	}

	connURL := cfg.URL
	if timeoutMS > 0 {
		connURL = appendStatementTimeout(connURL, timeoutMS)
	}

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// appendStatementTimeout sets statement_timeout through the connection URL
// so every pooled connection gets it.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

// RunMigrations applies every *.up.sql file in dir, in name order, that is
// not yet recorded in schema_migrations.
func (db *DB) RunMigrations(ctx context.Context, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := db.applyMigration(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, path string) error {
	version := filepath.Base(path)

	var applied bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %s: %w", version, err)
	}
	if applied {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}

	slog.Info("migration applied", "version", version, "elapsed", time.Since(start).String())
	return nil
}

func resolveStatementTimeoutMS(cfg Config) (int, error) {
	if cfg.StatementTimeoutMS != 0 {
		if cfg.StatementTimeoutMS < 0 || cfg.StatementTimeoutMS > statementTimeoutMaxMS {
			return 0, fmt.Errorf("statement timeout %d out of allowed range [0, %d]", cfg.StatementTimeoutMS, statementTimeoutMaxMS)
		}
		return cfg.StatementTimeoutMS, nil
	}

	v := strings.TrimSpace(os.Getenv("DB_STATEMENT_TIMEOUT_MS"))
	if v == "" {
		return statementTimeoutDefaultMS, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("DB_STATEMENT_TIMEOUT_MS: must be an integer")
	}
	if ms < 0 || ms > statementTimeoutMaxMS {
		return 0, fmt.Errorf("DB_STATEMENT_TIMEOUT_MS: must be within [0, %d]", statementTimeoutMaxMS)
	}
	return ms, nil
}
