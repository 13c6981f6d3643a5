package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slotpost/internal/slots"
	logx "slotpost/pkg/logx"
)

const defaultBusyTimeout = 5 * time.Second

// Open migrates and opens the configured store.
// Enqueue assigns slots from sched, so a reload that swaps the schedule
// applies to new items only.
func Open(ctx context.Context, cfg Config, sched *slots.Holder, log logx.Logger) (Store, error) {
	if sched == nil {
		return nil, errors.New("storage: slot schedule is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(ctx, cfg, sched, log)
	case DriverPostgres, "postgresql", "pgx":
		return openPostgres(ctx, cfg, sched, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func openSQLite(ctx context.Context, cfg Config, sched *slots.Holder, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := migrateUp(sqliteDialect, sqliteMigrateURL(path)); err != nil {
		return nil, err
	}

	db, err := sql.Open(sqliteDialect.driverName, path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also serializes claim transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", DriverSQLite), logx.String("path", path))
	return newSQLStore(db, sqliteDialect, sched, log), nil
}

func openPostgres(ctx context.Context, cfg Config, sched *slots.Holder, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	murl, err := pgxMigrateURL(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(postgresDialect, murl); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDialect.driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", DriverPostgres))
	return newSQLStore(db, postgresDialect, sched, log), nil
}
