// Package store is the SQLite database behind the HTTP response cache and
// the reading history. The schema is managed with golang-migrate using the
// migrations embedded in this package.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"watersmart/internal/httpcache"
	"watersmart/internal/watersmart"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ httpcache.Storage = (*DB)(nil)

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger.Named("store")}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db.logger.Info("Database ready", zap.String("path", path))
	return db, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version.
// It returns 0, false, nil when no migration has been applied.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: db.logger}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of zap.
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// GetCacheEntry returns the entry for key, or nil if there is none.
func (db *DB) GetCacheEntry(ctx context.Context, key string) (*httpcache.Entry, error) {
	var (
		status             int
		header             string
		body               []byte
		storedAt, expireAt int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT status_code, header, body, stored_at, expires_at FROM http_cache WHERE cache_key = ?`,
		key,
	).Scan(&status, &header, &body, &storedAt, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var h http.Header
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("failed to decode cached header: %w", err)
	}

	return &httpcache.Entry{
		Key:        key,
		StatusCode: status,
		Header:     h,
		Body:       body,
		StoredAt:   time.Unix(0, storedAt),
		ExpiresAt:  time.Unix(0, expireAt),
	}, nil
}

// PutCacheEntry inserts or replaces an entry.
func (db *DB) PutCacheEntry(ctx context.Context, entry *httpcache.Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO http_cache (cache_key, status_code, header, body, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key, entry.StatusCode, string(header), entry.Body,
		entry.StoredAt.UnixNano(), entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (db *DB) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM http_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (db *DB) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM http_cache WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// SaveReadings stores readings not seen before and returns how many were new.
func (db *DB) SaveReadings(ctx context.Context, readings []watersmart.Reading, fetchedAt time.Time) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO readings (read_datetime, gallons, fetched_at) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, r := range readings {
		res, err := stmt.ExecContext(ctx, r.ReadDatetime, r.Value, fetchedAt.Unix())
		if err != nil {
			return 0, fmt.Errorf("failed to insert reading %d: %w", r.ReadDatetime, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit readings: %w", err)
	}
	return inserted, nil
}

// LoadReadings returns readings at or after since, oldest first.
func (db *DB) LoadReadings(ctx context.Context, since time.Time) ([]watersmart.Reading, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT read_datetime, gallons FROM readings WHERE read_datetime >= ? ORDER BY read_datetime`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []watersmart.Reading
	for rows.Next() {
		var (
			ts      int64
			gallons float64
		)
		if err := rows.Scan(&ts, &gallons); err != nil {
			return nil, err
		}
		readings = append(readings, watersmart.NewReading(ts, gallons))
	}
	return readings, rows.Err()
}
