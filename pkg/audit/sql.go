package audit

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLLedger stores events in SQLite or PostgreSQL.
type SQLLedger struct {
	db *sqlx.DB
}

var (
	_ Ledger = (*SQLLedger)(nil)
	_ Reader = (*SQLLedger)(nil)
)

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLLedger, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to audit database")
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := migrateUp(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Audit ledger ready", "driver", driver)
	return &SQLLedger{db: db}, nil
}

func migrateUp(db *sqlx.DB, driver string) error {
	var (
		dir      string
		instance database.Driver
		err      error
	)
	switch driver {
	case DriverSQLite:
		dir = "migrations/sqlite"
		instance, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	case DriverPostgres:
		dir = "migrations/postgres"
		instance, err = postgres.WithInstance(db.DB, &postgres.Config{})
	default:
		return errors.Wrap(errors.ErrInvalidInput, "unsupported audit driver %q", driver)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}

	source, err := iofs.New(migrations, dir)
	if err != nil {
		return errors.Wrap(err, "failed to open embedded migrations")
	}

	// The migrator is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to apply audit migrations")
	}
	return nil
}

// Record implements Ledger. Events are written in one transaction.
func (l *SQLLedger) Record(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin audit transaction")
	}
	defer tx.Rollback()

	for _, e := range events {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tier_events (run_id, user_id, bot_id, record_id, kind, from_tier, to_tier, reason, at)
			VALUES (:run_id, :user_id, :bot_id, :record_id, :kind, :from_tier, :to_tier, :reason, :at)`, e); err != nil {
			return fmt.Errorf("failed to record %s of %s: %w", e.Kind, e.RecordID, err)
		}
	}
	return tx.Commit()
}

// Events implements Reader.
func (l *SQLLedger) Events(ctx context.Context, key owner.Key, recordID string) ([]Event, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT id, run_id, user_id, bot_id, record_id, kind, from_tier, to_tier, reason, at
		FROM tier_events WHERE user_id = ? AND bot_id = ?`
	args := []interface{}{key.UserID, key.BotID}
	if recordID != "" {
		query += ` AND record_id = ?`
		args = append(args, recordID)
	}
	query += ` ORDER BY at, id`

	var events []Event
	if err := l.db.SelectContext(ctx, &events, l.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to read audit events")
	}
	return events, nil
}

// Close closes the database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}
