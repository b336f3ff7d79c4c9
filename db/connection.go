package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errors"
)

// Open opens a database for the given dialect. SQLite connections get WAL,
// foreign keys, a 5s busy timeout and immediate transactions on every
// pooled connection through DSN parameters.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(dialect Dialect, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "dialect", dialect.String())
	}

	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	conn, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if dialect == SQLite {
		// One writer at a time; readers still overlap through WAL
		conn.SetMaxOpenConns(4)
	} else {
		conn.SetMaxOpenConns(16)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to reach %s database", dialect)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"dialect", dialect.String(),
		)
	}

	return conn, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(dialect Dialect, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(dialect, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn, dialect, logger); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return conn, nil
}

// sqliteDSN adds the pragmas the stores rely on to a file path or file: URI.
func sqliteDSN(dsn string) string {
	params := "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(dsn, "mode=memory") {
		// WAL is meaningless for in-memory databases
		params = "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
