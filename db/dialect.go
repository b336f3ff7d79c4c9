package db

import (
	"strconv"
	"strings"
	"time"

	"github.com/teranos/spacerjobs/errors"
)

// Dialect captures the SQL differences between the supported backends.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Driver names as registered with database/sql
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DialectFor maps a database/sql driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return SQLite, nil
	case DriverPostgres:
		return Postgres, nil
	}
	return SQLite, errors.Newf("unsupported database driver %q", driver)
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DriverName returns the database/sql driver name for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return DriverPostgres
	}
	return DriverSQLite
}

// Rebind rewrites ? placeholders into $1, $2 ... for postgres. Quoted
// literals are left alone. SQLite queries are returned unchanged.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Placeholders returns n comma-separated ? placeholders, for IN lists.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// TimeArg converts t into the value stored for a timestamp column.
// SQLite keeps fixed-width UTC text so string comparison orders correctly;
// postgres receives a time.Time for its timestamptz columns.
func (d Dialect) TimeArg(t time.Time) interface{} {
	if d == Postgres {
		return t.UTC()
	}
	return FormatTime(t)
}

// NullTimeArg is TimeArg for optional timestamps.
func (d Dialect) NullTimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return d.TimeArg(*t)
}

// LockNoWait returns the row-lock suffix for SELECT statements, empty for
// SQLite which has no row-level locks.
func (d Dialect) LockNoWait() string {
	if d == Postgres {
		return " FOR UPDATE NOWAIT"
	}
	return ""
}
