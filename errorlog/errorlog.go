// Package errorlog persists structured records of unexpected errors.
package errorlog

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
)

// PathMaxLength bounds the stored path column.
const PathMaxLength = 200

// Entry is one recorded error.
type Entry struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	HTML       string    `json:"html"`
	Path       string    `json:"path"`
	Info       string    `json:"info"`
	Data       string    `json:"data"`
	CreateDate time.Time `json:"create_date"`
}

// Sanitize makes e safe to store: NUL characters become U+FFFD and the
// path is truncated to PathMaxLength characters.
func Sanitize(e Entry) Entry {
	e.HTML = replaceNull(e.HTML)
	e.Path = replaceNull(truncateChars(e.Path, PathMaxLength))
	e.Info = replaceNull(e.Info)
	e.Data = replaceNull(e.Data)
	return e
}

func replaceNull(s string) string {
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

func truncateChars(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// Store writes entries to the error_logs table.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
	log     *zap.SugaredLogger
}

// NewStore creates an error log store. A nil logger uses the global one.
func NewStore(conn *sql.DB, dialect db.Dialect, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: conn, dialect: dialect, now: time.Now, log: log.Named("errorlog")}
}

// Record saves e. Failures are logged, never returned: recording an error
// must not raise another one in the caller.
func (s *Store) Record(ctx context.Context, e Entry) {
	e = Sanitize(e)
	_, err := db.From(ctx, s.db).ExecContext(ctx, s.dialect.Rebind(`INSERT INTO error_logs
		(kind, html, path, info, data, create_date) VALUES (?, ?, ?, ?, ?, ?)`),
		e.Kind, e.HTML, e.Path, e.Info, e.Data, s.dialect.TimeArg(s.now()))
	if err != nil {
		s.log.Errorw("Failed to record error log",
			logger.FieldErrorType, e.Kind,
			logger.FieldPath, e.Path,
			logger.FieldError, err.Error(),
		)
	}
}

// List returns the most recent entries first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.From(ctx, s.db).QueryContext(ctx, s.dialect.Rebind(`SELECT
		id, kind, html, path, info, data, create_date
		FROM error_logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list error logs")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created db.NullTime
		if err := rows.Scan(&e.ID, &e.Kind, &e.HTML, &e.Path, &e.Info, &e.Data, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan error log")
		}
		e.CreateDate = created.Time
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating error logs")
	}
	return entries, nil
}
