package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/brandon/mailmirror/internal/errkind"
)

func init() {
	// The modernc driver registers as "sqlite"; sqlx only knows "sqlite3".
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// timeLayout is the storage format for all timestamps written by Go code. It
// matches SQLite's CURRENT_TIMESTAMP so string comparison in SQL stays sound.
const timeLayout = "2006-01-02 15:04:05"

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, accepting both the storage layout and
// RFC3339 variants the driver may produce.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", s)
}

// Handle is a single store connection checked in and out of the pool. Each
// handle is used by exactly one logical operation at a time.
type Handle struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

// openHandle opens one connection with the pool-wide configuration.
func openHandle(path string, busyTimeout time.Duration) (*Handle, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One underlying connection per handle; concurrency is the pool's job.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &Handle{db: db}, nil
}

// DB exposes the underlying connection for read paths.
func (h *Handle) DB() *sqlx.DB {
	return h.db
}

// Begin starts a transaction on the handle. The pool rolls it back on
// release if the caller never finished it.
func (h *Handle) Begin() (*sqlx.Tx, error) {
	if h.tx != nil {
		return nil, errkind.E(errkind.Busy, "store.handle", "transaction already open on this handle")
	}
	tx, err := h.db.Beginx()
	if err != nil {
		return nil, classify("store.handle", err)
	}
	h.tx = tx
	return tx, nil
}

// Commit commits the open transaction.
func (h *Handle) Commit() error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Commit()
	h.tx = nil
	return classify("store.handle", err)
}

// Rollback aborts the open transaction. Safe to call when none is open.
func (h *Handle) Rollback() error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Rollback()
	h.tx = nil
	return classify("store.handle", err)
}

func (h *Handle) close() error {
	_ = h.Rollback()
	return h.db.Close()
}

// classify tags a storage error with its taxonomy kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return errkind.Wrap(errkind.Busy, op, err)
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "unique"):
		return errkind.Wrap(errkind.Conflict, op, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "not a database"):
		return errkind.Wrap(errkind.Fatal, op, err)
	}
	return errkind.Wrap(errkind.Unknown, op, err)
}
