// Package store persists confirmed donors in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/logging"
)

// ErrDuplicateKey reports that either unique donor key is already taken.
var ErrDuplicateKey = errors.New("store: duplicate donor key")

const schema = `CREATE TABLE IF NOT EXISTS donors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  se_channel_id TEXT NOT NULL,
  twitch_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL DEFAULT ''
);`

const (
	indexSourceChannel = "donors_uq_se_channel_id"
	indexPlatformUser  = "donors_uq_twitch_id"
)

var indexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + indexSourceChannel + ` ON donors(se_channel_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + indexPlatformUser + ` ON donors(twitch_id);`,
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens path, creates the schema when absent and migrates rows
// written by older builds.
func OpenSQLite(ctx context.Context, path string, tuning bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer; modernc serializes anyway and this keeps busy errors away.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if tuning {
		ApplyPragmas(ctx, db)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database. The schema is not touched.
func New(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping sqlite")
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

// SourceChannelIDs returns every persisted donation-ledger channel id.
func (s *SQLiteStore) SourceChannelIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.column(ctx, `SELECT se_channel_id FROM donors;`, "source channel ids")
}

func (s *SQLiteStore) column(ctx context.Context, query, label string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", label)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrapf(err, "scan %s", label)
		}
		out[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", label)
	}
	return out, nil
}

// Donors lists every persisted donor in insertion order.
func (s *SQLiteStore) Donors(ctx context.Context) ([]core.Donor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT se_channel_id, twitch_id, name, created_at FROM donors ORDER BY id;`)
	if err != nil {
		return nil, errors.Wrap(err, "list donors")
	}
	defer rows.Close()

	var out []core.Donor
	for rows.Next() {
		var (
			d  core.Donor
			ts string
		)
		if err := rows.Scan(&d.SourceChannelID, &d.PlatformUserID, &d.DisplayName, &ts); err != nil {
			return nil, errors.Wrap(err, "scan donor")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.CreatedAt = t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate donors")
	}
	return out, nil
}

const insertDonor = `INSERT INTO donors (se_channel_id, twitch_id, name, created_at) VALUES (?, ?, ?, ?);`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insert fails with ErrDuplicateKey when either key is already recorded.
func (s *SQLiteStore) insert(ctx context.Context, ex execer, d core.Donor) error {
	if strings.TrimSpace(d.SourceChannelID) == "" || strings.TrimSpace(d.PlatformUserID) == "" {
		return errors.New("insert donor: blank key")
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := ex.ExecContext(ctx, insertDonor, d.SourceChannelID, d.PlatformUserID, d.DisplayName, created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithMessagef(ErrDuplicateKey, "channel=%s user=%s", d.SourceChannelID, d.PlatformUserID)
		}
		return errors.Wrap(err, "insert donor")
	}
	return nil
}

// InsertDonors writes donors inside one transaction. A duplicate key skips
// that donor and the rest continue; any other failure rolls the whole batch
// back. It returns the donors actually written.
func (s *SQLiteStore) InsertDonors(ctx context.Context, donors []core.Donor) ([]core.Donor, error) {
	if len(donors) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin donors tx")
	}

	var inserted []core.Donor
	for _, d := range donors {
		err := s.insert(ctx, tx, d)
		switch {
		case err == nil:
			inserted = append(inserted, d)
		case errors.Is(err, ErrDuplicateKey):
			logging.Debug().
				Str("channel", d.SourceChannelID).
				Str("user", d.PlatformUserID).
				Msg("store: donor already recorded")
		default:
			_ = tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit donors tx")
	}
	return inserted, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PlatformUserIDs lists every donor Twitch id in insertion order. Badges
// build the Supporter list from it.
func (s *SQLiteStore) PlatformUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT twitch_id FROM donors ORDER BY id;`)
	if err != nil {
		return nil, errors.Wrap(err, "list platform user ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan platform user id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate platform user ids")
	}
	return out, nil
}
