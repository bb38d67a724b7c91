package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/you/dankchat-api/internal/logging"
)

var tuningPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// ApplyPragmas applies the optional tuning statements enabled by
// database.tuning. Each result is logged; failures are not fatal.
func ApplyPragmas(ctx context.Context, db *sql.DB) {
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, db, pragma)
		if err != nil {
			logging.Warn().Err(err).Str("pragma", pragma).Msg("sqlite: pragma failed")
			continue
		}
		logging.Info().Str("pragma", pragma).Interface("value", value).Msg("sqlite: pragma applied")
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
