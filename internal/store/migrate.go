package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/you/dankchat-api/internal/logging"
)

// schemaVersion is stored in PRAGMA user_version once the legacy import ran.
const schemaVersion = 1

// legacyTable is the supporters table of the previous service, exported
// into SQLite: Users(id, seId, twitchId, name).
const legacyTable = "Users"

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// Migrate creates the donors table when absent and brings databases written
// by older builds up to date: the legacy table is imported once, a missing
// created_at column is added, rows that would break either unique key are
// removed (the earliest row wins) and the unique indexes are enforced.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db := s.db
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	logging.Info().Str("path", path).Int("user_version", userVersion).Msg("sqlite: migrate")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}

	columns, err := sqliteTableInfo(ctx, db, "donors")
	if err != nil {
		return fmt.Errorf("sqlite: describe donors: %w", err)
	}
	if _, ok := columns["created_at"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE donors ADD COLUMN created_at TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure created_at column: %w", err)
		}
		logging.Info().Msg("sqlite: added created_at column to donors")
	}

	if userVersion < schemaVersion {
		if err := importLegacy(ctx, db); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	dedupe := []struct {
		column string
		label  string
	}{
		{"se_channel_id", "se_channel_id"},
		{"twitch_id", "twitch_id"},
	}
	for _, step := range dedupe {
		query := fmt.Sprintf(`DELETE FROM donors
WHERE rowid NOT IN (
    SELECT MIN(rowid)
    FROM donors
    GROUP BY %s
);`, step.column)
		res, execErr := db.ExecContext(ctx, query)
		if execErr != nil {
			return fmt.Errorf("sqlite: dedupe %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			logging.Warn().Str("column", step.label).Int64("removed", n).Msg("sqlite: removed duplicate donors")
		}
	}

	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure unique index: %w", err)
		}
	}

	hasSource, err := sqliteHasIndex(ctx, db, "donors", indexSourceChannel)
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	hasUser, err := sqliteHasIndex(ctx, db, "donors", indexPlatformUser)
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM donors;`).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: count donors: %w", err)
	}

	logging.Info().
		Bool(indexSourceChannel, hasSource).
		Bool(indexPlatformUser, hasUser).
		Int64("donors", count).
		Msg("sqlite: schema ready")
	return nil
}

func importLegacy(ctx context.Context, db *sql.DB) error {
	columns, err := sqliteTableInfo(ctx, db, legacyTable)
	if err != nil {
		return fmt.Errorf("sqlite: describe %s: %w", legacyTable, err)
	}
	if len(columns) == 0 {
		return nil
	}
	for _, want := range []string{"seid", "twitchid", "name"} {
		if _, ok := columns[want]; !ok {
			logging.Warn().Str("table", legacyTable).Str("column", want).Msg("sqlite: legacy table lacks column; skipping import")
			return nil
		}
	}

	res, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT OR IGNORE INTO donors (se_channel_id, twitch_id, name)
SELECT seId, twitchId, COALESCE(name, '')
FROM %s
WHERE seId IS NOT NULL AND twitchId IS NOT NULL
ORDER BY rowid;`, legacyTable))
	if err != nil {
		return fmt.Errorf("sqlite: import %s: %w", legacyTable, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		logging.Info().Str("table", legacyTable).Int64("imported", n).Msg("sqlite: imported legacy donors")
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
