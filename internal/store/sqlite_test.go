package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/dankchat-api/internal/core"
)

func openTemp(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "donors.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertDonorAndQuery(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inserted, err := s.InsertDonors(ctx, []core.Donor{
		{SourceChannelID: "se1", PlatformUserID: "111", DisplayName: "alice", CreatedAt: created},
		{SourceChannelID: "se2", PlatformUserID: "222", DisplayName: "bob"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	ordered, err := s.PlatformUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, ordered)

	channels, err := s.SourceChannelIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"se1": {}, "se2": {}}, channels)

	donors, err := s.Donors(ctx)
	require.NoError(t, err)
	require.Len(t, donors, 2)
	assert.Equal(t, "alice", donors[0].DisplayName)
	assert.True(t, created.Equal(donors[0].CreatedAt))
	assert.False(t, donors[1].CreatedAt.IsZero())

	require.NoError(t, s.Ping(ctx))
}

func TestInsertDonorDuplicateKey(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.insert(ctx, s.db, core.Donor{SourceChannelID: "se1", PlatformUserID: "111"}))

	err := s.insert(ctx, s.db, core.Donor{SourceChannelID: "se1", PlatformUserID: "999"})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = s.insert(ctx, s.db, core.Donor{SourceChannelID: "se9", PlatformUserID: "111"})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = s.insert(ctx, s.db, core.Donor{SourceChannelID: " ", PlatformUserID: "5"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateKey)
}

func TestInsertDonorsSkipsDuplicatesInsideTransaction(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	_, err := s.InsertDonors(ctx, []core.Donor{{SourceChannelID: "old", PlatformUserID: "000"}})
	require.NoError(t, err)

	inserted, err := s.InsertDonors(ctx, []core.Donor{
		{SourceChannelID: "se1", PlatformUserID: "111", DisplayName: "a"},
		{SourceChannelID: "se1", PlatformUserID: "112", DisplayName: "same channel"},
		{SourceChannelID: "se2", PlatformUserID: "111", DisplayName: "same user"},
		{SourceChannelID: "old", PlatformUserID: "333", DisplayName: "already stored"},
		{SourceChannelID: "se3", PlatformUserID: "333", DisplayName: "c"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.Equal(t, "a", inserted[0].DisplayName)
	assert.Equal(t, "c", inserted[1].DisplayName)

	ids, err := s.PlatformUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "111", "333"}, ids)

	none, err := s.InsertDonors(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInsertDonorsRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	insert := regexp.QuoteMeta("INSERT INTO donors")
	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs("se1", "111", "a", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs("se2", "222", "b", sqlmock.AnyArg()).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	s := New(db)
	inserted, err := s.InsertDonors(context.Background(), []core.Donor{
		{SourceChannelID: "se1", PlatformUserID: "111", DisplayName: "a"},
		{SourceChannelID: "se2", PlatformUserID: "222", DisplayName: "b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Nil(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDonorsUniqueMessageIsBenign(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	insert := regexp.QuoteMeta("INSERT INTO donors")
	mock.ExpectBegin()
	mock.ExpectExec(insert).WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: donors.twitch_id (2067)"))
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	s := New(db)
	inserted, err := s.InsertDonors(context.Background(), []core.Donor{
		{SourceChannelID: "se1", PlatformUserID: "111"},
		{SourceChannelID: "se2", PlatformUserID: "222"},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "se2", inserted[0].SourceChannelID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFailuresAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT twitch_id FROM donors")).WillReturnError(sql.ErrConnDone)
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	s := New(db)
	_, err = s.PlatformUserIDs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Contains(t, err.Error(), "list platform user ids")

	_, err = s.InsertDonors(context.Background(), []core.Donor{{SourceChannelID: "a", PlatformUserID: "b"}})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateImportsLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE Users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  seId VARCHAR(50) NOT NULL,
  twitchId TEXT NOT NULL,
  name TEXT
);`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO Users (seId, twitchId, name) VALUES
  ('se1', '111', 'alice'),
  ('se1', '112', 'alice again'),
  ('se2', '111', 'alias'),
  ('se3', '333', NULL);`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := OpenSQLite(context.Background(), path, false)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	donors, err := s.Donors(ctx)
	require.NoError(t, err)
	require.Len(t, donors, 2)
	assert.Equal(t, "alice", donors[0].DisplayName)
	assert.Equal(t, "333", donors[1].PlatformUserID)
	assert.Equal(t, "", donors[1].DisplayName)

	version, err := sqliteUserVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	// Second run leaves everything as is.
	require.NoError(t, s.Migrate(ctx))
	donors, err = s.Donors(ctx)
	require.NoError(t, err)
	assert.Len(t, donors, 2)
}

func TestMigrateDedupesOlderDonorsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE donors (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  se_channel_id TEXT NOT NULL,
  twitch_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT ''
);`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO donors (se_channel_id, twitch_id, name) VALUES
  ('se1', '111', 'first'),
  ('se1', '111', 'second'),
  ('se2', '222', 'other');`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := OpenSQLite(context.Background(), path, false)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	cols, err := sqliteTableInfo(ctx, s.db, "donors")
	require.NoError(t, err)
	assert.Contains(t, cols, "created_at")

	donors, err := s.Donors(ctx)
	require.NoError(t, err)
	require.Len(t, donors, 2)
	assert.Equal(t, "first", donors[0].DisplayName)

	for _, idx := range []string{indexSourceChannel, indexPlatformUser} {
		ok, err := sqliteHasIndex(ctx, s.db, "donors", idx)
		require.NoError(t, err)
		assert.True(t, ok, idx)
	}
	assert.ErrorIs(t, s.insert(ctx, s.db, core.Donor{SourceChannelID: "se2", PlatformUserID: "999"}), ErrDuplicateKey)
}
