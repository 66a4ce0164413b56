package sqlbase_test

import (
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/flowgraph/pkg/persistence/sqlbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationManager_AppliesPendingVersionsInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	manager := sqlbase.NewMigrationManager(slog.New(slog.DiscardHandler), db, map[int]string{
		3: "CREATE TABLE three (id INT)",
		1: "CREATE TABLE one (id INT)",
		2: "CREATE TABLE two (id INT)",
	})
	assert.Equal(t, 3, manager.LatestVersion())

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))

	for _, table := range []string{"two", "three"} {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE " + table)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, manager.RunMigrations(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationManager_UpToDate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	manager := sqlbase.NewMigrationManager(slog.New(slog.DiscardHandler), db, map[int]string{
		1: "CREATE TABLE one (id INT)",
	})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))

	require.NoError(t, manager.RunMigrations(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationManager_RollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	manager := sqlbase.NewMigrationManager(slog.New(slog.DiscardHandler), db, map[int]string{
		1: "CREATE TABLE broken",
	})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(0)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE broken")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = manager.RunMigrations(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
