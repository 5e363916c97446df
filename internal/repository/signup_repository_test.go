package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectory-school/enrichment-api/internal/models"
)

func newSignupRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock, func() { db.Close() }
}

func signupColumns() []string {
	return []string{"id", "slot_id", "student_id", "option_id", "admin_locked"}
}

func TestSignupRepositoryListForCells(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	rows := sqlmock.NewRows(signupColumns()).
		AddRow(int64(1), int64(7), int64(40), int64(100), false).
		AddRow(int64(2), int64(8), int64(41), int64(101), true)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, slot_id, student_id, option_id, admin_locked FROM signups
        WHERE slot_id IN ($1, $2) AND student_id IN ($3, $4)`)).
		WithArgs(int64(7), int64(8), int64(40), int64(41)).
		WillReturnRows(rows)

	signups, err := repo.ListForCells(context.Background(), []int64{7, 8}, []int64{40, 41})
	require.NoError(t, err)
	require.Len(t, signups, 2)
	assert.Equal(t, int64(100), signups[0].OptionID)
	assert.True(t, signups[1].AdminLocked)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepositoryListForCellsEmptyAxes(t *testing.T) {
	db, _, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	signups, err := repo.ListForCells(context.Background(), nil, []int64{40})
	require.NoError(t, err)
	assert.Nil(t, signups)

	signups, err = repo.ListForCells(context.Background(), []int64{7}, nil)
	require.NoError(t, err)
	assert.Nil(t, signups)
}

func TestSignupRepositoryFindForCellMissing(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, slot_id, student_id, option_id, admin_locked FROM signups WHERE slot_id = $1 AND student_id = $2`)).
		WithArgs(int64(7), int64(40)).
		WillReturnRows(sqlmock.NewRows(signupColumns()))

	signup, err := repo.FindForCell(context.Background(), db, 7, 40)
	require.NoError(t, err)
	assert.Nil(t, signup)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepositoryUpsertAssignsID(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO signups (slot_id, student_id, option_id, admin_locked)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (slot_id, student_id)
        DO UPDATE SET option_id = EXCLUDED.option_id, admin_locked = EXCLUDED.admin_locked
        RETURNING id`)).
		WithArgs(int64(7), int64(40), int64(100), false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	signup := &models.Signup{SlotID: 7, StudentID: 40, OptionID: 100}
	require.NoError(t, repo.Upsert(context.Background(), tx, signup))
	assert.Equal(t, int64(12), signup.ID)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepositoryDeleteReturnsRemovedRow(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM signups WHERE slot_id = $1 AND student_id = $2
        RETURNING id, slot_id, student_id, option_id, admin_locked`)).
		WithArgs(int64(7), int64(40)).
		WillReturnRows(sqlmock.NewRows(signupColumns()).AddRow(int64(12), int64(7), int64(40), int64(100), false))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	removed, err := repo.Delete(context.Background(), tx, 7, 40)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, int64(12), removed.ID)
	assert.Equal(t, int64(100), removed.OptionID)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepositoryDeleteEmptyCell(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM signups WHERE slot_id = $1 AND student_id = $2`)).
		WithArgs(int64(7), int64(40)).
		WillReturnRows(sqlmock.NewRows(signupColumns()))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	removed, err := repo.Delete(context.Background(), tx, 7, 40)
	require.NoError(t, err)
	assert.Nil(t, removed)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignupRepositoryInsertHistory(t *testing.T) {
	db, mock, cleanup := newSignupRepoMock(t)
	defer cleanup()

	repo := NewSignupRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO signups_history (signup_id, slot_id, student_id, option_id, admin_locked, history_type, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())`)).
		WithArgs(int64(12), int64(7), int64(40), int64(100), false, models.HistoryAdded).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	signup := &models.Signup{ID: 12, SlotID: 7, StudentID: 40, OptionID: 100}
	require.NoError(t, repo.InsertHistory(context.Background(), tx, signup, models.HistoryAdded))

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
