package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmailRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func scheduleRowColumns() []string {
	return []string{
		"id", "report", "from_name", "from_address", "enabled", "start_offset", "end_offset",
		"timezone", "send_time", "monday", "tuesday", "wednesday", "thursday", "friday",
		"saturday", "sunday", "created_at", "last_sent", "last_send_attempt",
	}
}

func TestEmailRepositoryListEnabledIDs(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM email_schedules WHERE enabled = TRUE ORDER BY id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(9)))

	ids, err := repo.ListEnabledIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRepositoryClaimByID(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)
	created := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(scheduleRowColumns()).
		AddRow(int64(3), "unassigned_advisor", "Dean of Students", "dean@example.org", true, 0, 6,
			"America/New_York", "16:00:00", true, true, true, true, true, false, false,
			created, nil, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM email_schedules\s+WHERE id = \$1 AND enabled = TRUE\s+FOR UPDATE SKIP LOCKED`).
		WithArgs(int64(3)).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	schedule, err := repo.ClaimByID(context.Background(), tx, 3)
	require.NoError(t, err)
	require.NotNil(t, schedule)
	assert.Equal(t, "unassigned_advisor", schedule.Report)
	assert.Equal(t, "America/New_York", schedule.Timezone)
	assert.Nil(t, schedule.LastSent)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRepositoryClaimByIDHeldElsewhere(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM email_schedules\s+WHERE id = \$1 AND enabled = TRUE\s+FOR UPDATE SKIP LOCKED`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(scheduleRowColumns()))
	mock.ExpectRollback()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	schedule, err := repo.ClaimByID(context.Background(), tx, 3)
	require.NoError(t, err)
	assert.Nil(t, schedule)

	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRepositoryDefaultAddresses(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)

	rows := sqlmock.NewRows([]string{"id", "schedule_id", "name", "address", "field"}).
		AddRow(int64(1), int64(3), "Dean of Students", "dean@example.org", "bcc")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, schedule_id, name, address, field FROM email_schedule_addresses WHERE schedule_id = $1 ORDER BY id`)).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	addresses, err := repo.DefaultAddresses(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, addresses, 1)
	assert.Equal(t, "bcc", addresses[0].Field)
	assert.Equal(t, "dean@example.org", addresses[0].Address)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRepositoryMarkSent(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)
	at := time.Date(2026, time.March, 2, 16, 0, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_schedules SET last_sent = $2, last_send_attempt = $2 WHERE id = $1`)).
		WithArgs(int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.MarkSent(context.Background(), tx, 3, at))

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRepositoryMarkAttempt(t *testing.T) {
	db, mock, cleanup := newEmailRepoMock(t)
	defer cleanup()

	repo := NewEmailRepository(db)
	at := time.Date(2026, time.March, 2, 16, 0, 5, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_schedules SET last_send_attempt = $2 WHERE id = $1`)).
		WithArgs(int64(3), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkAttempt(context.Background(), 3, at))
	require.NoError(t, mock.ExpectationsWereMet())
}
