package service

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type fakeScheduleClaimer struct {
	db        *sqlx.DB
	schedules map[int64]*models.EmailSchedule

	sent     []int64
	attempts []int64
}

func (f *fakeScheduleClaimer) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return f.db.BeginTxx(ctx, nil)
}

func (f *fakeScheduleClaimer) ListEnabledIDs(context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.schedules))
	for id := range f.schedules {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeScheduleClaimer) ClaimByID(_ context.Context, _ *sqlx.Tx, id int64) (*models.EmailSchedule, error) {
	return f.schedules[id], nil
}

func (f *fakeScheduleClaimer) MarkSent(_ context.Context, _ *sqlx.Tx, scheduleID int64, _ time.Time) error {
	f.sent = append(f.sent, scheduleID)
	return nil
}

func (f *fakeScheduleClaimer) MarkAttempt(_ context.Context, scheduleID int64, _ time.Time) error {
	f.attempts = append(f.attempts, scheduleID)
	return nil
}

type fakeReportRunner struct {
	err  error
	runs []time.Time
}

func (f *fakeReportRunner) RunSchedule(_ context.Context, _ *sqlx.Tx, _ models.EmailSchedule, referenceDate time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.runs = append(f.runs, referenceDate)
	return 1, nil
}

func schedulerTxDB(t *testing.T, commits int) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for i := 0; i < commits; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	mock.ExpectBegin()
	mock.ExpectRollback()
	return sqlx.NewDb(db, "sqlmock")
}

func dueSchedule(id int64, now time.Time) *models.EmailSchedule {
	c := weekdayScheduleAt(now)
	c.ID = id
	return c
}

// weekdayScheduleAt builds an enabled daily schedule whose next run is
// already past relative to now.
func weekdayScheduleAt(now time.Time) *models.EmailSchedule {
	return &models.EmailSchedule{
		Report:    models.ReportAllSignups,
		Enabled:   true,
		SendTime:  "00:30:00",
		Monday:    true,
		Tuesday:   true,
		Wednesday: true,
		Thursday:  true,
		Friday:    true,
		Saturday:  true,
		Sunday:    true,
		CreatedAt: now.Add(-48 * time.Hour),
	}
}

func TestSchedulerTick_RunsDueSchedule(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	claimer := &fakeScheduleClaimer{
		db:        schedulerTxDB(t, 1),
		schedules: map[int64]*models.EmailSchedule{7: dueSchedule(7, now)},
	}
	runner := &fakeReportRunner{}

	scheduler := NewEmailScheduler(claimer, runner, "UTC", nil)
	scheduler.now = func() time.Time { return now }

	require.NoError(t, scheduler.Tick(context.Background()))

	assert.Equal(t, []int64{7}, claimer.sent)
	assert.Empty(t, claimer.attempts)
	require.Len(t, runner.runs, 1)
	// Reference date is the local date of the computed run, at UTC midnight.
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), runner.runs[0])
}

func TestSchedulerTick_SkipsNotDue(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	schedule := dueSchedule(7, now)
	sent := now.Add(-time.Hour)
	schedule.LastSent = &sent // next run is tomorrow

	claimer := &fakeScheduleClaimer{
		db:        schedulerTxDB(t, 0),
		schedules: map[int64]*models.EmailSchedule{7: schedule},
	}
	runner := &fakeReportRunner{}

	scheduler := NewEmailScheduler(claimer, runner, "UTC", nil)
	scheduler.now = func() time.Time { return now }

	require.NoError(t, scheduler.Tick(context.Background()))
	assert.Empty(t, claimer.sent)
	assert.Empty(t, runner.runs)
}

func TestSchedulerTick_SkipsClaimedElsewhere(t *testing.T) {
	claimer := &fakeScheduleClaimer{
		db:        schedulerTxDB(t, 0),
		schedules: map[int64]*models.EmailSchedule{7: nil},
	}
	runner := &fakeReportRunner{}

	scheduler := NewEmailScheduler(claimer, runner, "UTC", nil)

	require.NoError(t, scheduler.Tick(context.Background()))
	assert.Empty(t, claimer.sent)
	assert.Empty(t, claimer.attempts)
}

func TestSchedulerTick_FailureStampsAttempt(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	claimer := &fakeScheduleClaimer{
		db:        schedulerTxDB(t, 0),
		schedules: map[int64]*models.EmailSchedule{7: dueSchedule(7, now)},
	}
	runner := &fakeReportRunner{err: errors.New("smtp config missing")}

	scheduler := NewEmailScheduler(claimer, runner, "UTC", nil)
	scheduler.now = func() time.Time { return now }

	require.NoError(t, scheduler.Tick(context.Background()))
	assert.Empty(t, claimer.sent)
	assert.Equal(t, []int64{7}, claimer.attempts)
}

func TestSchedulerTick_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claimer := &fakeScheduleClaimer{
		db:        schedulerTxDB(t, 0),
		schedules: map[int64]*models.EmailSchedule{7: dueSchedule(7, time.Now())},
	}
	scheduler := NewEmailScheduler(claimer, &fakeReportRunner{}, "UTC", nil)

	err := scheduler.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, claimer.sent)
}
