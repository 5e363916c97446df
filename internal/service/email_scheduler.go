package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type scheduleClaimer interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	ListEnabledIDs(ctx context.Context) ([]int64, error)
	ClaimByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.EmailSchedule, error)
	MarkSent(ctx context.Context, tx *sqlx.Tx, scheduleID int64, at time.Time) error
	MarkAttempt(ctx context.Context, scheduleID int64, at time.Time) error
}

type reportRunner interface {
	RunSchedule(ctx context.Context, tx *sqlx.Tx, schedule models.EmailSchedule, referenceDate time.Time) (int, error)
}

// EmailScheduler drives the periodic tick over email schedules. Each due
// schedule is processed in its own transaction under a skip-locked row lock,
// so concurrent ticks split the work and a failing schedule never blocks the
// rest.
type EmailScheduler struct {
	schedules scheduleClaimer
	reports   reportRunner
	logger    *zap.Logger

	defaultTimezone string
	now             func() time.Time
}

// NewEmailScheduler constructs the scheduler.
func NewEmailScheduler(schedules scheduleClaimer, reports reportRunner, defaultTimezone string, logger *zap.Logger) *EmailScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &EmailScheduler{
		schedules:       schedules,
		reports:         reports,
		logger:          logger,
		defaultTimezone: defaultTimezone,
		now:             time.Now,
	}
}

// Tick runs every due schedule once. A failure on one schedule stamps its
// last_send_attempt and moves on. Returns early between schedules when the
// context is cancelled.
func (s *EmailScheduler) Tick(ctx context.Context) error {
	ids, err := s.schedules.ListEnabledIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.runOne(ctx, id); err != nil {
			s.logger.Error("email schedule failed",
				zap.Int64("schedule_id", id),
				zap.Error(err))
			if markErr := s.schedules.MarkAttempt(ctx, id, s.now()); markErr != nil {
				s.logger.Error("mark send attempt failed",
					zap.Int64("schedule_id", id),
					zap.Error(markErr))
			}
		}
	}
	return nil
}

// runOne claims one schedule and, when due, generates its report and stamps
// last_sent in the same transaction as the outbox writes.
func (s *EmailScheduler) runOne(ctx context.Context, id int64) error {
	tx, err := s.schedules.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schedule, err := s.schedules.ClaimByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if schedule == nil {
		return nil
	}

	loc := s.location(schedule.Timezone)
	next := schedule.NextRun(loc)
	if next.IsZero() || next.After(s.now()) {
		return nil
	}

	local := next.In(loc)
	referenceDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	count, err := s.reports.RunSchedule(ctx, tx, *schedule, referenceDate)
	if err != nil {
		return err
	}
	if err := s.schedules.MarkSent(ctx, tx, schedule.ID, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("email schedule ran",
		zap.Int64("schedule_id", schedule.ID),
		zap.String("report", schedule.Report),
		zap.Time("reference_date", referenceDate),
		zap.Int("messages", count))
	return nil
}

func (s *EmailScheduler) location(name string) *time.Location {
	if name == "" {
		name = s.defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Warn("unknown schedule timezone, using default",
			zap.String("timezone", name))
		loc, err = time.LoadLocation(s.defaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}
