package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rectory-school/enrichment-api/internal/models"
)

// EmailRepository handles persistence of email schedules and their default
// recipient addresses.
type EmailRepository struct {
	db *sqlx.DB
}

// NewEmailRepository constructs the repository.
func NewEmailRepository(db *sqlx.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

const scheduleColumns = `id, report, from_name, from_address, enabled, start_offset, end_offset,
        timezone, send_time, monday, tuesday, wednesday, thursday, friday, saturday, sunday,
        created_at, last_sent, last_send_attempt`

// ListEnabledIDs returns the ids of enabled schedules. The tick claims each
// one separately so a slow report never holds locks on the others.
func (r *EmailRepository) ListEnabledIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM email_schedules WHERE enabled = TRUE ORDER BY id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list email schedules: %w", err)
	}
	return ids, nil
}

// ClaimByID locks one enabled schedule row inside the given transaction.
// Returns nil when the row is gone, disabled, or held by another worker.
func (r *EmailRepository) ClaimByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.EmailSchedule, error) {
	const query = `SELECT ` + scheduleColumns + ` FROM email_schedules
        WHERE id = $1 AND enabled = TRUE
        FOR UPDATE SKIP LOCKED`
	var schedule models.EmailSchedule
	if err := tx.GetContext(ctx, &schedule, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim email schedule: %w", err)
	}
	return &schedule, nil
}

// DefaultAddresses returns the default recipients for a schedule.
func (r *EmailRepository) DefaultAddresses(ctx context.Context, scheduleID int64) ([]models.RelatedAddress, error) {
	const query = `SELECT id, schedule_id, name, address, field FROM email_schedule_addresses WHERE schedule_id = $1 ORDER BY id`
	var addresses []models.RelatedAddress
	if err := r.db.SelectContext(ctx, &addresses, query, scheduleID); err != nil {
		return nil, fmt.Errorf("list schedule addresses: %w", err)
	}
	return addresses, nil
}

// MarkSent stamps last_sent after all of a run's messages are enqueued.
func (r *EmailRepository) MarkSent(ctx context.Context, tx *sqlx.Tx, scheduleID int64, at time.Time) error {
	const query = `UPDATE email_schedules SET last_sent = $2, last_send_attempt = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, scheduleID, at); err != nil {
		return fmt.Errorf("mark schedule sent: %w", err)
	}
	return nil
}

// MarkAttempt stamps last_send_attempt on failure so backoff can be enforced
// elsewhere. Runs on the pool, not the failed transaction.
func (r *EmailRepository) MarkAttempt(ctx context.Context, scheduleID int64, at time.Time) error {
	const query = `UPDATE email_schedules SET last_send_attempt = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, scheduleID, at); err != nil {
		return fmt.Errorf("mark schedule attempt: %w", err)
	}
	return nil
}

// Begin opens the tick transaction.
func (r *EmailRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin email tx: %w", err)
	}
	return tx, nil
}
