package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rectory-school/enrichment-api/internal/models"
)

// SignupRepository owns the signups table: the only entity the engine
// writes outside of SIS reconciliation. One row per (slot, student); an
// unassigned cell is the absence of a row. Every write appends a history
// snapshot.
type SignupRepository struct {
	db *sqlx.DB
}

// NewSignupRepository constructs the repository.
func NewSignupRepository(db *sqlx.DB) *SignupRepository {
	return &SignupRepository{db: db}
}

// ListForCells returns every signup whose (slot, student) lies in the cross
// product of the given ids.
func (r *SignupRepository) ListForCells(ctx context.Context, slotIDs, studentIDs []int64) ([]models.Signup, error) {
	if len(slotIDs) == 0 || len(studentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, slot_id, student_id, option_id, admin_locked FROM signups
        WHERE slot_id IN (?) AND student_id IN (?)`, slotIDs, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("build signups query: %w", err)
	}
	var signups []models.Signup
	if err := r.db.SelectContext(ctx, &signups, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	return signups, nil
}

// ListBySlots returns every signup on the given slots.
func (r *SignupRepository) ListBySlots(ctx context.Context, slotIDs []int64) ([]models.Signup, error) {
	if len(slotIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, slot_id, student_id, option_id, admin_locked FROM signups WHERE slot_id IN (?)`, slotIDs)
	if err != nil {
		return nil, fmt.Errorf("build signups query: %w", err)
	}
	var signups []models.Signup
	if err := r.db.SelectContext(ctx, &signups, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	return signups, nil
}

// FindForCell returns the signup for one (slot, student) or nil.
func (r *SignupRepository) FindForCell(ctx context.Context, q sqlx.QueryerContext, slotID, studentID int64) (*models.Signup, error) {
	const query = `SELECT id, slot_id, student_id, option_id, admin_locked FROM signups WHERE slot_id = $1 AND student_id = $2`
	var signup models.Signup
	if err := sqlx.GetContext(ctx, q, &signup, query, slotID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find signup: %w", err)
	}
	return &signup, nil
}

// Upsert inserts or replaces the signup for its (slot, student) cell. The
// uniqueness constraint on (slot_id, student_id) makes concurrent writers on
// the same cell serialize to one winner.
func (r *SignupRepository) Upsert(ctx context.Context, tx *sqlx.Tx, signup *models.Signup) error {
	const query = `INSERT INTO signups (slot_id, student_id, option_id, admin_locked)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (slot_id, student_id)
        DO UPDATE SET option_id = EXCLUDED.option_id, admin_locked = EXCLUDED.admin_locked
        RETURNING id`
	if err := tx.GetContext(ctx, &signup.ID, query, signup.SlotID, signup.StudentID, signup.OptionID, signup.AdminLocked); err != nil {
		return fmt.Errorf("upsert signup: %w", err)
	}
	return nil
}

// Delete removes the signup for a cell, returning the removed row for the
// history snapshot. Returns nil when no row existed.
func (r *SignupRepository) Delete(ctx context.Context, tx *sqlx.Tx, slotID, studentID int64) (*models.Signup, error) {
	const query = `DELETE FROM signups WHERE slot_id = $1 AND student_id = $2
        RETURNING id, slot_id, student_id, option_id, admin_locked`
	var signup models.Signup
	if err := tx.GetContext(ctx, &signup, query, slotID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("delete signup: %w", err)
	}
	return &signup, nil
}

// InsertHistory appends a snapshot row. historyType is one of "+", "~", "-".
func (r *SignupRepository) InsertHistory(ctx context.Context, tx *sqlx.Tx, signup *models.Signup, historyType string) error {
	const query = `INSERT INTO signups_history (signup_id, slot_id, student_id, option_id, admin_locked, history_type, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	if _, err := tx.ExecContext(ctx, query, signup.ID, signup.SlotID, signup.StudentID, signup.OptionID, signup.AdminLocked, historyType); err != nil {
		return fmt.Errorf("insert signup history: %w", err)
	}
	return nil
}

// Begin opens a serializable transaction for a mutation.
func (r *SignupRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin signup tx: %w", err)
	}
	return tx, nil
}
