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

// SlotRepository handles persistence of enrichment slots.
type SlotRepository struct {
	db *sqlx.DB
}

// NewSlotRepository constructs the repository.
func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// FindByID returns a slot by id, or nil when absent.
func (r *SlotRepository) FindByID(ctx context.Context, id int64) (*models.Slot, error) {
	const query = `SELECT id, date, title, editable_until, active FROM slots WHERE id = $1`
	var slot models.Slot
	if err := r.db.GetContext(ctx, &slot, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find slot: %w", err)
	}
	return &slot, nil
}

// ListByDateRange returns active slots whose date lies in [from, to],
// ordered by (date, id). Both endpoints are inclusive.
func (r *SlotRepository) ListByDateRange(ctx context.Context, from, to time.Time) ([]models.Slot, error) {
	const query = `SELECT id, date, title, editable_until, active FROM slots
        WHERE active = TRUE AND date >= $1 AND date <= $2
        ORDER BY date, id`
	var slots []models.Slot
	if err := r.db.SelectContext(ctx, &slots, query, dateOnly(from), dateOnly(to)); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

// ListByIDs returns slots for the given ids.
func (r *SlotRepository) ListByIDs(ctx context.Context, ids []int64) ([]models.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, date, title, editable_until, active FROM slots WHERE id IN (?) ORDER BY date, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build slots query: %w", err)
	}
	var slots []models.Slot
	if err := r.db.SelectContext(ctx, &slots, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}
