package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rectory-school/enrichment-api/internal/models"
)

// OptionRepository handles persistence of enrichment options and their
// per-slot rule tables (whitelist, blacklist, location overrides).
type OptionRepository struct {
	db *sqlx.DB
}

// NewOptionRepository constructs the repository.
func NewOptionRepository(db *sqlx.DB) *OptionRepository {
	return &OptionRepository{db: db}
}

const optionColumns = `o.id, o.teacher_id, o.location, o.description, o.admin_only, o.start_date, o.end_date,
        t.given_name AS teacher_given_name, t.family_name AS teacher_family_name, t.email AS teacher_email`

// Exists reports whether an option row exists.
func (r *OptionRepository) Exists(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT COUNT(*) FROM options WHERE id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return false, fmt.Errorf("check option: %w", err)
	}
	return count > 0, nil
}

// ListForWindow returns every option whose [start_date, end_date?] window
// intersects [low, high] (inclusive on both ends, open-ended options always
// intersect), plus every option referenced by the given ids regardless of
// window. Per-slot rules are attached to each row.
func (r *OptionRepository) ListForWindow(ctx context.Context, low, high time.Time, includeIDs []int64) ([]models.OptionDetail, error) {
	query := `SELECT ` + optionColumns + `
        FROM options o
        JOIN teachers t ON t.id = o.teacher_id
        WHERE (o.start_date <= ? AND (o.end_date IS NULL OR o.end_date >= ?))`
	args := []interface{}{dateOnly(high), dateOnly(low)}

	if len(includeIDs) > 0 {
		query += ` OR o.id IN (?)`
		args = append(args, includeIDs)
	}

	query, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build options query: %w", err)
	}

	var options []models.OptionDetail
	if err := r.db.SelectContext(ctx, &options, r.db.Rebind(query), inArgs...); err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}

	if err := r.attachSlotRules(ctx, options); err != nil {
		return nil, err
	}
	return options, nil
}

type optionSlotRow struct {
	OptionID int64  `db:"option_id"`
	SlotID   int64  `db:"slot_id"`
	Location string `db:"location"`
}

// attachSlotRules populates the whitelist, blacklist and override maps for
// each option in place.
func (r *OptionRepository) attachSlotRules(ctx context.Context, options []models.OptionDetail) error {
	if len(options) == 0 {
		return nil
	}

	byID := make(map[int64]*models.OptionDetail, len(options))
	ids := make([]int64, 0, len(options))
	for i := range options {
		options[i].OnlyAvailableOn = make(map[int64]struct{})
		options[i].NotAvailableOn = make(map[int64]struct{})
		options[i].LocationOverrides = make(map[int64]string)
		byID[options[i].ID] = &options[i]
		ids = append(ids, options[i].ID)
	}

	load := func(table string, apply func(*models.OptionDetail, optionSlotRow)) error {
		query, args, err := sqlx.In(`SELECT option_id, slot_id, '' AS location FROM `+table+` WHERE option_id IN (?)`, ids)
		if err != nil {
			return fmt.Errorf("build %s query: %w", table, err)
		}
		var rows []optionSlotRow
		if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("list %s: %w", table, err)
		}
		for _, row := range rows {
			if opt, ok := byID[row.OptionID]; ok {
				apply(opt, row)
			}
		}
		return nil
	}

	if err := load("option_only_available_on", func(opt *models.OptionDetail, row optionSlotRow) {
		opt.OnlyAvailableOn[row.SlotID] = struct{}{}
	}); err != nil {
		return err
	}
	if err := load("option_not_available_on", func(opt *models.OptionDetail, row optionSlotRow) {
		opt.NotAvailableOn[row.SlotID] = struct{}{}
	}); err != nil {
		return err
	}

	query, args, err := sqlx.In(`SELECT option_id, slot_id, location FROM option_location_overrides WHERE option_id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build location overrides query: %w", err)
	}
	var rows []optionSlotRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("list location overrides: %w", err)
	}
	for _, row := range rows {
		if opt, ok := byID[row.OptionID]; ok {
			opt.LocationOverrides[row.SlotID] = row.Location
		}
	}
	return nil
}
