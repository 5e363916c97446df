package service

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

type slotFinder interface {
	FindByID(ctx context.Context, id int64) (*models.Slot, error)
}

type studentFinder interface {
	FindStudent(ctx context.Context, id int64) (*models.Student, error)
}

type optionChecker interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

type cellGridBuilder interface {
	Build(ctx context.Context, caps models.Capabilities, slots []models.Slot, students []models.Student) (*Grid, error)
}

type signupWriter interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	FindForCell(ctx context.Context, q sqlx.QueryerContext, slotID, studentID int64) (*models.Signup, error)
	Upsert(ctx context.Context, tx *sqlx.Tx, signup *models.Signup) error
	Delete(ctx context.Context, tx *sqlx.Tx, slotID, studentID int64) (*models.Signup, error)
	InsertHistory(ctx context.Context, tx *sqlx.Tx, signup *models.Signup, historyType string) error
}

type gridInvalidator interface {
	InvalidateGrids(ctx context.Context) error
}

// AssignRequest is one cell mutation. A nil OptionID clears the cell.
type AssignRequest struct {
	SlotID    int64
	StudentID int64
	OptionID  *int64
	AdminLock bool
}

// AssignService applies assignment mutations. Every write is gated through a
// single-cell grid so the rules governing the preview and the write are the
// same code path.
type AssignService struct {
	slots    slotFinder
	students studentFinder
	options  optionChecker
	grids    cellGridBuilder
	signups  signupWriter
	cache    gridInvalidator
	logger   *zap.Logger
}

// NewAssignService constructs the service. cache may be nil.
func NewAssignService(
	slots slotFinder,
	students studentFinder,
	options optionChecker,
	grids cellGridBuilder,
	signups signupWriter,
	cache gridInvalidator,
	logger *zap.Logger,
) *AssignService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignService{
		slots:    slots,
		students: students,
		options:  options,
		grids:    grids,
		signups:  signups,
		cache:    cache,
		logger:   logger,
	}
}

// Assign sets, changes or clears the signup for one (slot, student) cell
// under the caller's capabilities. The mutation runs in one serializable
// transaction; the (slot_id, student_id) uniqueness constraint serializes
// concurrent writers on the same cell.
func (s *AssignService) Assign(ctx context.Context, caps models.Capabilities, req AssignRequest) error {
	slot, err := s.slots.FindByID(ctx, req.SlotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "slot not found")
	}
	student, err := s.students.FindStudent(ctx, req.StudentID)
	if err != nil {
		return err
	}
	if student == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	if req.OptionID != nil {
		exists, err := s.options.Exists(ctx, *req.OptionID)
		if err != nil {
			return err
		}
		if !exists {
			return appErrors.Clone(appErrors.ErrNotFound, "option not found")
		}
	}

	grid, err := s.grids.Build(ctx, caps, []models.Slot{*slot}, []models.Student{*student})
	if err != nil {
		return err
	}
	cell := grid.Cell(req.SlotID, req.StudentID)
	if cell == nil || !cell.Editable {
		return appErrors.ErrSlotNotEditable
	}

	if req.OptionID == nil {
		return s.clear(ctx, req)
	}

	if !cellAllowsOption(cell, *req.OptionID) {
		return appErrors.ErrOptionNotApplicable
	}
	if req.AdminLock && !caps.SetAdminLocked {
		return appErrors.ErrNoAdminLockPermission
	}

	return s.write(ctx, req)
}

func (s *AssignService) clear(ctx context.Context, req AssignRequest) error {
	tx, err := s.signups.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := s.signups.Delete(ctx, tx, req.SlotID, req.StudentID)
	if err != nil {
		return err
	}
	if removed != nil {
		if err := s.signups.InsertHistory(ctx, tx, removed, models.HistoryDeleted); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if removed != nil {
		s.logger.Info("signup cleared",
			zap.Int64("slot_id", req.SlotID),
			zap.Int64("student_id", req.StudentID))
		s.invalidate(ctx)
	}
	return nil
}

func (s *AssignService) write(ctx context.Context, req AssignRequest) error {
	tx, err := s.signups.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.signups.FindForCell(ctx, tx, req.SlotID, req.StudentID)
	if err != nil {
		return err
	}

	signup := &models.Signup{
		SlotID:      req.SlotID,
		StudentID:   req.StudentID,
		OptionID:    *req.OptionID,
		AdminLocked: req.AdminLock,
	}
	if err := s.signups.Upsert(ctx, tx, signup); err != nil {
		return err
	}

	historyType := models.HistoryAdded
	if existing != nil {
		historyType = models.HistoryChanged
	}
	if err := s.signups.InsertHistory(ctx, tx, signup, historyType); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("signup written",
		zap.Int64("slot_id", req.SlotID),
		zap.Int64("student_id", req.StudentID),
		zap.Int64("option_id", *req.OptionID),
		zap.Bool("admin_locked", req.AdminLock))
	s.invalidate(ctx)
	return nil
}

func (s *AssignService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateGrids(ctx); err != nil {
		s.logger.Warn("grid cache invalidation failed", zap.Error(err))
	}
}

func cellAllowsOption(cell *GridCell, optionID int64) bool {
	for _, option := range cell.PreferredOptions {
		if option.ID == optionID {
			return true
		}
	}
	for _, option := range cell.RemainingOptions {
		if option.ID == optionID {
			return true
		}
	}
	return false
}
