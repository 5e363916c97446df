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
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

type fakeAssignLookups struct {
	slot    *models.Slot
	student *models.Student
	exists  bool
	grid    *Grid
}

func (f *fakeAssignLookups) FindByID(context.Context, int64) (*models.Slot, error) {
	return f.slot, nil
}

func (f *fakeAssignLookups) FindStudent(context.Context, int64) (*models.Student, error) {
	return f.student, nil
}

func (f *fakeAssignLookups) Exists(context.Context, int64) (bool, error) {
	return f.exists, nil
}

func (f *fakeAssignLookups) Build(context.Context, models.Capabilities, []models.Slot, []models.Student) (*Grid, error) {
	return f.grid, nil
}

type fakeSignupWriter struct {
	db       *sqlx.DB
	existing *models.Signup
	deleted  *models.Signup

	upserts []models.Signup
	history []string
}

func (f *fakeSignupWriter) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return f.db.BeginTxx(ctx, nil)
}

func (f *fakeSignupWriter) FindForCell(context.Context, sqlx.QueryerContext, int64, int64) (*models.Signup, error) {
	return f.existing, nil
}

func (f *fakeSignupWriter) Upsert(_ context.Context, _ *sqlx.Tx, signup *models.Signup) error {
	f.upserts = append(f.upserts, *signup)
	return nil
}

func (f *fakeSignupWriter) Delete(context.Context, *sqlx.Tx, int64, int64) (*models.Signup, error) {
	return f.deleted, nil
}

func (f *fakeSignupWriter) InsertHistory(_ context.Context, _ *sqlx.Tx, _ *models.Signup, historyType string) error {
	f.history = append(f.history, historyType)
	return nil
}

type fakeInvalidator struct {
	calls int
}

func (f *fakeInvalidator) InvalidateGrids(context.Context) error {
	f.calls++
	return nil
}

func newTxDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectBegin()
	mock.ExpectCommit()
	return sqlx.NewDb(db, "sqlmock")
}

func assignFixture(t *testing.T, lookups *fakeAssignLookups, writer *fakeSignupWriter) (*AssignService, *fakeInvalidator) {
	t.Helper()
	invalidator := &fakeInvalidator{}
	svc := NewAssignService(lookups, lookups, lookups, lookups, writer, invalidator, nil)
	return svc, invalidator
}

func editableCellGrid(slotID, studentID int64, options ...models.OptionDetail) *Grid {
	cell := GridCell{
		SlotID:           slotID,
		StudentID:        studentID,
		Editable:         true,
		PreferredOptions: []models.OptionDetail{},
		RemainingOptions: options,
	}
	return &Grid{Rows: []GridRow{{Student: models.Student{ID: studentID}, Cells: []GridCell{cell}}}}
}

func optionID(id int64) *int64 { return &id }

func TestAssign_UnknownSlotIsNotFound(t *testing.T) {
	svc, _ := assignFixture(t, &fakeAssignLookups{}, &fakeSignupWriter{})

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(100)})

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestAssign_FrozenCellRefused(t *testing.T) {
	now := time.Now()
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1, EditableUntil: now.Add(time.Hour)},
		student: &models.Student{ID: 10},
		exists:  true,
		grid: &Grid{Rows: []GridRow{{
			Student: models.Student{ID: 10},
			Cells:   []GridCell{{SlotID: 1, StudentID: 10, Editable: false}},
		}}},
	}
	svc, invalidator := assignFixture(t, lookups, &fakeSignupWriter{})

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(100)})

	assert.ErrorIs(t, err, appErrors.ErrSlotNotEditable)
	assert.Zero(t, invalidator.calls)
}

func TestAssign_OptionOutsideCellRefused(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		exists:  true,
		grid:    editableCellGrid(1, 10, testOption(100, 20, "Archer", false)),
	}
	svc, _ := assignFixture(t, lookups, &fakeSignupWriter{})

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(999)})

	assert.ErrorIs(t, err, appErrors.ErrOptionNotApplicable)
}

func TestAssign_AdminLockNeedsCapability(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		exists:  true,
		grid:    editableCellGrid(1, 10, testOption(100, 20, "Archer", false)),
	}
	writer := &fakeSignupWriter{db: newTxDB(t)}
	svc, _ := assignFixture(t, lookups, writer)

	req := AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(100), AdminLock: true}

	err := svc.Assign(context.Background(), models.Capabilities{}, req)
	assert.ErrorIs(t, err, appErrors.ErrNoAdminLockPermission)
	assert.Empty(t, writer.upserts)

	err = svc.Assign(context.Background(), models.Capabilities{SetAdminLocked: true}, req)
	require.NoError(t, err)
	require.Len(t, writer.upserts, 1)
	assert.True(t, writer.upserts[0].AdminLocked)
}

func TestAssign_NewSignupWritesAddedHistory(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		exists:  true,
		grid:    editableCellGrid(1, 10, testOption(100, 20, "Archer", false)),
	}
	writer := &fakeSignupWriter{db: newTxDB(t)}
	svc, invalidator := assignFixture(t, lookups, writer)

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(100)})
	require.NoError(t, err)

	require.Len(t, writer.upserts, 1)
	assert.Equal(t, int64(100), writer.upserts[0].OptionID)
	assert.Equal(t, []string{models.HistoryAdded}, writer.history)
	assert.Equal(t, 1, invalidator.calls)
}

func TestAssign_ExistingSignupWritesChangedHistory(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		exists:  true,
		grid:    editableCellGrid(1, 10, testOption(100, 20, "Archer", false)),
	}
	writer := &fakeSignupWriter{
		db:       newTxDB(t),
		existing: &models.Signup{ID: 5, SlotID: 1, StudentID: 10, OptionID: 99},
	}
	svc, _ := assignFixture(t, lookups, writer)

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10, OptionID: optionID(100)})
	require.NoError(t, err)
	assert.Equal(t, []string{models.HistoryChanged}, writer.history)
}

func TestAssign_ClearRemovesSignup(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		grid:    editableCellGrid(1, 10),
	}
	writer := &fakeSignupWriter{
		db:      newTxDB(t),
		deleted: &models.Signup{ID: 5, SlotID: 1, StudentID: 10, OptionID: 100},
	}
	svc, invalidator := assignFixture(t, lookups, writer)

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{models.HistoryDeleted}, writer.history)
	assert.Equal(t, 1, invalidator.calls)
}

func TestAssign_ClearEmptyCellIsNoop(t *testing.T) {
	lookups := &fakeAssignLookups{
		slot:    &models.Slot{ID: 1},
		student: &models.Student{ID: 10},
		grid:    editableCellGrid(1, 10),
	}
	writer := &fakeSignupWriter{db: newTxDB(t)}
	svc, invalidator := assignFixture(t, lookups, writer)

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10})
	require.NoError(t, err)
	assert.Empty(t, writer.history)
	assert.Zero(t, invalidator.calls)
}

func TestAssign_LookupErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	svc := NewAssignService(failingSlotFinder{err: boom}, nil, nil, nil, nil, nil, nil)

	err := svc.Assign(context.Background(), models.Capabilities{}, AssignRequest{SlotID: 1, StudentID: 10})
	assert.ErrorIs(t, err, boom)
}

type failingSlotFinder struct{ err error }

func (f failingSlotFinder) FindByID(context.Context, int64) (*models.Slot, error) {
	return nil, f.err
}
