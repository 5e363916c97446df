package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type signupCellReader interface {
	ListForCells(ctx context.Context, slotIDs, studentIDs []int64) ([]models.Signup, error)
}

type optionWindowReader interface {
	ListForWindow(ctx context.Context, low, high time.Time, includeIDs []int64) ([]models.OptionDetail, error)
}

type teacherAssociationResolver interface {
	TeachersForStudents(ctx context.Context, studentIDs []int64, dates []time.Time) (map[StudentTeacherKey]map[int64]models.Teacher, error)
}

// GridCell is the projection for one (student, slot): the current signup if
// any, an editability verdict, and the eligible options partitioned into
// preferred (taught by one of the student's current teachers on the slot
// date) and remaining.
type GridCell struct {
	SlotID    int64 `json:"slot_id"`
	StudentID int64 `json:"student_id"`

	CurrentOption *models.OptionDetail `json:"current_option,omitempty"`
	AdminLocked   bool                 `json:"admin_locked"`
	Editable      bool                 `json:"editable"`

	PreferredOptions []models.OptionDetail `json:"preferred_options"`
	RemainingOptions []models.OptionDetail `json:"remaining_options"`
}

// GridRow carries one student and their cells in slot order.
type GridRow struct {
	Student models.Student `json:"student"`
	Cells   []GridCell     `json:"cells"`
}

// Grid is the rectangular assignment projection. It is a pure function of
// its inputs; building it mutates nothing.
type Grid struct {
	Capabilities models.Capabilities `json:"capabilities"`
	Slots        []models.Slot       `json:"slots"`
	Students     []models.Student    `json:"students"`
	Rows         []GridRow           `json:"rows"`

	Signups       []models.Signup                  `json:"signups"`
	OptionsBySlot map[int64][]models.OptionDetail  `json:"options_by_slot"`
	Associations  map[StudentTeacherKey]map[int64]models.Teacher `json:"-"`
}

// Cell returns the cell for one (slot, student), or nil when the pair is
// outside the grid.
func (g *Grid) Cell(slotID, studentID int64) *GridCell {
	for i := range g.Rows {
		if g.Rows[i].Student.ID != studentID {
			continue
		}
		for j := range g.Rows[i].Cells {
			if g.Rows[i].Cells[j].SlotID == slotID {
				return &g.Rows[i].Cells[j]
			}
		}
	}
	return nil
}

// UnassignedStudentIDs returns the students missing a signup for at least
// one slot of the grid.
func (g *Grid) UnassignedStudentIDs() map[int64]struct{} {
	assigned := make(map[int64]map[int64]struct{}, len(g.Students))
	for _, signup := range g.Signups {
		if assigned[signup.StudentID] == nil {
			assigned[signup.StudentID] = make(map[int64]struct{})
		}
		assigned[signup.StudentID][signup.SlotID] = struct{}{}
	}

	out := make(map[int64]struct{})
	for _, student := range g.Students {
		if len(assigned[student.ID]) != len(g.Slots) {
			out[student.ID] = struct{}{}
		}
	}
	return out
}

// GridService builds assignment grids. The derived views are populated in a
// fixed dependency order: slots, students, signups, options, options by
// slot, teacher associations, then cells.
type GridService struct {
	signups      signupCellReader
	options      optionWindowReader
	associations teacherAssociationResolver
	logger       *zap.Logger

	now func() time.Time
}

// NewGridService constructs the grid service.
func NewGridService(signups signupCellReader, options optionWindowReader, associations teacherAssociationResolver, logger *zap.Logger) *GridService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GridService{
		signups:      signups,
		options:      options,
		associations: associations,
		logger:       logger,
		now:          time.Now,
	}
}

// Build produces the grid for the caller's capabilities over the given slots
// and students. Slot and student order in the output is canonical regardless
// of input order: slots by (date, id), students by family name then
// nickname-or-given name.
func (s *GridService) Build(ctx context.Context, caps models.Capabilities, slots []models.Slot, students []models.Student) (*Grid, error) {
	grid := &Grid{
		Capabilities:  caps,
		Slots:         sortSlots(slots),
		Students:      sortStudents(students),
		OptionsBySlot: make(map[int64][]models.OptionDetail),
	}
	if len(grid.Slots) == 0 || len(grid.Students) == 0 {
		return grid, nil
	}

	slotIDs := make([]int64, len(grid.Slots))
	for i, slot := range grid.Slots {
		slotIDs[i] = slot.ID
	}
	studentIDs := make([]int64, len(grid.Students))
	for i, student := range grid.Students {
		studentIDs[i] = student.ID
	}

	signups, err := s.signups.ListForCells(ctx, slotIDs, studentIDs)
	if err != nil {
		return nil, err
	}
	grid.Signups = signups

	signupsByCell := make(map[[2]int64]models.Signup, len(signups))
	referencedOptionIDs := make([]int64, 0, len(signups))
	for _, signup := range signups {
		signupsByCell[[2]int64{signup.SlotID, signup.StudentID}] = signup
		referencedOptionIDs = append(referencedOptionIDs, signup.OptionID)
	}

	low := grid.Slots[0].Date
	high := grid.Slots[len(grid.Slots)-1].Date
	allOptions, err := s.options.ListForWindow(ctx, low, high, referencedOptionIDs)
	if err != nil {
		return nil, err
	}

	optionsByID := make(map[int64]models.OptionDetail, len(allOptions))
	for _, option := range allOptions {
		optionsByID[option.ID] = option
	}

	for _, slot := range grid.Slots {
		available := make([]models.OptionDetail, 0, len(allOptions))
		for _, option := range allOptions {
			if option.AvailableOn(slot) {
				available = append(available, option)
			}
		}
		grid.OptionsBySlot[slot.ID] = available
	}

	dateSet := make(map[time.Time]struct{}, len(grid.Slots))
	for _, slot := range grid.Slots {
		dateSet[normalizeDate(slot.Date)] = struct{}{}
	}
	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	associations, err := s.associations.TeachersForStudents(ctx, studentIDs, dates)
	if err != nil {
		return nil, err
	}
	grid.Associations = associations

	now := s.now()
	grid.Rows = make([]GridRow, len(grid.Students))
	for i, student := range grid.Students {
		row := GridRow{Student: student, Cells: make([]GridCell, len(grid.Slots))}
		for j, slot := range grid.Slots {
			signup, hasSignup := signupsByCell[[2]int64{slot.ID, student.ID}]
			var signupPtr *models.Signup
			if hasSignup {
				signupPtr = &signup
			}
			preferred := associations[StudentTeacherKey{StudentID: student.ID, Date: normalizeDate(slot.Date)}]
			row.Cells[j] = s.buildCell(caps, slot, student, signupPtr, grid.OptionsBySlot[slot.ID], optionsByID, preferred, now)
		}
		grid.Rows[i] = row
	}

	return grid, nil
}

func (s *GridService) buildCell(
	caps models.Capabilities,
	slot models.Slot,
	student models.Student,
	signup *models.Signup,
	slotOptions []models.OptionDetail,
	optionsByID map[int64]models.OptionDetail,
	preferredTeachers map[int64]models.Teacher,
	now time.Time,
) GridCell {
	cell := GridCell{
		SlotID:           slot.ID,
		StudentID:        student.ID,
		PreferredOptions: []models.OptionDetail{},
		RemainingOptions: []models.OptionDetail{},
	}

	if signup != nil {
		cell.AdminLocked = signup.AdminLocked
		if current, ok := optionsByID[signup.OptionID]; ok {
			cell.CurrentOption = &current
		}
	}

	if now.Before(slot.EditableUntil) && !caps.EditPastLockout {
		return cell
	}
	if signup != nil && signup.AdminLocked && !caps.IgnoreAdminLocked {
		return cell
	}
	if cell.CurrentOption != nil && cell.CurrentOption.AdminOnly && !caps.UseAdminOnlyOptions {
		return cell
	}

	cell.Editable = true

	for _, option := range slotOptions {
		if option.AdminOnly && !caps.UseAdminOnlyOptions {
			continue
		}
		if _, ok := preferredTeachers[option.TeacherID]; ok {
			cell.PreferredOptions = append(cell.PreferredOptions, option)
		} else {
			cell.RemainingOptions = append(cell.RemainingOptions, option)
		}
	}

	sortOptionsByTeacher(cell.PreferredOptions)
	sortOptionsByTeacher(cell.RemainingOptions)
	return cell
}

func sortSlots(slots []models.Slot) []models.Slot {
	out := make([]models.Slot, len(slots))
	copy(out, slots)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortStudents(students []models.Student) []models.Student {
	out := make([]models.Student, len(students))
	copy(out, students)
	sort.Slice(out, func(i, j int) bool {
		fi, si := out[i].SortKey()
		fj, sj := out[j].SortKey()
		if fi != fj {
			return fi < fj
		}
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortOptionsByTeacher(options []models.OptionDetail) {
	sort.Slice(options, func(i, j int) bool {
		if options[i].TeacherFamilyName != options[j].TeacherFamilyName {
			return options[i].TeacherFamilyName < options[j].TeacherFamilyName
		}
		if options[i].TeacherGivenName != options[j].TeacherGivenName {
			return options[i].TeacherGivenName < options[j].TeacherGivenName
		}
		return options[i].ID < options[j].ID
	})
}
