package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rectory-school/enrichment-api/internal/dto"
	"github.com/rectory-school/enrichment-api/internal/middleware"
	"github.com/rectory-school/enrichment-api/internal/models"
	"github.com/rectory-school/enrichment-api/internal/service"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
	"github.com/rectory-school/enrichment-api/pkg/response"
)

type slotLister interface {
	ListByDateRange(ctx context.Context, from, to time.Time) ([]models.Slot, error)
}

type adviseeResolver interface {
	Advisees(ctx context.Context, filter service.AdviseeFilter) ([]models.AdviseePair, error)
}

type teacherByEmailFinder interface {
	FindTeacherByEmail(ctx context.Context, email string) (*models.Teacher, error)
	FindStudent(ctx context.Context, id int64) (*models.Student, error)
}

type gridBuilder interface {
	Build(ctx context.Context, caps models.Capabilities, slots []models.Slot, students []models.Student) (*service.Grid, error)
}

type gridCache interface {
	GetGrid(ctx context.Context, key string, dest interface{}) bool
	SetGrid(ctx context.Context, key string, value interface{})
}

type cacheLookupRecorder interface {
	RecordCacheLookup(hit bool)
}

// GridHandler serves read-only grid projections. The window defaults to
// the Monday of the current week and spans seven days; the row set defaults
// to the caller's own advisees.
type GridHandler struct {
	slots    slotLister
	advising adviseeResolver
	roster   teacherByEmailFinder
	grids    gridBuilder
	cache    gridCache
	metrics  cacheLookupRecorder
	now      func() time.Time
}

// NewGridHandler constructs the handler. cache and metrics may be nil.
func NewGridHandler(
	slots slotLister,
	advising adviseeResolver,
	roster teacherByEmailFinder,
	grids gridBuilder,
	cache gridCache,
	metrics cacheLookupRecorder,
) *GridHandler {
	return &GridHandler{
		slots:    slots,
		advising: advising,
		roster:   roster,
		grids:    grids,
		cache:    cache,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Grid renders the cell projection for the selected window and students.
//
// Query parameters: date (YYYY-MM-DD, defaults to this week's Monday),
// days (defaults to 7), student_id, advisor_id, unassigned (true to keep
// only students missing an assignment somewhere in the window).
func (h *GridHandler) Grid(c *gin.Context) {
	query, err := h.parseQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	caps := middleware.CallerCapabilities(c)

	students, scope, err := h.resolveStudents(c, query)
	if err != nil {
		response.Error(c, err)
		return
	}

	key := gridCacheKey(caps, query, scope)
	if h.cache != nil {
		var cached dto.GridResponse
		hit := h.cache.GetGrid(c.Request.Context(), key, &cached)
		if h.metrics != nil {
			h.metrics.RecordCacheLookup(hit)
		}
		if hit {
			response.JSON(c, http.StatusOK, cached)
			return
		}
	}

	from := query.Date
	to := from.AddDate(0, 0, query.Days-1)
	slots, err := h.slots.ListByDateRange(c.Request.Context(), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}

	grid, err := h.grids.Build(c.Request.Context(), caps, slots, students)
	if err != nil {
		response.Error(c, err)
		return
	}

	unassignedOnly := c.Query("unassigned") == "true"
	resp := gridResponse(grid, unassignedOnly)
	if h.cache != nil {
		h.cache.SetGrid(c.Request.Context(), key, resp)
	}
	response.JSON(c, http.StatusOK, resp)
}

func (h *GridHandler) parseQuery(c *gin.Context) (dto.GridQuery, error) {
	var query dto.GridQuery

	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "date must be formatted YYYY-MM-DD")
		}
		query.Date = parsed
	} else {
		query.Date = mondayOf(h.now().UTC())
	}

	query.Days = 7
	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > 31 {
			return query, appErrors.Clone(appErrors.ErrValidation, "days must be between 1 and 31")
		}
		query.Days = days
	}

	if raw := c.Query("student_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "student_id must be an integer")
		}
		query.StudentID = &id
	}
	if raw := c.Query("advisor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "advisor_id must be an integer")
		}
		query.AdvisorID = &id
	}
	return query, nil
}

// resolveStudents produces the row set and a scope token that makes the
// cache key distinct per selection.
func (h *GridHandler) resolveStudents(c *gin.Context, query dto.GridQuery) ([]models.Student, string, error) {
	ctx := c.Request.Context()

	if query.StudentID != nil {
		student, err := h.roster.FindStudent(ctx, *query.StudentID)
		if err != nil {
			return nil, "", err
		}
		if student == nil {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return []models.Student{*student}, fmt.Sprintf("student:%d", student.ID), nil
	}

	if query.AdvisorID != nil {
		pairs, err := h.advising.Advisees(ctx, service.AdviseeFilter{TeacherIDs: []int64{*query.AdvisorID}})
		if err != nil {
			return nil, "", err
		}
		return pairStudents(pairs), fmt.Sprintf("advisor:%d", *query.AdvisorID), nil
	}

	if email := middleware.CallerEmail(c); email != "" {
		teacher, err := h.roster.FindTeacherByEmail(ctx, email)
		if err != nil {
			return nil, "", err
		}
		if teacher != nil {
			pairs, err := h.advising.Advisees(ctx, service.AdviseeFilter{TeacherIDs: []int64{teacher.ID}})
			if err != nil {
				return nil, "", err
			}
			return pairStudents(pairs), fmt.Sprintf("advisor:%d", teacher.ID), nil
		}
	}

	pairs, err := h.advising.Advisees(ctx, service.AdviseeFilter{})
	if err != nil {
		return nil, "", err
	}
	return pairStudents(pairs), "all", nil
}

// pairStudents deduplicates advisees shared by multiple advisors.
func pairStudents(pairs []models.AdviseePair) []models.Student {
	seen := make(map[int64]struct{}, len(pairs))
	out := make([]models.Student, 0, len(pairs))
	for _, pair := range pairs {
		if _, ok := seen[pair.Student.ID]; ok {
			continue
		}
		seen[pair.Student.ID] = struct{}{}
		out = append(out, pair.Student)
	}
	return out
}

func gridCacheKey(caps models.Capabilities, query dto.GridQuery, scope string) string {
	return service.GridKey(
		scope,
		query.Date.Format("2006-01-02"),
		strconv.Itoa(query.Days),
		fmt.Sprintf("%t:%t:%t:%t", caps.EditPastLockout, caps.IgnoreAdminLocked, caps.UseAdminOnlyOptions, caps.SetAdminLocked),
	)
}

func gridResponse(grid *service.Grid, unassignedOnly bool) dto.GridResponse {
	resp := dto.GridResponse{
		Slots: make([]dto.GridSlot, 0, len(grid.Slots)),
		Rows:  make([]dto.GridRow, 0, len(grid.Rows)),
	}
	for _, slot := range grid.Slots {
		resp.Slots = append(resp.Slots, dto.GridSlot{
			ID:            slot.ID,
			Date:          slot.Date,
			Title:         slot.Title,
			EditableUntil: slot.EditableUntil,
		})
	}

	unassigned := grid.UnassignedStudentIDs()
	for _, row := range grid.Rows {
		if unassignedOnly {
			if _, ok := unassigned[row.Student.ID]; !ok {
				continue
			}
		}
		out := dto.GridRow{
			Student: dto.GridStudent{
				ID:          row.Student.ID,
				DisplayName: row.Student.DisplayName(),
				Grade:       row.Student.Grade,
			},
			Cells: make([]dto.GridCell, 0, len(row.Cells)),
		}
		for _, cell := range row.Cells {
			out.Cells = append(out.Cells, gridCellDTO(cell))
		}
		resp.Rows = append(resp.Rows, out)
	}
	return resp
}

func gridCellDTO(cell service.GridCell) dto.GridCell {
	out := dto.GridCell{
		SlotID:           cell.SlotID,
		StudentID:        cell.StudentID,
		AdminLocked:      cell.AdminLocked,
		Editable:         cell.Editable,
		PreferredOptions: optionDTOs(cell.SlotID, cell.PreferredOptions),
		RemainingOptions: optionDTOs(cell.SlotID, cell.RemainingOptions),
	}
	if cell.CurrentOption != nil {
		converted := optionDTO(cell.SlotID, *cell.CurrentOption)
		out.CurrentOption = &converted
	}
	return out
}

func optionDTOs(slotID int64, options []models.OptionDetail) []dto.GridOption {
	out := make([]dto.GridOption, 0, len(options))
	for _, option := range options {
		out = append(out, optionDTO(slotID, option))
	}
	return out
}

func optionDTO(slotID int64, option models.OptionDetail) dto.GridOption {
	return dto.GridOption{
		ID:          option.ID,
		Description: option.Description,
		TeacherName: option.TeacherGivenName + " " + option.TeacherFamilyName,
		Location:    option.LocationOn(slotID),
		AdminOnly:   option.AdminOnly,
	}
}

// mondayOf returns the Monday of t's week at UTC midnight.
func mondayOf(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
