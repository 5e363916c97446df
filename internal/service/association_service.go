package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
)

// StudentTeacherKey identifies one (student, date) pair in the resolver's
// output. Dates are compared at day precision in UTC.
type StudentTeacherKey struct {
	StudentID int64
	Date      time.Time
}

type enrollmentReader interface {
	StudentEnrollmentsByStudents(ctx context.Context, studentIDs []int64) ([]models.StudentEnrollment, error)
	TeacherEnrollmentsBySections(ctx context.Context, sectionIDs []int64) ([]models.TeacherEnrollment, error)
	TeachersByIDs(ctx context.Context, ids []int64) ([]models.Teacher, error)
}

// AssociationService resolves which teachers teach which students on which
// dates, honoring enrollment begin/end ranges inclusively on both ends.
type AssociationService struct {
	roster enrollmentReader
	logger *zap.Logger
}

// NewAssociationService constructs the service.
func NewAssociationService(roster enrollmentReader, logger *zap.Logger) *AssociationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssociationService{roster: roster, logger: logger}
}

// TeachersForStudents returns the set of teachers teaching each (student,
// date) pair in students x dates. Every pair is present in the result, with
// an empty set where no teacher applies.
//
// The walk is quadratic over the enrollments of each section. Sections are
// small, so the simple shape wins over indexing.
func (s *AssociationService) TeachersForStudents(ctx context.Context, studentIDs []int64, dates []time.Time) (map[StudentTeacherKey]map[int64]models.Teacher, error) {
	out := make(map[StudentTeacherKey]map[int64]models.Teacher, len(studentIDs)*len(dates))
	for _, studentID := range studentIDs {
		for _, d := range dates {
			out[StudentTeacherKey{StudentID: studentID, Date: normalizeDate(d)}] = make(map[int64]models.Teacher)
		}
	}

	studentEnrollments, err := s.roster.StudentEnrollmentsByStudents(ctx, studentIDs)
	if err != nil {
		return nil, err
	}
	if len(studentEnrollments) == 0 {
		return out, nil
	}

	sectionIDSet := make(map[int64]struct{})
	for _, e := range studentEnrollments {
		sectionIDSet[e.SectionID] = struct{}{}
	}
	sectionIDs := make([]int64, 0, len(sectionIDSet))
	for id := range sectionIDSet {
		sectionIDs = append(sectionIDs, id)
	}

	teacherEnrollments, err := s.roster.TeacherEnrollmentsBySections(ctx, sectionIDs)
	if err != nil {
		return nil, err
	}

	teacherIDSet := make(map[int64]struct{})
	for _, e := range teacherEnrollments {
		teacherIDSet[e.TeacherID] = struct{}{}
	}
	teacherIDs := make([]int64, 0, len(teacherIDSet))
	for id := range teacherIDSet {
		teacherIDs = append(teacherIDs, id)
	}
	teachers, err := s.roster.TeachersByIDs(ctx, teacherIDs)
	if err != nil {
		return nil, err
	}
	teachersByID := make(map[int64]models.Teacher, len(teachers))
	for _, t := range teachers {
		teachersByID[t.ID] = t
	}

	studentEnrollmentsBySection := make(map[int64][]models.StudentEnrollment)
	for _, e := range studentEnrollments {
		studentEnrollmentsBySection[e.SectionID] = append(studentEnrollmentsBySection[e.SectionID], e)
	}
	teacherEnrollmentsBySection := make(map[int64][]models.TeacherEnrollment)
	for _, e := range teacherEnrollments {
		teacherEnrollmentsBySection[e.SectionID] = append(teacherEnrollmentsBySection[e.SectionID], e)
	}

	for sectionID := range sectionIDSet {
		sEnrollments := studentEnrollmentsBySection[sectionID]
		tEnrollments := teacherEnrollmentsBySection[sectionID]

		for _, d := range dates {
			day := normalizeDate(d)
			for _, se := range sEnrollments {
				if !se.Covers(day) {
					continue
				}
				key := StudentTeacherKey{StudentID: se.StudentID, Date: day}
				cell, ok := out[key]
				if !ok {
					continue
				}
				for _, te := range tEnrollments {
					if !te.Covers(day) {
						continue
					}
					if teacher, ok := teachersByID[te.TeacherID]; ok {
						cell[teacher.ID] = teacher
					}
				}
			}
		}
	}

	return out, nil
}

func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
