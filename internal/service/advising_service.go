package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type advisoryReader interface {
	AdvisorySections(ctx context.Context) ([]models.Class, error)
	AdvisorySchoolStudentIDs(ctx context.Context) (map[int64]struct{}, error)
	StudentEnrollmentsBySections(ctx context.Context, sectionIDs []int64) ([]models.StudentEnrollment, error)
	TeacherEnrollmentsBySections(ctx context.Context, sectionIDs []int64) ([]models.TeacherEnrollment, error)
	TeachersByIDs(ctx context.Context, ids []int64) ([]models.Teacher, error)
	StudentsByIDs(ctx context.Context, ids []int64) ([]models.Student, error)
}

// AdviseeFilter narrows the advisory sections considered before the
// teacher x student cross product.
type AdviseeFilter struct {
	TeacherIDs []int64
	StudentIDs []int64
	AsOf       time.Time
}

// AdvisingService enumerates advisor/advisee pairs. An advisory section is
// an active class whose course is designated advisory; advisees are limited
// to students enrolled in a school designated advisory.
type AdvisingService struct {
	roster advisoryReader
	logger *zap.Logger
}

// NewAdvisingService constructs the service.
func NewAdvisingService(roster advisoryReader, logger *zap.Logger) *AdvisingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisingService{roster: roster, logger: logger}
}

// Advisees returns the distinct (advisor, advisee) pairs as of the filter
// date (today when zero). For each advisory section, every teacher enrolled
// on the date is paired with every enrolled student from an advisory school.
func (s *AdvisingService) Advisees(ctx context.Context, filter AdviseeFilter) ([]models.AdviseePair, error) {
	asOf := filter.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	asOf = normalizeDate(asOf)

	sections, err := s.roster.AdvisorySections(ctx)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, nil
	}

	sectionIDs := make([]int64, 0, len(sections))
	for _, section := range sections {
		sectionIDs = append(sectionIDs, section.ID)
	}

	schoolStudents, err := s.roster.AdvisorySchoolStudentIDs(ctx)
	if err != nil {
		return nil, err
	}

	studentEnrollments, err := s.roster.StudentEnrollmentsBySections(ctx, sectionIDs)
	if err != nil {
		return nil, err
	}
	teacherEnrollments, err := s.roster.TeacherEnrollmentsBySections(ctx, sectionIDs)
	if err != nil {
		return nil, err
	}

	teacherFilter := idSet(filter.TeacherIDs)
	studentFilter := idSet(filter.StudentIDs)

	type pairKey struct{ teacherID, studentID int64 }
	pairKeys := make(map[pairKey]struct{})

	teacherEnrollmentsBySection := make(map[int64][]models.TeacherEnrollment)
	for _, te := range teacherEnrollments {
		teacherEnrollmentsBySection[te.SectionID] = append(teacherEnrollmentsBySection[te.SectionID], te)
	}
	studentEnrollmentsBySection := make(map[int64][]models.StudentEnrollment)
	for _, se := range studentEnrollments {
		studentEnrollmentsBySection[se.SectionID] = append(studentEnrollmentsBySection[se.SectionID], se)
	}

	for _, section := range sections {
		for _, te := range teacherEnrollmentsBySection[section.ID] {
			if !te.Covers(asOf) {
				continue
			}
			if len(teacherFilter) > 0 {
				if _, ok := teacherFilter[te.TeacherID]; !ok {
					continue
				}
			}
			for _, se := range studentEnrollmentsBySection[section.ID] {
				if !se.Covers(asOf) {
					continue
				}
				if _, ok := schoolStudents[se.StudentID]; !ok {
					continue
				}
				if len(studentFilter) > 0 {
					if _, ok := studentFilter[se.StudentID]; !ok {
						continue
					}
				}
				pairKeys[pairKey{teacherID: te.TeacherID, studentID: se.StudentID}] = struct{}{}
			}
		}
	}

	if len(pairKeys) == 0 {
		return nil, nil
	}

	teacherIDSet := make(map[int64]struct{})
	studentIDSet := make(map[int64]struct{})
	for key := range pairKeys {
		teacherIDSet[key.teacherID] = struct{}{}
		studentIDSet[key.studentID] = struct{}{}
	}

	teachers, err := s.roster.TeachersByIDs(ctx, setToSlice(teacherIDSet))
	if err != nil {
		return nil, err
	}
	students, err := s.roster.StudentsByIDs(ctx, setToSlice(studentIDSet))
	if err != nil {
		return nil, err
	}

	teachersByID := make(map[int64]models.Teacher, len(teachers))
	for _, t := range teachers {
		teachersByID[t.ID] = t
	}
	studentsByID := make(map[int64]models.Student, len(students))
	for _, st := range students {
		studentsByID[st.ID] = st
	}

	pairs := make([]models.AdviseePair, 0, len(pairKeys))
	for key := range pairKeys {
		teacher, ok := teachersByID[key.teacherID]
		if !ok {
			continue
		}
		student, ok := studentsByID[key.studentID]
		if !ok {
			continue
		}
		pairs = append(pairs, models.AdviseePair{Teacher: teacher, Student: student})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Teacher.ID != pairs[j].Teacher.ID {
			return pairs[i].Teacher.ID < pairs[j].Teacher.ID
		}
		return pairs[i].Student.ID < pairs[j].Student.ID
	})
	return pairs, nil
}

// AdviseesByAdvisor groups the pairs by advisor.
func (s *AdvisingService) AdviseesByAdvisor(ctx context.Context, filter AdviseeFilter) (map[int64][]models.Student, map[int64]models.Teacher, error) {
	pairs, err := s.Advisees(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	byAdvisor := make(map[int64][]models.Student)
	advisors := make(map[int64]models.Teacher)
	for _, pair := range pairs {
		advisors[pair.Teacher.ID] = pair.Teacher
		byAdvisor[pair.Teacher.ID] = append(byAdvisor[pair.Teacher.ID], pair.Student)
	}
	return byAdvisor, advisors, nil
}

func idSet(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func setToSlice(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
