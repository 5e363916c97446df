package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectory-school/enrichment-api/internal/models"
)

type fakeEnrollmentReader struct {
	studentEnrollments []models.StudentEnrollment
	teacherEnrollments []models.TeacherEnrollment
	teachers           []models.Teacher
}

func (f *fakeEnrollmentReader) StudentEnrollmentsByStudents(context.Context, []int64) ([]models.StudentEnrollment, error) {
	return f.studentEnrollments, nil
}

func (f *fakeEnrollmentReader) TeacherEnrollmentsBySections(context.Context, []int64) ([]models.TeacherEnrollment, error) {
	return f.teacherEnrollments, nil
}

func (f *fakeEnrollmentReader) TeachersByIDs(context.Context, []int64) ([]models.Teacher, error) {
	return f.teachers, nil
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func TestTeachersForStudents_SingleTeacher(t *testing.T) {
	roster := &fakeEnrollmentReader{
		studentEnrollments: []models.StudentEnrollment{
			{ID: 1, StudentID: 10, SectionID: 100, BeginDate: day(2026, 1, 1), EndDate: day(2026, 6, 1)},
		},
		teacherEnrollments: []models.TeacherEnrollment{
			{ID: 1, TeacherID: 20, SectionID: 100, BeginDate: day(2026, 1, 1), EndDate: day(2026, 6, 1)},
		},
		teachers: []models.Teacher{{ID: 20, GivenName: "Terry", FamilyName: "Quinn"}},
	}
	svc := NewAssociationService(roster, nil)

	out, err := svc.TeachersForStudents(context.Background(), []int64{10}, []time.Time{day(2026, 3, 1), day(2026, 5, 1)})
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, date := range []time.Time{day(2026, 3, 1), day(2026, 5, 1)} {
		cell := out[StudentTeacherKey{StudentID: 10, Date: date}]
		require.Len(t, cell, 1)
		assert.Equal(t, "Quinn", cell[20].FamilyName)
	}
}

func TestTeachersForStudents_TeacherLeavesMidYear(t *testing.T) {
	roster := &fakeEnrollmentReader{
		studentEnrollments: []models.StudentEnrollment{
			{ID: 1, StudentID: 10, SectionID: 100, BeginDate: day(2026, 1, 1), EndDate: day(2026, 6, 1)},
		},
		teacherEnrollments: []models.TeacherEnrollment{
			{ID: 1, TeacherID: 20, SectionID: 100, BeginDate: day(2026, 1, 1), EndDate: day(2026, 6, 1)},
			{ID: 2, TeacherID: 21, SectionID: 100, BeginDate: day(2026, 1, 1), EndDate: day(2026, 3, 1)},
		},
		teachers: []models.Teacher{
			{ID: 20, GivenName: "Ann", FamilyName: "Archer"},
			{ID: 21, GivenName: "Lee", FamilyName: "Loring"},
		},
	}
	svc := NewAssociationService(roster, nil)

	out, err := svc.TeachersForStudents(context.Background(), []int64{10}, []time.Time{day(2026, 3, 1), day(2026, 5, 1)})
	require.NoError(t, err)

	march := out[StudentTeacherKey{StudentID: 10, Date: day(2026, 3, 1)}]
	require.Len(t, march, 2)
	assert.Contains(t, march, int64(20))
	assert.Contains(t, march, int64(21))

	may := out[StudentTeacherKey{StudentID: 10, Date: day(2026, 5, 1)}]
	require.Len(t, may, 1)
	assert.Contains(t, may, int64(20))
}

func TestTeachersForStudents_EmptyPairsAlwaysPresent(t *testing.T) {
	svc := NewAssociationService(&fakeEnrollmentReader{}, nil)

	out, err := svc.TeachersForStudents(context.Background(), []int64{10, 11}, []time.Time{day(2026, 3, 1)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Empty(t, out[StudentTeacherKey{StudentID: 10, Date: day(2026, 3, 1)}])
	assert.Empty(t, out[StudentTeacherKey{StudentID: 11, Date: day(2026, 3, 1)}])
}
