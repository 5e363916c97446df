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

// RosterRepository is the read-only projection of the SIS roster: students,
// teachers, sections, enrollments and advisory designations. All writes to
// these tables happen through the sync reconciler.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// FindStudent returns a student by id, or nil when absent.
func (r *RosterRepository) FindStudent(ctx context.Context, id int64) (*models.Student, error) {
	const query = `SELECT id, sis_id, given_name, family_name, nickname, email, grade, active FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find student: %w", err)
	}
	return &student, nil
}

// FindTeacher returns a teacher by id, or nil when absent.
func (r *RosterRepository) FindTeacher(ctx context.Context, id int64) (*models.Teacher, error) {
	const query = `SELECT id, sis_id, given_name, family_name, email, honorific, formal_name_override, active FROM teachers WHERE id = $1`
	var teacher models.Teacher
	if err := r.db.GetContext(ctx, &teacher, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find teacher: %w", err)
	}
	return &teacher, nil
}

// FindTeacherByEmail resolves a login email to a teacher. The SIS does not
// forbid duplicate emails; the lowest id wins so the association is
// deterministic.
func (r *RosterRepository) FindTeacherByEmail(ctx context.Context, email string) (*models.Teacher, error) {
	const query = `SELECT id, sis_id, given_name, family_name, email, honorific, formal_name_override, active
        FROM teachers WHERE email = $1 AND active = TRUE ORDER BY id LIMIT 1`
	var teacher models.Teacher
	if err := r.db.GetContext(ctx, &teacher, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find teacher by email: %w", err)
	}
	return &teacher, nil
}

// FindStudentByEmail resolves a login email to a student, lowest id first.
func (r *RosterRepository) FindStudentByEmail(ctx context.Context, email string) (*models.Student, error) {
	const query = `SELECT id, sis_id, given_name, family_name, nickname, email, grade, active
        FROM students WHERE email = $1 AND active = TRUE ORDER BY id LIMIT 1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find student by email: %w", err)
	}
	return &student, nil
}

// StudentsByIDs loads students for the given ids.
func (r *RosterRepository) StudentsByIDs(ctx context.Context, ids []int64) ([]models.Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, sis_id, given_name, family_name, nickname, email, grade, active FROM students WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build students query: %w", err)
	}
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// TeachersByIDs loads teachers for the given ids.
func (r *RosterRepository) TeachersByIDs(ctx context.Context, ids []int64) ([]models.Teacher, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, sis_id, given_name, family_name, email, honorific, formal_name_override, active FROM teachers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build teachers query: %w", err)
	}
	var teachers []models.Teacher
	if err := r.db.SelectContext(ctx, &teachers, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list teachers: %w", err)
	}
	return teachers, nil
}

// StudentEnrollmentsByStudents returns the active enrollments for a set of
// students.
func (r *RosterRepository) StudentEnrollmentsByStudents(ctx context.Context, studentIDs []int64) ([]models.StudentEnrollment, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, sis_id, student_id, section_id, school_id, begin_date, end_date, active
        FROM student_enrollments WHERE student_id IN (?) AND active = TRUE`, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("build student enrollments query: %w", err)
	}
	var enrollments []models.StudentEnrollment
	if err := r.db.SelectContext(ctx, &enrollments, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// StudentEnrollmentsBySections returns the active enrollments on a set of
// sections.
func (r *RosterRepository) StudentEnrollmentsBySections(ctx context.Context, sectionIDs []int64) ([]models.StudentEnrollment, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, sis_id, student_id, section_id, school_id, begin_date, end_date, active
        FROM student_enrollments WHERE section_id IN (?) AND active = TRUE`, sectionIDs)
	if err != nil {
		return nil, fmt.Errorf("build student enrollments query: %w", err)
	}
	var enrollments []models.StudentEnrollment
	if err := r.db.SelectContext(ctx, &enrollments, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// TeacherEnrollmentsBySections returns the active teacher enrollments on a
// set of sections.
func (r *RosterRepository) TeacherEnrollmentsBySections(ctx context.Context, sectionIDs []int64) ([]models.TeacherEnrollment, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, sis_id, teacher_id, section_id, school_id, begin_date, end_date, active
        FROM teacher_enrollments WHERE section_id IN (?) AND active = TRUE`, sectionIDs)
	if err != nil {
		return nil, fmt.Errorf("build teacher enrollments query: %w", err)
	}
	var enrollments []models.TeacherEnrollment
	if err := r.db.SelectContext(ctx, &enrollments, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list teacher enrollments: %w", err)
	}
	return enrollments, nil
}

// AdvisorySections returns the active sections whose course is designated
// advisory.
func (r *RosterRepository) AdvisorySections(ctx context.Context) ([]models.Class, error) {
	const query = `SELECT c.id, c.sis_id, c.title, c.course_id, c.school_id, c.active
        FROM classes c
        JOIN courses co ON co.id = c.course_id
        JOIN advisory_courses ac ON ac.course_id = co.id
        WHERE c.active = TRUE AND co.active = TRUE`
	var sections []models.Class
	if err := r.db.SelectContext(ctx, &sections, query); err != nil {
		return nil, fmt.Errorf("list advisory sections: %w", err)
	}
	return sections, nil
}

// AdvisorySchoolStudentIDs returns the ids of students enrolled in any
// school designated advisory. Only these students can be advisees.
func (r *RosterRepository) AdvisorySchoolStudentIDs(ctx context.Context) (map[int64]struct{}, error) {
	const query = `SELECT DISTINCT ss.student_id
        FROM student_schools ss
        JOIN advisory_schools advs ON advs.school_id = ss.school_id
        JOIN schools s ON s.id = ss.school_id
        WHERE s.active = TRUE`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list advisory school students: %w", err)
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// dateOnly truncates a timestamp to its date in UTC. Slot dates and
// enrollment ranges compare at day precision.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
