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

// SyncRepository carries the writes of the SIS reconciler: full-table reads
// keyed by sis_id, inserts, diff updates and soft deletes. Rows are never
// hard deleted so historical signups remain joinable.
type SyncRepository struct {
	db *sqlx.DB
}

// NewSyncRepository constructs the repository.
func NewSyncRepository(db *sqlx.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// Begin opens the sync transaction.
func (r *SyncRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync tx: %w", err)
	}
	return tx, nil
}

// LockConfig loads the sync config row under a row-level lock, creating it
// when absent.
func (r *SyncRepository) LockConfig(ctx context.Context, tx *sqlx.Tx) (*models.SyncConfig, error) {
	const query = `SELECT id, last_sync_attempt, sync_enabled, sync_asap FROM sync_config WHERE id = 1 FOR UPDATE`
	var cfg models.SyncConfig
	err := tx.GetContext(ctx, &cfg, query)
	if errors.Is(err, sql.ErrNoRows) {
		const insert = `INSERT INTO sync_config (id, sync_enabled, sync_asap) VALUES (1, TRUE, FALSE)
            RETURNING id, last_sync_attempt, sync_enabled, sync_asap`
		if err := tx.GetContext(ctx, &cfg, insert); err != nil {
			return nil, fmt.Errorf("create sync config: %w", err)
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock sync config: %w", err)
	}
	return &cfg, nil
}

// MarkAttempt stamps the attempt time and clears the asap flag.
func (r *SyncRepository) MarkAttempt(ctx context.Context, tx *sqlx.Tx, at time.Time) error {
	const query = `UPDATE sync_config SET last_sync_attempt = $1, sync_asap = FALSE WHERE id = 1`
	if _, err := tx.ExecContext(ctx, query, at); err != nil {
		return fmt.Errorf("mark sync attempt: %w", err)
	}
	return nil
}

// AllSchools returns every school row, active or not.
func (r *SyncRepository) AllSchools(ctx context.Context, tx *sqlx.Tx) ([]models.School, error) {
	var rows []models.School
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, name, active FROM schools`); err != nil {
		return nil, fmt.Errorf("list schools: %w", err)
	}
	return rows, nil
}

// UpsertSchool inserts or updates by sis_id and returns the local id.
func (r *SyncRepository) UpsertSchool(ctx context.Context, tx *sqlx.Tx, row *models.School) error {
	const query = `INSERT INTO schools (sis_id, name, active) VALUES ($1, $2, $3)
        ON CONFLICT (sis_id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.Name, row.Active); err != nil {
		return fmt.Errorf("upsert school: %w", err)
	}
	return nil
}

// AllCourses returns every course row.
func (r *SyncRepository) AllCourses(ctx context.Context, tx *sqlx.Tx) ([]models.Course, error) {
	var rows []models.Course
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, title, active FROM courses`); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return rows, nil
}

// UpsertCourse inserts or updates by sis_id.
func (r *SyncRepository) UpsertCourse(ctx context.Context, tx *sqlx.Tx, row *models.Course) error {
	const query = `INSERT INTO courses (sis_id, title, active) VALUES ($1, $2, $3)
        ON CONFLICT (sis_id) DO UPDATE SET title = EXCLUDED.title, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.Title, row.Active); err != nil {
		return fmt.Errorf("upsert course: %w", err)
	}
	return nil
}

// AllClasses returns every class row.
func (r *SyncRepository) AllClasses(ctx context.Context, tx *sqlx.Tx) ([]models.Class, error) {
	var rows []models.Class
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, title, course_id, school_id, active FROM classes`); err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return rows, nil
}

// UpsertClass inserts or updates by sis_id.
func (r *SyncRepository) UpsertClass(ctx context.Context, tx *sqlx.Tx, row *models.Class) error {
	const query = `INSERT INTO classes (sis_id, title, course_id, school_id, active) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (sis_id) DO UPDATE SET title = EXCLUDED.title, course_id = EXCLUDED.course_id,
            school_id = EXCLUDED.school_id, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.Title, row.CourseID, row.SchoolID, row.Active); err != nil {
		return fmt.Errorf("upsert class: %w", err)
	}
	return nil
}

// AllTeachers returns every teacher row.
func (r *SyncRepository) AllTeachers(ctx context.Context, tx *sqlx.Tx) ([]models.Teacher, error) {
	var rows []models.Teacher
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, given_name, family_name, email, honorific, formal_name_override, active FROM teachers`); err != nil {
		return nil, fmt.Errorf("list teachers: %w", err)
	}
	return rows, nil
}

// UpsertTeacher inserts or updates by sis_id. The honorific and the formal
// name override are locally administered and never written by the sync.
func (r *SyncRepository) UpsertTeacher(ctx context.Context, tx *sqlx.Tx, row *models.Teacher) error {
	const query = `INSERT INTO teachers (sis_id, given_name, family_name, email, honorific, formal_name_override, active)
        VALUES ($1, $2, $3, $4, '', '', $5)
        ON CONFLICT (sis_id) DO UPDATE SET given_name = EXCLUDED.given_name, family_name = EXCLUDED.family_name,
            email = EXCLUDED.email, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.GivenName, row.FamilyName, row.Email, row.Active); err != nil {
		return fmt.Errorf("upsert teacher: %w", err)
	}
	return nil
}

// AllStudents returns every student row.
func (r *SyncRepository) AllStudents(ctx context.Context, tx *sqlx.Tx) ([]models.Student, error) {
	var rows []models.Student
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, given_name, family_name, nickname, email, grade, active FROM students`); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return rows, nil
}

// UpsertStudent inserts or updates by sis_id. The nickname is locally
// administered and never written by the sync.
func (r *SyncRepository) UpsertStudent(ctx context.Context, tx *sqlx.Tx, row *models.Student) error {
	const query = `INSERT INTO students (sis_id, given_name, family_name, nickname, email, grade, active)
        VALUES ($1, $2, $3, '', $4, $5, $6)
        ON CONFLICT (sis_id) DO UPDATE SET given_name = EXCLUDED.given_name, family_name = EXCLUDED.family_name,
            email = EXCLUDED.email, grade = EXCLUDED.grade, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.GivenName, row.FamilyName, row.Email, row.Grade, row.Active); err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// AllTeacherEnrollments returns every teacher enrollment row.
func (r *SyncRepository) AllTeacherEnrollments(ctx context.Context, tx *sqlx.Tx) ([]models.TeacherEnrollment, error) {
	var rows []models.TeacherEnrollment
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, teacher_id, section_id, school_id, begin_date, end_date, active FROM teacher_enrollments`); err != nil {
		return nil, fmt.Errorf("list teacher enrollments: %w", err)
	}
	return rows, nil
}

// UpsertTeacherEnrollment inserts or updates by sis_id.
func (r *SyncRepository) UpsertTeacherEnrollment(ctx context.Context, tx *sqlx.Tx, row *models.TeacherEnrollment) error {
	const query = `INSERT INTO teacher_enrollments (sis_id, teacher_id, section_id, school_id, begin_date, end_date, active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (sis_id) DO UPDATE SET teacher_id = EXCLUDED.teacher_id, section_id = EXCLUDED.section_id,
            school_id = EXCLUDED.school_id, begin_date = EXCLUDED.begin_date, end_date = EXCLUDED.end_date, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.TeacherID, row.SectionID, row.SchoolID, row.BeginDate, row.EndDate, row.Active); err != nil {
		return fmt.Errorf("upsert teacher enrollment: %w", err)
	}
	return nil
}

// AllStudentEnrollments returns every student enrollment row.
func (r *SyncRepository) AllStudentEnrollments(ctx context.Context, tx *sqlx.Tx) ([]models.StudentEnrollment, error) {
	var rows []models.StudentEnrollment
	if err := tx.SelectContext(ctx, &rows, `SELECT id, sis_id, student_id, section_id, school_id, begin_date, end_date, active FROM student_enrollments`); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return rows, nil
}

// UpsertStudentEnrollment inserts or updates by sis_id.
func (r *SyncRepository) UpsertStudentEnrollment(ctx context.Context, tx *sqlx.Tx, row *models.StudentEnrollment) error {
	const query = `INSERT INTO student_enrollments (sis_id, student_id, section_id, school_id, begin_date, end_date, active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (sis_id) DO UPDATE SET student_id = EXCLUDED.student_id, section_id = EXCLUDED.section_id,
            school_id = EXCLUDED.school_id, begin_date = EXCLUDED.begin_date, end_date = EXCLUDED.end_date, active = EXCLUDED.active
        RETURNING id`
	if err := tx.GetContext(ctx, &row.ID, query, row.SISID, row.StudentID, row.SectionID, row.SchoolID, row.BeginDate, row.EndDate, row.Active); err != nil {
		return fmt.Errorf("upsert student enrollment: %w", err)
	}
	return nil
}

// SoftDelete marks a row inactive by local id.
func (r *SyncRepository) SoftDelete(ctx context.Context, tx *sqlx.Tx, table string, id int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("soft delete %s row: %w", table, err)
	}
	return nil
}

// TeacherSchoolIDs returns the school memberships keyed by teacher id.
func (r *SyncRepository) TeacherSchoolIDs(ctx context.Context, tx *sqlx.Tx) (map[int64][]int64, error) {
	return r.membership(ctx, tx, `SELECT teacher_id AS owner_id, school_id FROM teacher_schools`)
}

// StudentSchoolIDs returns the school memberships keyed by student id.
func (r *SyncRepository) StudentSchoolIDs(ctx context.Context, tx *sqlx.Tx) (map[int64][]int64, error) {
	return r.membership(ctx, tx, `SELECT student_id AS owner_id, school_id FROM student_schools`)
}

// SetTeacherSchools replaces a teacher's school memberships.
func (r *SyncRepository) SetTeacherSchools(ctx context.Context, tx *sqlx.Tx, teacherID int64, schoolIDs []int64) error {
	return r.setMembership(ctx, tx, "teacher_schools", "teacher_id", teacherID, schoolIDs)
}

// SetStudentSchools replaces a student's school memberships.
func (r *SyncRepository) SetStudentSchools(ctx context.Context, tx *sqlx.Tx, studentID int64, schoolIDs []int64) error {
	return r.setMembership(ctx, tx, "student_schools", "student_id", studentID, schoolIDs)
}

type membershipRow struct {
	OwnerID  int64 `db:"owner_id"`
	SchoolID int64 `db:"school_id"`
}

func (r *SyncRepository) membership(ctx context.Context, tx *sqlx.Tx, query string) (map[int64][]int64, error) {
	var rows []membershipRow
	if err := tx.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list school memberships: %w", err)
	}
	out := make(map[int64][]int64)
	for _, row := range rows {
		out[row.OwnerID] = append(out[row.OwnerID], row.SchoolID)
	}
	return out, nil
}

func (r *SyncRepository) setMembership(ctx context.Context, tx *sqlx.Tx, table, ownerColumn string, ownerID int64, schoolIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+ownerColumn+` = $1`, ownerID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, schoolID := range schoolIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (`+ownerColumn+`, school_id) VALUES ($1, $2)`, ownerID, schoolID); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}
