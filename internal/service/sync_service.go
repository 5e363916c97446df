package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/internal/models"
	"github.com/rectory-school/enrichment-api/internal/sis"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

// OneRoster endpoints relative to the configured API base.
const (
	endpointSchools     = "/schools"
	endpointCourses     = "/courses"
	endpointClasses     = "/classes"
	endpointTeachers    = "/teachers"
	endpointStudents    = "/students"
	endpointEnrollments = "/enrollments"
)

// ErrSyncNotReady reports the reconciler's interval has not elapsed yet.
var ErrSyncNotReady = errors.New("sync interval has not elapsed")

// ErrSyncDisabled reports the config row has the sync turned off.
var ErrSyncDisabled = errors.New("sync is disabled")

type rosterFetcher interface {
	Get(ctx context.Context, endpoint string) (map[string]sis.Record, error)
}

type syncStore interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	LockConfig(ctx context.Context, tx *sqlx.Tx) (*models.SyncConfig, error)
	MarkAttempt(ctx context.Context, tx *sqlx.Tx, at time.Time) error

	AllSchools(ctx context.Context, tx *sqlx.Tx) ([]models.School, error)
	UpsertSchool(ctx context.Context, tx *sqlx.Tx, row *models.School) error
	AllCourses(ctx context.Context, tx *sqlx.Tx) ([]models.Course, error)
	UpsertCourse(ctx context.Context, tx *sqlx.Tx, row *models.Course) error
	AllClasses(ctx context.Context, tx *sqlx.Tx) ([]models.Class, error)
	UpsertClass(ctx context.Context, tx *sqlx.Tx, row *models.Class) error
	AllTeachers(ctx context.Context, tx *sqlx.Tx) ([]models.Teacher, error)
	UpsertTeacher(ctx context.Context, tx *sqlx.Tx, row *models.Teacher) error
	AllStudents(ctx context.Context, tx *sqlx.Tx) ([]models.Student, error)
	UpsertStudent(ctx context.Context, tx *sqlx.Tx, row *models.Student) error
	AllTeacherEnrollments(ctx context.Context, tx *sqlx.Tx) ([]models.TeacherEnrollment, error)
	UpsertTeacherEnrollment(ctx context.Context, tx *sqlx.Tx, row *models.TeacherEnrollment) error
	AllStudentEnrollments(ctx context.Context, tx *sqlx.Tx) ([]models.StudentEnrollment, error)
	UpsertStudentEnrollment(ctx context.Context, tx *sqlx.Tx, row *models.StudentEnrollment) error
	SoftDelete(ctx context.Context, tx *sqlx.Tx, table string, id int64) error

	TeacherSchoolIDs(ctx context.Context, tx *sqlx.Tx) (map[int64][]int64, error)
	StudentSchoolIDs(ctx context.Context, tx *sqlx.Tx) (map[int64][]int64, error)
	SetTeacherSchools(ctx context.Context, tx *sqlx.Tx, teacherID int64, schoolIDs []int64) error
	SetStudentSchools(ctx context.Context, tx *sqlx.Tx, studentID int64, schoolIDs []int64) error
}

// SyncResult counts the writes a reconcile performed. A re-sync of an
// unchanged snapshot reports zero everywhere.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// SyncService reconciles the local SIS projection against the OneRoster
// API. Remote sourcedId is the authoritative key; locally missing rows are
// added, matches are written only on field diffs, and remote-missing rows
// are soft deleted so historical signups stay joinable.
type SyncService struct {
	store    syncStore
	client   rosterFetcher
	interval time.Duration
	logger   *zap.Logger

	now func() time.Time
}

// NewSyncService constructs the service.
func NewSyncService(store syncStore, client rosterFetcher, interval time.Duration, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &SyncService{
		store:    store,
		client:   client,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// AutoSync runs one gated reconcile. The config row is locked for the whole
// run so only one reconcile is in flight; when the run fails the attempt
// stamp is still recorded so the interval backoff holds.
func (s *SyncService) AutoSync(ctx context.Context, force bool) (SyncResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	defer tx.Rollback()

	cfg, err := s.store.LockConfig(ctx, tx)
	if err != nil {
		return SyncResult{}, err
	}
	if !force {
		if !cfg.SyncEnabled {
			return SyncResult{}, ErrSyncDisabled
		}
		if next := cfg.NextSync(s.interval); s.now().Before(next) {
			return SyncResult{}, ErrSyncNotReady
		}
	}
	if err := s.store.MarkAttempt(ctx, tx, s.now()); err != nil {
		return SyncResult{}, err
	}

	result, err := s.reconcile(ctx, tx)
	if err != nil {
		tx.Rollback()
		s.recordAttempt(ctx)
		return SyncResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, err
	}

	s.logger.Info("sis sync finished",
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed))
	return result, nil
}

// recordAttempt stamps last_sync_attempt after a failed run whose
// transaction rolled back.
func (s *SyncService) recordAttempt(ctx context.Context) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Error("record sync attempt failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if _, err := s.store.LockConfig(ctx, tx); err != nil {
		s.logger.Error("record sync attempt failed", zap.Error(err))
		return
	}
	if err := s.store.MarkAttempt(ctx, tx, s.now()); err != nil {
		s.logger.Error("record sync attempt failed", zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("record sync attempt failed", zap.Error(err))
	}
}

// reconcile syncs every entity type in dependency order inside one
// transaction.
func (s *SyncService) reconcile(ctx context.Context, tx *sqlx.Tx) (SyncResult, error) {
	var result SyncResult

	schools, err := s.syncSchools(ctx, tx, &result)
	if err != nil {
		return result, err
	}
	courses, err := s.syncCourses(ctx, tx, &result)
	if err != nil {
		return result, err
	}
	classes, err := s.syncClasses(ctx, tx, schools, courses, &result)
	if err != nil {
		return result, err
	}
	teachers, err := s.syncTeachers(ctx, tx, schools, &result)
	if err != nil {
		return result, err
	}
	students, err := s.syncStudents(ctx, tx, schools, &result)
	if err != nil {
		return result, err
	}
	if err := s.syncEnrollments(ctx, tx, schools, classes, teachers, students, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (s *SyncService) syncSchools(ctx context.Context, tx *sqlx.Tx, result *SyncResult) (map[string]int64, error) {
	remote, err := s.client.Get(ctx, endpointSchools)
	if err != nil {
		return nil, err
	}
	local, err := s.store.AllSchools(ctx, tx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.School, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	ids := make(map[string]int64, len(remote))
	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		desired := models.School{
			SISID:  sisID,
			Name:   record.String("name"),
			Active: record.Active(),
		}
		existing, ok := byID[sisID]
		if ok {
			desired.ID = existing.ID
			if existing == desired {
				ids[sisID] = existing.ID
				continue
			}
			result.Updated++
		} else {
			result.Added++
		}
		if err := s.store.UpsertSchool(ctx, tx, &desired); err != nil {
			return nil, err
		}
		ids[sisID] = desired.ID
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "schools", row.ID); err != nil {
			return nil, err
		}
		result.Removed++
	}
	return ids, nil
}

func (s *SyncService) syncCourses(ctx context.Context, tx *sqlx.Tx, result *SyncResult) (map[string]int64, error) {
	remote, err := s.client.Get(ctx, endpointCourses)
	if err != nil {
		return nil, err
	}
	local, err := s.store.AllCourses(ctx, tx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Course, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	ids := make(map[string]int64, len(remote))
	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		desired := models.Course{
			SISID:  sisID,
			Title:  record.String("title"),
			Active: record.Active(),
		}
		existing, ok := byID[sisID]
		if ok {
			desired.ID = existing.ID
			if existing == desired {
				ids[sisID] = existing.ID
				continue
			}
			result.Updated++
		} else {
			result.Added++
		}
		if err := s.store.UpsertCourse(ctx, tx, &desired); err != nil {
			return nil, err
		}
		ids[sisID] = desired.ID
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "courses", row.ID); err != nil {
			return nil, err
		}
		result.Removed++
	}
	return ids, nil
}

func (s *SyncService) syncClasses(ctx context.Context, tx *sqlx.Tx, schools, courses map[string]int64, result *SyncResult) (map[string]int64, error) {
	remote, err := s.client.Get(ctx, endpointClasses)
	if err != nil {
		return nil, err
	}
	local, err := s.store.AllClasses(ctx, tx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Class, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	ids := make(map[string]int64, len(remote))
	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		schoolID, ok := schools[record.RefID("school")]
		if !ok {
			return nil, fmt.Errorf("class %s references unknown school %q", sisID, record.RefID("school"))
		}
		courseID, ok := courses[record.RefID("course")]
		if !ok {
			return nil, fmt.Errorf("class %s references unknown course %q", sisID, record.RefID("course"))
		}

		desired := models.Class{
			SISID:    sisID,
			Title:    record.String("title"),
			SchoolID: schoolID,
			CourseID: courseID,
			Active:   record.Active(),
		}
		existing, ok := byID[sisID]
		if ok {
			desired.ID = existing.ID
			if existing == desired {
				ids[sisID] = existing.ID
				continue
			}
			result.Updated++
		} else {
			result.Added++
		}
		if err := s.store.UpsertClass(ctx, tx, &desired); err != nil {
			return nil, err
		}
		ids[sisID] = desired.ID
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "classes", row.ID); err != nil {
			return nil, err
		}
		result.Removed++
	}
	return ids, nil
}

func (s *SyncService) syncTeachers(ctx context.Context, tx *sqlx.Tx, schools map[string]int64, result *SyncResult) (map[string]int64, error) {
	remote, err := s.client.Get(ctx, endpointTeachers)
	if err != nil {
		return nil, err
	}
	local, err := s.store.AllTeachers(ctx, tx)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.TeacherSchoolIDs(ctx, tx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Teacher, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	ids := make(map[string]int64, len(remote))
	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		desired := models.Teacher{
			SISID:      sisID,
			GivenName:  record.String("givenName"),
			FamilyName: record.String("familyName"),
			Email:      record.String("email"),
			Active:     record.Active(),
		}

		existing, hasExisting := byID[sisID]
		if hasExisting {
			desired.ID = existing.ID
			// Locally administered fields never participate in the diff.
			desired.Honorific = existing.Honorific
			desired.FormalNameOverride = existing.FormalNameOverride
			if existing != desired {
				result.Updated++
				if err := s.store.UpsertTeacher(ctx, tx, &desired); err != nil {
					return nil, err
				}
			}
		} else {
			result.Added++
			if err := s.store.UpsertTeacher(ctx, tx, &desired); err != nil {
				return nil, err
			}
		}
		ids[sisID] = desired.ID

		wantSchools := resolveOrgIDs(record, schools)
		if !sameIDSet(memberships[desired.ID], wantSchools) {
			if err := s.store.SetTeacherSchools(ctx, tx, desired.ID, wantSchools); err != nil {
				return nil, err
			}
			result.Updated++
		}
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "teachers", row.ID); err != nil {
			return nil, err
		}
		result.Removed++
	}
	return ids, nil
}

func (s *SyncService) syncStudents(ctx context.Context, tx *sqlx.Tx, schools map[string]int64, result *SyncResult) (map[string]int64, error) {
	remote, err := s.client.Get(ctx, endpointStudents)
	if err != nil {
		return nil, err
	}
	local, err := s.store.AllStudents(ctx, tx)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.StudentSchoolIDs(ctx, tx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Student, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	ids := make(map[string]int64, len(remote))
	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		desired := models.Student{
			SISID:      sisID,
			GivenName:  record.String("givenName"),
			FamilyName: record.String("familyName"),
			Email:      record.String("email"),
			Grade:      record.Metadata("grade"),
			Active:     record.Active(),
		}

		existing, hasExisting := byID[sisID]
		if hasExisting {
			desired.ID = existing.ID
			desired.Nickname = existing.Nickname
			if existing != desired {
				result.Updated++
				if err := s.store.UpsertStudent(ctx, tx, &desired); err != nil {
					return nil, err
				}
			}
		} else {
			result.Added++
			if err := s.store.UpsertStudent(ctx, tx, &desired); err != nil {
				return nil, err
			}
		}
		ids[sisID] = desired.ID

		wantSchools := resolveOrgIDs(record, schools)
		if !sameIDSet(memberships[desired.ID], wantSchools) {
			if err := s.store.SetStudentSchools(ctx, tx, desired.ID, wantSchools); err != nil {
				return nil, err
			}
			result.Updated++
		}
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "students", row.ID); err != nil {
			return nil, err
		}
		result.Removed++
	}
	return ids, nil
}

// syncEnrollments pulls the single enrollments endpoint and splits it by
// role before reconciling either table.
func (s *SyncService) syncEnrollments(ctx context.Context, tx *sqlx.Tx, schools, classes, teachers, students map[string]int64, result *SyncResult) error {
	remote, err := s.client.Get(ctx, endpointEnrollments)
	if err != nil {
		return err
	}

	teacherRemote := make(map[string]sis.Record)
	studentRemote := make(map[string]sis.Record)
	for sisID, record := range remote {
		switch record.String("role") {
		case "teacher":
			teacherRemote[sisID] = record
		case "student":
			studentRemote[sisID] = record
		}
	}

	if err := s.syncTeacherEnrollments(ctx, tx, teacherRemote, schools, classes, teachers, result); err != nil {
		return err
	}
	return s.syncStudentEnrollments(ctx, tx, studentRemote, schools, classes, students, result)
}

func (s *SyncService) syncTeacherEnrollments(ctx context.Context, tx *sqlx.Tx, remote map[string]sis.Record, schools, classes, teachers map[string]int64, result *SyncResult) error {
	local, err := s.store.AllTeacherEnrollments(ctx, tx)
	if err != nil {
		return err
	}

	byID := make(map[string]models.TeacherEnrollment, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		teacherID, ok := teachers[record.RefID("user")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown teacher %q", sisID, record.RefID("user"))
		}
		sectionID, ok := classes[record.RefID("class")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown class %q", sisID, record.RefID("class"))
		}
		schoolID, ok := schools[record.RefID("school")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown school %q", sisID, record.RefID("school"))
		}
		begin, end, err := enrollmentDates(record)
		if err != nil {
			return fmt.Errorf("enrollment %s: %w", sisID, err)
		}

		desired := models.TeacherEnrollment{
			SISID:     sisID,
			TeacherID: teacherID,
			SectionID: sectionID,
			SchoolID:  schoolID,
			BeginDate: begin,
			EndDate:   end,
			Active:    record.Active(),
		}
		existing, ok := byID[sisID]
		if ok {
			desired.ID = existing.ID
			if existing.TeacherID == desired.TeacherID && existing.SectionID == desired.SectionID &&
				existing.SchoolID == desired.SchoolID && existing.BeginDate.Equal(desired.BeginDate) &&
				existing.EndDate.Equal(desired.EndDate) && existing.Active == desired.Active {
				continue
			}
			result.Updated++
		} else {
			result.Added++
		}
		if err := s.store.UpsertTeacherEnrollment(ctx, tx, &desired); err != nil {
			return err
		}
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "teacher_enrollments", row.ID); err != nil {
			return err
		}
		result.Removed++
	}
	return nil
}

func (s *SyncService) syncStudentEnrollments(ctx context.Context, tx *sqlx.Tx, remote map[string]sis.Record, schools, classes, students map[string]int64, result *SyncResult) error {
	local, err := s.store.AllStudentEnrollments(ctx, tx)
	if err != nil {
		return err
	}

	byID := make(map[string]models.StudentEnrollment, len(local))
	for _, row := range local {
		byID[row.SISID] = row
	}

	for _, sisID := range sortedRecordKeys(remote) {
		record := remote[sisID]
		studentID, ok := students[record.RefID("user")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown student %q", sisID, record.RefID("user"))
		}
		sectionID, ok := classes[record.RefID("class")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown class %q", sisID, record.RefID("class"))
		}
		schoolID, ok := schools[record.RefID("school")]
		if !ok {
			return fmt.Errorf("enrollment %s references unknown school %q", sisID, record.RefID("school"))
		}
		begin, end, err := enrollmentDates(record)
		if err != nil {
			return fmt.Errorf("enrollment %s: %w", sisID, err)
		}

		desired := models.StudentEnrollment{
			SISID:     sisID,
			StudentID: studentID,
			SectionID: sectionID,
			SchoolID:  schoolID,
			BeginDate: begin,
			EndDate:   end,
			Active:    record.Active(),
		}
		existing, ok := byID[sisID]
		if ok {
			desired.ID = existing.ID
			if existing.StudentID == desired.StudentID && existing.SectionID == desired.SectionID &&
				existing.SchoolID == desired.SchoolID && existing.BeginDate.Equal(desired.BeginDate) &&
				existing.EndDate.Equal(desired.EndDate) && existing.Active == desired.Active {
				continue
			}
			result.Updated++
		} else {
			result.Added++
		}
		if err := s.store.UpsertStudentEnrollment(ctx, tx, &desired); err != nil {
			return err
		}
	}

	for _, row := range local {
		if _, ok := remote[row.SISID]; ok {
			continue
		}
		if !row.Active {
			continue
		}
		if err := s.store.SoftDelete(ctx, tx, "student_enrollments", row.ID); err != nil {
			return err
		}
		result.Removed++
	}
	return nil
}

// IsNotConfigured reports whether err marks missing SIS settings.
func IsNotConfigured(err error) bool {
	var appErr *appErrors.Error
	return errors.As(err, &appErr) && appErr.Code == appErrors.ErrSyncNotConfigured.Code
}

func enrollmentDates(record sis.Record) (time.Time, time.Time, error) {
	begin, err := time.Parse("2006-01-02", record.String("beginDate"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse beginDate: %w", err)
	}
	end, err := time.Parse("2006-01-02", record.String("endDate"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse endDate: %w", err)
	}
	return begin, end, nil
}

// resolveOrgIDs maps the record's orgs onto known local school ids. Unknown
// orgs are skipped; schools outside the roster feed cannot be memberships.
func resolveOrgIDs(record sis.Record, schools map[string]int64) []int64 {
	var out []int64
	for _, orgID := range record.OrgIDs() {
		if id, ok := schools[orgID]; ok {
			out = append(out, id)
		}
	}
	return out
}

func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int64(nil), a...)
	bs := append([]int64(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedRecordKeys(records map[string]sis.Record) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
