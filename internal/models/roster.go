package models

import "time"

// School is a school building in the SIS projection.
type School struct {
	ID     int64  `db:"id" json:"id"`
	SISID  string `db:"sis_id" json:"sis_id"`
	Name   string `db:"name" json:"name"`
	Active bool   `db:"active" json:"active"`
}

// Course is a course in the SIS projection.
type Course struct {
	ID     int64  `db:"id" json:"id"`
	SISID  string `db:"sis_id" json:"sis_id"`
	Title  string `db:"title" json:"title"`
	Active bool   `db:"active" json:"active"`
}

// Class is a section: a scheduled instance of a course at a school.
type Class struct {
	ID       int64  `db:"id" json:"id"`
	SISID    string `db:"sis_id" json:"sis_id"`
	Title    string `db:"title" json:"title"`
	CourseID int64  `db:"course_id" json:"course_id"`
	SchoolID int64  `db:"school_id" json:"school_id"`
	Active   bool   `db:"active" json:"active"`
}

// Teacher is an instructor in the SIS projection. Immutable within a request.
type Teacher struct {
	ID                 int64  `db:"id" json:"id"`
	SISID              string `db:"sis_id" json:"sis_id"`
	GivenName          string `db:"given_name" json:"given_name"`
	FamilyName         string `db:"family_name" json:"family_name"`
	Email              string `db:"email" json:"email"`
	Honorific          string `db:"honorific" json:"honorific"`
	FormalNameOverride string `db:"formal_name_override" json:"formal_name_override"`
	Active             bool   `db:"active" json:"active"`
}

// FullName returns the given-then-family display form.
func (t Teacher) FullName() string {
	return t.GivenName + " " + t.FamilyName
}

// FormalName returns the override when present, then honorific plus family
// name, then the full name.
func (t Teacher) FormalName() string {
	if t.FormalNameOverride != "" {
		return t.FormalNameOverride
	}
	if t.Honorific != "" {
		return t.Honorific + " " + t.FamilyName
	}
	return t.FullName()
}

// Student is a learner in the SIS projection. Immutable within a request.
type Student struct {
	ID         int64  `db:"id" json:"id"`
	SISID      string `db:"sis_id" json:"sis_id"`
	GivenName  string `db:"given_name" json:"given_name"`
	FamilyName string `db:"family_name" json:"family_name"`
	Nickname   string `db:"nickname" json:"nickname"`
	Email      string `db:"email" json:"email"`
	Grade      string `db:"grade" json:"grade"`
	Active     bool   `db:"active" json:"active"`
}

// DisplayName prefers the nickname over the given name.
func (s Student) DisplayName() string {
	if s.Nickname != "" {
		return s.Nickname + " " + s.FamilyName
	}
	return s.GivenName + " " + s.FamilyName
}

// SortKey orders students by family name, then nickname-or-given-name.
func (s Student) SortKey() (string, string) {
	if s.Nickname != "" {
		return s.FamilyName, s.Nickname
	}
	return s.FamilyName, s.GivenName
}

// TeacherEnrollment places a teacher on a section for an inclusive date range.
type TeacherEnrollment struct {
	ID        int64     `db:"id" json:"id"`
	SISID     string    `db:"sis_id" json:"sis_id"`
	TeacherID int64     `db:"teacher_id" json:"teacher_id"`
	SectionID int64     `db:"section_id" json:"section_id"`
	SchoolID  int64     `db:"school_id" json:"school_id"`
	BeginDate time.Time `db:"begin_date" json:"begin_date"`
	EndDate   time.Time `db:"end_date" json:"end_date"`
	Active    bool      `db:"active" json:"active"`
}

// Covers reports whether the enrollment's range contains d. Both endpoints
// are inclusive.
func (e TeacherEnrollment) Covers(d time.Time) bool {
	return !d.Before(e.BeginDate) && !d.After(e.EndDate)
}

// StudentEnrollment places a student in a section for an inclusive date range.
type StudentEnrollment struct {
	ID        int64     `db:"id" json:"id"`
	SISID     string    `db:"sis_id" json:"sis_id"`
	StudentID int64     `db:"student_id" json:"student_id"`
	SectionID int64     `db:"section_id" json:"section_id"`
	SchoolID  int64     `db:"school_id" json:"school_id"`
	BeginDate time.Time `db:"begin_date" json:"begin_date"`
	EndDate   time.Time `db:"end_date" json:"end_date"`
	Active    bool      `db:"active" json:"active"`
}

// Covers reports whether the enrollment's range contains d. Both endpoints
// are inclusive.
func (e StudentEnrollment) Covers(d time.Time) bool {
	return !d.Before(e.BeginDate) && !d.After(e.EndDate)
}

// AdviseePair links an advisor to one of their advisees.
type AdviseePair struct {
	Teacher Teacher
	Student Student
}

// SyncConfig is the single row gating the SIS reconciler.
type SyncConfig struct {
	ID              int64      `db:"id" json:"id"`
	LastSyncAttempt *time.Time `db:"last_sync_attempt" json:"last_sync_attempt,omitempty"`
	SyncEnabled     bool       `db:"sync_enabled" json:"sync_enabled"`
	SyncASAP        bool       `db:"sync_asap" json:"sync_asap"`
}

// NextSync returns the earliest instant the reconciler may run again.
func (c SyncConfig) NextSync(interval time.Duration) time.Time {
	if c.LastSyncAttempt == nil || c.SyncASAP {
		return time.Time{}
	}
	return c.LastSyncAttempt.Add(interval)
}
