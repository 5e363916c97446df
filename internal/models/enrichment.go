package models

import "time"

// Slot is a single enrichment period on a specific date with a hard edit
// cutoff. Slots are ordered by (date, id).
type Slot struct {
	ID            int64     `db:"id" json:"id"`
	Date          time.Time `db:"date" json:"date"`
	Title         string    `db:"title" json:"title"`
	EditableUntil time.Time `db:"editable_until" json:"editable_until"`
	Active        bool      `db:"active" json:"active"`
}

// Option is a bookable activity led by a teacher during slots within a date
// window.
type Option struct {
	ID          int64      `db:"id" json:"id"`
	TeacherID   int64      `db:"teacher_id" json:"teacher_id"`
	Location    string     `db:"location" json:"location"`
	Description string     `db:"description" json:"description"`
	AdminOnly   bool       `db:"admin_only" json:"admin_only"`
	StartDate   time.Time  `db:"start_date" json:"start_date"`
	EndDate     *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// OptionDetail is an option joined with its teacher and its per-slot rules.
// OnlyAvailableOn is a whitelist when non-empty; NotAvailableOn is a
// blacklist and wins over the whitelist.
type OptionDetail struct {
	Option
	TeacherGivenName  string `db:"teacher_given_name" json:"teacher_given_name"`
	TeacherFamilyName string `db:"teacher_family_name" json:"teacher_family_name"`
	TeacherEmail      string `db:"teacher_email" json:"teacher_email"`

	OnlyAvailableOn   map[int64]struct{} `db:"-" json:"-"`
	NotAvailableOn    map[int64]struct{} `db:"-" json:"-"`
	LocationOverrides map[int64]string   `db:"-" json:"-"`
}

// AvailableOn applies the date-window and whitelist/blacklist rules for a
// single slot. Both window endpoints are inclusive.
func (o OptionDetail) AvailableOn(slot Slot) bool {
	if slot.Date.Before(o.StartDate) {
		return false
	}
	if o.EndDate != nil && slot.Date.After(*o.EndDate) {
		return false
	}
	if len(o.OnlyAvailableOn) > 0 {
		if _, ok := o.OnlyAvailableOn[slot.ID]; !ok {
			return false
		}
	}
	if _, ok := o.NotAvailableOn[slot.ID]; ok {
		return false
	}
	return true
}

// LocationOn returns the per-slot override when present, else the base
// location.
func (o OptionDetail) LocationOn(slotID int64) string {
	if loc, ok := o.LocationOverrides[slotID]; ok {
		return loc
	}
	return o.Location
}

// Signup assigns a student to one option for one slot. At most one exists per
// (slot, student); an unassigned cell is the absence of a row.
type Signup struct {
	ID          int64 `db:"id" json:"id"`
	SlotID      int64 `db:"slot_id" json:"slot_id"`
	StudentID   int64 `db:"student_id" json:"student_id"`
	OptionID    int64 `db:"option_id" json:"option_id"`
	AdminLocked bool  `db:"admin_locked" json:"admin_locked"`
}

// History snapshot types, matching the append-only audit tables.
const (
	HistoryAdded   = "+"
	HistoryChanged = "~"
	HistoryDeleted = "-"
)

// Capabilities is the caller's permission set carried into the grid
// generator and the assignment mutator. Tests supply it directly; the HTTP
// layer derives it from token claims.
type Capabilities struct {
	EditPastLockout     bool `json:"edit_past_lockout"`
	IgnoreAdminLocked   bool `json:"ignore_admin_locked"`
	UseAdminOnlyOptions bool `json:"use_admin_only_options"`
	SetAdminLocked      bool `json:"set_admin_locked"`
}
