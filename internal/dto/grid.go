package dto

import "time"

// GridQuery selects the window and students of a grid projection.
type GridQuery struct {
	Date      time.Time
	Days      int
	StudentID *int64
	AdvisorID *int64
}

// GridOption is one selectable option in a cell.
type GridOption struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	TeacherName string `json:"teacher_name"`
	Location    string `json:"location"`
	AdminOnly   bool   `json:"admin_only"`
}

// GridCell is the per-(student, slot) projection for template rendering.
type GridCell struct {
	SlotID           int64        `json:"slot_id"`
	StudentID        int64        `json:"student_id"`
	CurrentOption    *GridOption  `json:"current_option,omitempty"`
	AdminLocked      bool         `json:"admin_locked"`
	Editable         bool         `json:"editable"`
	PreferredOptions []GridOption `json:"preferred_options"`
	RemainingOptions []GridOption `json:"remaining_options"`
}

// GridSlot is one column header.
type GridSlot struct {
	ID            int64     `json:"id"`
	Date          time.Time `json:"date"`
	Title         string    `json:"title"`
	EditableUntil time.Time `json:"editable_until"`
}

// GridStudent is one row header.
type GridStudent struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Grade       string `json:"grade"`
}

// GridRow is one student and their cells in slot order.
type GridRow struct {
	Student GridStudent `json:"student"`
	Cells   []GridCell  `json:"cells"`
}

// GridResponse is the read-only grid projection.
type GridResponse struct {
	Slots []GridSlot `json:"slots"`
	Rows  []GridRow  `json:"rows"`
}
