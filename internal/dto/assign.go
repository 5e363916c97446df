// Package dto defines the wire shapes of the HTTP surface.
package dto

// AssignRequest is the cell mutation payload. A null option_id clears the
// cell.
type AssignRequest struct {
	SlotID    int64  `json:"slot_id" validate:"required"`
	StudentID int64  `json:"student_id" validate:"required"`
	OptionID  *int64 `json:"option_id"`
	AdminLock bool   `json:"admin_lock"`
}

// AssignResponse is the mutation outcome. Policy failures carry a stable
// code; validation failures additionally carry field-level detail.
type AssignResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Assignment outcome codes on the wire.
const (
	CodeValidationFailed      = "validation-failed"
	CodeJSONParseFailed       = "json-parse-failed"
	CodeSlotNotEditable       = "slot-not-editable"
	CodeOptionNotApplicable   = "option-not-applicable"
	CodeNoAdminLockPermission = "no-admin-lock-permission"
	CodeInternalError         = "internal-error"
)
