// Package handler wires the services to gin endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/rectory-school/enrichment-api/internal/dto"
	"github.com/rectory-school/enrichment-api/internal/middleware"
	"github.com/rectory-school/enrichment-api/internal/models"
	"github.com/rectory-school/enrichment-api/internal/service"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

type assignService interface {
	Assign(ctx context.Context, caps models.Capabilities, req service.AssignRequest) error
}

type assignmentRecorder interface {
	RecordAssignment(outcome string)
}

// AssignHandler exposes the cell mutation endpoint. Every outcome, policy
// refusals included, answers HTTP 200 with a success flag and a stable
// code; only the transport sees non-200 statuses.
type AssignHandler struct {
	assignments assignService
	metrics     assignmentRecorder
	validate    *validator.Validate
}

// NewAssignHandler constructs the handler. metrics may be nil.
func NewAssignHandler(assignments assignService, metrics assignmentRecorder) *AssignHandler {
	return &AssignHandler{
		assignments: assignments,
		metrics:     metrics,
		validate:    validator.New(),
	}
}

// Assign applies one assignment mutation for the authenticated caller.
func (h *AssignHandler) Assign(c *gin.Context) {
	var req dto.AssignRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.reply(c, dto.AssignResponse{
			Success: false,
			Code:    dto.CodeJSONParseFailed,
			Errors:  []string{err.Error()},
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.reply(c, dto.AssignResponse{
			Success: false,
			Code:    dto.CodeValidationFailed,
			Errors:  validationDetail(err),
		})
		return
	}

	caps := middleware.CallerCapabilities(c)
	err := h.assignments.Assign(c.Request.Context(), caps, service.AssignRequest{
		SlotID:    req.SlotID,
		StudentID: req.StudentID,
		OptionID:  req.OptionID,
		AdminLock: req.AdminLock,
	})
	if err != nil {
		h.reply(c, h.failure(err))
		return
	}
	h.reply(c, dto.AssignResponse{Success: true})
}

// failure maps a service error to the wire outcome. Missing slots,
// students and options report as validation failures, matching what a
// client can fix by correcting the payload.
func (h *AssignHandler) failure(err error) dto.AssignResponse {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case appErrors.ErrNotFound.Code:
			return dto.AssignResponse{
				Success: false,
				Code:    dto.CodeValidationFailed,
				Errors:  []string{appErr.Message},
			}
		case appErrors.ErrSlotNotEditable.Code:
			return dto.AssignResponse{Success: false, Code: dto.CodeSlotNotEditable}
		case appErrors.ErrOptionNotApplicable.Code:
			return dto.AssignResponse{Success: false, Code: dto.CodeOptionNotApplicable}
		case appErrors.ErrNoAdminLockPermission.Code:
			return dto.AssignResponse{Success: false, Code: dto.CodeNoAdminLockPermission}
		}
	}
	return dto.AssignResponse{Success: false, Code: dto.CodeInternalError}
}

func (h *AssignHandler) reply(c *gin.Context, resp dto.AssignResponse) {
	if h.metrics != nil {
		outcome := resp.Code
		if resp.Success {
			outcome = "success"
		}
		h.metrics.RecordAssignment(outcome)
	}
	c.JSON(http.StatusOK, resp)
}

func validationDetail(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s: failed %s validation", fe.Field(), fe.Tag()))
	}
	return out
}
