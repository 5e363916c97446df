package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectory-school/enrichment-api/internal/dto"
	"github.com/rectory-school/enrichment-api/internal/middleware"
	"github.com/rectory-school/enrichment-api/internal/models"
	"github.com/rectory-school/enrichment-api/internal/service"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

type fakeAssignService struct {
	err  error
	caps models.Capabilities
	req  service.AssignRequest
}

func (f *fakeAssignService) Assign(_ context.Context, caps models.Capabilities, req service.AssignRequest) error {
	f.caps = caps
	f.req = req
	return f.err
}

type fakeOutcomeRecorder struct {
	outcomes []string
}

func (f *fakeOutcomeRecorder) RecordAssignment(outcome string) {
	f.outcomes = append(f.outcomes, outcome)
}

func assignRouter(svc *fakeAssignService, recorder assignmentRecorder, caps models.Capabilities) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/assign", func(c *gin.Context) {
		c.Set(middleware.ContextCapabilitiesKey, caps)
	}, NewAssignHandler(svc, recorder).Assign)
	return r
}

func postAssign(t *testing.T, r *gin.Engine, body string) (int, dto.AssignResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/assign", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	var resp dto.AssignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestAssignHandler_Success(t *testing.T) {
	svc := &fakeAssignService{}
	recorder := &fakeOutcomeRecorder{}
	caps := models.Capabilities{EditPastLockout: true}
	r := assignRouter(svc, recorder, caps)

	status, resp := postAssign(t, r, `{"slot_id":1,"student_id":10,"option_id":100}`)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Code)
	assert.Equal(t, caps, svc.caps)
	require.NotNil(t, svc.req.OptionID)
	assert.Equal(t, int64(100), *svc.req.OptionID)
	assert.Equal(t, []string{"success"}, recorder.outcomes)
}

func TestAssignHandler_ClearSendsNilOption(t *testing.T) {
	svc := &fakeAssignService{}
	r := assignRouter(svc, nil, models.Capabilities{})

	status, resp := postAssign(t, r, `{"slot_id":1,"student_id":10,"option_id":null}`)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Nil(t, svc.req.OptionID)
}

func TestAssignHandler_MalformedJSON(t *testing.T) {
	recorder := &fakeOutcomeRecorder{}
	r := assignRouter(&fakeAssignService{}, recorder, models.Capabilities{})

	status, resp := postAssign(t, r, `{"slot_id": `)

	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Success)
	assert.Equal(t, dto.CodeJSONParseFailed, resp.Code)
	assert.Equal(t, []string{dto.CodeJSONParseFailed}, recorder.outcomes)
}

func TestAssignHandler_MissingFields(t *testing.T) {
	r := assignRouter(&fakeAssignService{}, nil, models.Capabilities{})

	status, resp := postAssign(t, r, `{"option_id":100}`)

	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Success)
	assert.Equal(t, dto.CodeValidationFailed, resp.Code)
	assert.NotEmpty(t, resp.Errors)
}

func TestAssignHandler_UnknownRowsReportValidationFailed(t *testing.T) {
	svc := &fakeAssignService{err: appErrors.Clone(appErrors.ErrNotFound, "slot not found")}
	r := assignRouter(svc, nil, models.Capabilities{})

	status, resp := postAssign(t, r, `{"slot_id":999,"student_id":10}`)

	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Success)
	assert.Equal(t, dto.CodeValidationFailed, resp.Code)
	assert.Equal(t, []string{"slot not found"}, resp.Errors)
}

func TestAssignHandler_PolicyCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{appErrors.ErrSlotNotEditable, dto.CodeSlotNotEditable},
		{appErrors.ErrOptionNotApplicable, dto.CodeOptionNotApplicable},
		{appErrors.ErrNoAdminLockPermission, dto.CodeNoAdminLockPermission},
		{errors.New("connection refused"), dto.CodeInternalError},
	}

	for _, tc := range cases {
		recorder := &fakeOutcomeRecorder{}
		r := assignRouter(&fakeAssignService{err: tc.err}, recorder, models.Capabilities{})

		status, resp := postAssign(t, r, `{"slot_id":1,"student_id":10}`)

		assert.Equal(t, http.StatusOK, status)
		assert.False(t, resp.Success)
		assert.Equal(t, tc.code, resp.Code)
		assert.Equal(t, []string{tc.code}, recorder.outcomes)
	}
}
