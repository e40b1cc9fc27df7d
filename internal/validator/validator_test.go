package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stretchr/testify/require"
)

func TestBindTranslatesFieldErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	Setup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"assignment_id":"nope"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req model.SaveAnswerRequest
	fields := Bind(c, &req)
	require.Contains(t, fields, "assignment_id")
	require.Contains(t, fields, "question_id")
	require.Equal(t, "question_id is a required field", fields["question_id"])
}

func TestValidateStruct(t *testing.T) {
	Setup()

	require.Nil(t, Validate(&model.AssignmentRequest{AssignmentID: "5f0c9a8e-1b7e-4a53-9a0e-2c7f5d0e9b11"}))
	require.Contains(t, Validate(&model.AssignmentRequest{}), "assignment_id")
}

func TestBindReportsMalformedJSON(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req model.AssignmentRequest
	require.Contains(t, Bind(c, &req), "detail")
}
