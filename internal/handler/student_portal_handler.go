package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/middleware"
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stemsi/exstem-sat/internal/response"
	"github.com/stemsi/exstem-sat/internal/service"
	"github.com/stemsi/exstem-sat/internal/takeexam"
	"github.com/stemsi/exstem-sat/internal/validator"
)

// ExamSessionAPI is the exam-taking surface of the session service.
type ExamSessionAPI interface {
	GetSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.SessionPayload, error)
	SaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, req *model.SaveAnswerRequest) error
	Submit(ctx context.Context, examID uuid.UUID, studentID int, assignmentID uuid.UUID) (*model.SubmitResult, error)
	GetModule(ctx context.Context, examID uuid.UUID, studentID int, moduleID uuid.UUID) (*takeexam.Module, error)
	ScoreModule(ctx context.Context, examID uuid.UUID, studentID int, moduleID, assignmentID uuid.UUID) (*model.ModuleScore, error)
	RecordProgress(ctx context.Context, examID uuid.UUID, studentID int, assignmentID, moduleID uuid.UUID) error
	Retake(ctx context.Context, examID uuid.UUID, studentID int) error
}

// StudentPortalHandler handles student-facing exam-taking endpoints.
type StudentPortalHandler struct {
	sessionService ExamSessionAPI
	log            zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessionService ExamSessionAPI, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// errorStatus maps service errors to an HTTP status and error code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrExamNotFound
	case errors.Is(err, service.ErrModuleNotFound):
		return http.StatusNotFound, response.ErrModuleNotFound
	case errors.Is(err, service.ErrNotAssigned):
		return http.StatusForbidden, response.ErrNotAssigned
	case errors.Is(err, service.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrExamAlreadySubmitted
	case errors.Is(err, service.ErrSubmissionInFlight):
		return http.StatusConflict, response.ErrSubmissionInProgress
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusConflict, response.ErrExamNotStarted
	case errors.Is(err, service.ErrNotSubmitted):
		return http.StatusConflict, response.ErrExamNotSubmitted
	case errors.Is(err, service.ErrQuestionNotInExam):
		return http.StatusBadRequest, response.ErrQuestionNotInExam
	case errors.Is(err, service.ErrRetakeNotAllowed):
		return http.StatusForbidden, response.ErrRetakeNotAllowed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func (h *StudentPortalHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}

// examParams reads the claims and the exam id shared by every route.
func examParams(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, examID, true
}

func moduleParam(c *gin.Context) (uuid.UUID, bool) {
	moduleID, err := uuid.Parse(c.Param("module_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return moduleID, true
}

// GetSession godoc
// GET /api/v1/student/exams/:exam_id/session
// Returns the exam tree, saved answers and remaining time. Starts the attempt
// on first load and resumes it afterwards.
func (h *StudentPortalHandler) GetSession(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}

	payload, err := h.sessionService.GetSession(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, payload)
}

// SaveAnswer godoc
// POST /api/v1/student/exams/:exam_id/answers
// Idempotent upsert of one answer and flag.
func (h *StudentPortalHandler) SaveAnswer(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.SaveAnswer(c.Request.Context(), examID, claims.UserID, &req); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
// Finalizes the attempt and returns the results.
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}

	var req model.AssignmentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	results, err := h.sessionService.Submit(c.Request.Context(), examID, claims.UserID, uuid.MustParse(req.AssignmentID))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, results)
}

// GetModule godoc
// GET /api/v1/student/exams/:exam_id/modules/:module_id
// Returns one module with its questions for lazy adaptive loading.
func (h *StudentPortalHandler) GetModule(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}
	moduleID, ok := moduleParam(c)
	if !ok {
		return
	}

	module, err := h.sessionService.GetModule(c.Request.Context(), examID, claims.UserID, moduleID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, module)
}

// ScoreModule godoc
// POST /api/v1/student/exams/:exam_id/modules/:module_id/score
// Grades a finished module; the score drives adaptive routing.
func (h *StudentPortalHandler) ScoreModule(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}
	moduleID, ok := moduleParam(c)
	if !ok {
		return
	}

	var req model.AssignmentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	score, err := h.sessionService.ScoreModule(c.Request.Context(), examID, claims.UserID, moduleID, uuid.MustParse(req.AssignmentID))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, score)
}

// RecordProgress godoc
// PUT /api/v1/student/exams/:exam_id/progress
// Records the module the student is in so a reload resumes there.
func (h *StudentPortalHandler) RecordProgress(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}

	var req model.ProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	err := h.sessionService.RecordProgress(c.Request.Context(), examID, claims.UserID,
		uuid.MustParse(req.AssignmentID), uuid.MustParse(req.ModuleID))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "recorded"})
}

// Retake godoc
// POST /api/v1/student/exams/:exam_id/retake
// Clears a completed attempt when the exam allows retakes.
func (h *StudentPortalHandler) Retake(c *gin.Context) {
	claims, examID, ok := examParams(c)
	if !ok {
		return
	}

	if err := h.sessionService.Retake(c.Request.Context(), examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "reset"})
}
