package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/metrics"
	"github.com/stemsi/exstem-sat/internal/middleware"
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stemsi/exstem-sat/internal/response"
	"github.com/stemsi/exstem-sat/internal/validator"
	ws "github.com/stemsi/exstem-sat/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SaveLimiter bounds how often one student may save answers.
type SaveLimiter interface {
	Allow(ctx context.Context, studentID int) bool
}

// WSHandler streams autosave, flag and submit actions over one connection.
type WSHandler struct {
	sessionService ExamSessionAPI
	limiter        SaveLimiter
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. Stream saves share the limiter of
// the REST answer endpoint; a nil limiter disables the check.
func NewWSHandler(sessionService ExamSessionAPI, limiter SaveLimiter, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		limiter:        limiter,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for low-latency autosave and submit.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSConnections().Inc()
	defer metrics.WSConnections().Dec()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx := c.Request.Context()
	for {
		var msg ws.Request
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var werr error
		switch msg.Action {
		case ws.ActionAutosave, ws.ActionFlag:
			werr = h.handleSave(ctx, conn, examID, studentID, &msg)
		case ws.ActionSubmit:
			werr = h.handleSubmit(ctx, conn, wsLog, examID, studentID, &msg)
		case ws.ActionPing:
			werr = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			werr = ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
		if werr != nil {
			wsLog.Debug().Err(werr).Msg("Write failed, closing stream")
			return
		}
	}
}

func (h *WSHandler) writeServiceError(conn *websocket.Conn, err error) error {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Stream action failed")
	}
	return ws.WriteError(conn, string(code), response.GetMessage(code))
}

// handleSave covers both autosave and flag: each carries the full answer state.
func (h *WSHandler) handleSave(ctx context.Context, conn *websocket.Conn, examID uuid.UUID, studentID int, msg *ws.Request) error {
	req := model.SaveAnswerRequest{
		AssignmentID:   msg.AssignmentID,
		QuestionID:     msg.QuestionID,
		SelectedChoice: msg.SelectedChoice,
		IsFlagged:      msg.IsFlagged,
	}
	if fields := validator.Validate(&req); fields != nil {
		return ws.WriteError(conn, string(response.ErrValidation), response.GetMessage(response.ErrValidation))
	}
	if h.limiter != nil && !h.limiter.Allow(ctx, studentID) {
		return ws.WriteError(conn, string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
	}

	if err := h.sessionService.SaveAnswer(ctx, examID, studentID, &req); err != nil {
		return h.writeServiceError(conn, err)
	}
	return ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, QuestionID: req.QuestionID})
}

func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, examID uuid.UUID, studentID int, msg *ws.Request) error {
	assignmentID, err := uuid.Parse(msg.AssignmentID)
	if err != nil {
		return ws.WriteError(conn, string(response.ErrInvalidID), response.GetMessage(response.ErrInvalidID))
	}

	results, err := h.sessionService.Submit(ctx, examID, studentID, assignmentID)
	if err != nil {
		return h.writeServiceError(conn, err)
	}

	wsLog.Info().Int("correct", results.CorrectAnswers).Int("scored", results.ScoredQuestions).Msg("Exam submitted over stream")
	return ws.WriteTyped(conn, ws.SubmittedResponse{Event: ws.EventSubmitted, Results: results})
}
