package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/response"
	"github.com/stemsi/exstem-sat/internal/service"
	"github.com/stemsi/exstem-sat/internal/validator"
	ws "github.com/stemsi/exstem-sat/internal/websocket"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, api ExamSessionAPI) *websocket.Conn {
	t.Helper()
	return dialLimitedStream(t, api, nil)
}

func dialLimitedStream(t *testing.T, api ExamSessionAPI, limiter SaveLimiter) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	h := NewWSHandler(api, limiter, zerolog.Nop(), nil)
	r := gin.New()
	r.GET("/ws/exams/:exam_id/stream", withClaims(7), h.ExamWebSocketStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/exams/" + testExamID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamAutosaveAndFlag(t *testing.T) {
	api := &fakeSessionAPI{}
	conn := dialStream(t, api)

	choice := "B"
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAutosave, AssignmentID: testAssignmentID, QuestionID: testQuestionID, SelectedChoice: &choice}))
	var saved ws.SavedResponse
	require.NoError(t, conn.ReadJSON(&saved))
	require.Equal(t, ws.EventSaved, saved.Event)
	require.Equal(t, testQuestionID, saved.QuestionID)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionFlag, AssignmentID: testAssignmentID, QuestionID: testQuestionID, SelectedChoice: &choice, IsFlagged: true}))
	require.NoError(t, conn.ReadJSON(&saved))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.saves, 2)
	require.True(t, api.saves[1].IsFlagged)
	require.Equal(t, "B", *api.saves[1].SelectedChoice)
}

func TestStreamRejectsInvalidSave(t *testing.T) {
	conn := dialStream(t, &fakeSessionAPI{})

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAutosave, AssignmentID: "nope"}))
	var errResp ws.ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	require.Equal(t, ws.EventError, errResp.Event)
	require.Equal(t, string(response.ErrValidation), errResp.Code)
}

func TestStreamSubmitAndPing(t *testing.T) {
	api := &fakeSessionAPI{}
	conn := dialStream(t, api)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	var pong ws.PongResponse
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, ws.EventPong, pong.Event)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit, AssignmentID: testAssignmentID}))
	var submitted ws.SubmittedResponse
	require.NoError(t, conn.ReadJSON(&submitted))
	require.Equal(t, ws.EventSubmitted, submitted.Event)
	require.Equal(t, 3, submitted.Results.CorrectAnswers)
}

func TestStreamReportsServiceErrors(t *testing.T) {
	conn := dialStream(t, &fakeSessionAPI{err: service.ErrAlreadySubmitted})

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit, AssignmentID: testAssignmentID}))
	var errResp ws.ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	require.Equal(t, string(response.ErrExamAlreadySubmitted), errResp.Code)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: "dance"}))
	require.NoError(t, conn.ReadJSON(&errResp))
	require.Equal(t, string(response.ErrInvalidPayload), errResp.Code)
}

// quotaLimiter allows a fixed number of saves per student.
type quotaLimiter struct {
	mu    sync.Mutex
	quota int
	seen  map[int]int
}

func (l *quotaLimiter) Allow(_ context.Context, studentID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[int]int)
	}
	l.seen[studentID]++
	return l.seen[studentID] <= l.quota
}

func TestStreamSavesAreRateLimited(t *testing.T) {
	api := &fakeSessionAPI{}
	limiter := &quotaLimiter{quota: 1}
	conn := dialLimitedStream(t, api, limiter)

	choice := "A"
	save := ws.Request{Action: ws.ActionAutosave, AssignmentID: testAssignmentID, QuestionID: testQuestionID, SelectedChoice: &choice}
	require.NoError(t, conn.WriteJSON(save))
	var saved ws.SavedResponse
	require.NoError(t, conn.ReadJSON(&saved))
	require.Equal(t, ws.EventSaved, saved.Event)

	save.Action = ws.ActionFlag
	save.IsFlagged = true
	require.NoError(t, conn.WriteJSON(save))
	var errResp ws.ErrorResponse
	require.NoError(t, conn.ReadJSON(&errResp))
	require.Equal(t, ws.EventError, errResp.Event)
	require.Equal(t, string(response.ErrRateLimitExceeded), errResp.Code)

	// the stream stays open for other actions
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	var pong ws.PongResponse
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, ws.EventPong, pong.Event)

	api.mu.Lock()
	require.Len(t, api.saves, 1)
	api.mu.Unlock()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Equal(t, 2, limiter.seen[7])
}
