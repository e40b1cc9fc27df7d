// Package examclient implements the exam-taking ports over the student exam API.
package examclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/response"
	"github.com/stemsi/exstem-sat/internal/takeexam"
)

const maxBodyBytes = 8 << 20

var (
	_ takeexam.ExamProvider     = (*Client)(nil)
	_ takeexam.AnswerPersister  = (*Client)(nil)
	_ takeexam.SubmissionAPI    = (*Client)(nil)
	_ takeexam.ModuleFetcher    = (*Client)(nil)
	_ takeexam.ProgressRecorder = (*Client)(nil)
	_ takeexam.Scorer           = (*Client)(nil)
)

// APIError is a non-2xx reply carrying the envelope error code.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("exam api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("exam api: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap exposes the matching core sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case response.ErrExamNotFound:
		return takeexam.ErrExamNotFound
	case response.ErrNotAssigned, response.ErrStudentAccessOnly,
		response.ErrTokenRequired, response.ErrTokenInvalid, response.ErrTokenExpired:
		return takeexam.ErrUnauthorized
	case response.ErrModuleNotFound:
		return takeexam.ErrModuleNotFound
	case response.ErrExamAlreadySubmitted:
		return takeexam.ErrAlreadySubmitted
	case response.ErrSubmissionInProgress:
		return takeexam.ErrSubmissionInFlight
	}
	if e.Code != "" {
		return nil
	}
	switch e.Status {
	case http.StatusNotFound:
		return takeexam.ErrExamNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return takeexam.ErrUnauthorized
	}
	return nil
}

// Client talks to one exam on behalf of one student.
type Client struct {
	baseURL string
	token   string
	examID  takeexam.ExamID
	http    *http.Client
	log     zerolog.Logger
}

// New creates a client bound to examID. baseURL has no trailing slash.
func New(baseURL, token string, examID takeexam.ExamID, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		examID:  examID,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "exam_client").Logger(),
	}
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

type sessionBody struct {
	ExamTree             *takeexam.ExamTree              `json:"exam_tree"`
	AssignmentID         string                          `json:"assignment_id"`
	TimeRemainingSeconds *int                            `json:"time_remaining_seconds"`
	SavedAnswers         map[string]takeexam.SavedAnswer `json:"saved_answers"`
	CurrentModuleID      *string                         `json:"current_module_id"`
}

type moduleScore struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

// LoadSession fetches the tree, saved answers and remaining time.
func (c *Client) LoadSession(ctx context.Context, examID takeexam.ExamID) (*takeexam.Bootstrap, error) {
	var body sessionBody
	if err := c.do(ctx, http.MethodGet, c.examPath(examID, "/session"), nil, &body); err != nil {
		return nil, err
	}
	if body.ExamTree == nil {
		return nil, fmt.Errorf("load session: %w", takeexam.ErrExamNotFound)
	}

	saved := make(map[takeexam.BaseQuestionID]takeexam.SavedAnswer, len(body.SavedAnswers))
	for id, a := range body.SavedAnswers {
		saved[takeexam.BaseQuestionID(id)] = a
	}
	var current takeexam.ModuleID
	if body.CurrentModuleID != nil {
		current = takeexam.ModuleID(*body.CurrentModuleID)
	}

	return &takeexam.Bootstrap{
		Tree:                 body.ExamTree,
		AssignmentID:         takeexam.AssignmentID(body.AssignmentID),
		TimeRemainingSeconds: body.TimeRemainingSeconds,
		SavedAnswers:         saved,
		CurrentModuleID:      current,
	}, nil
}

// SaveAnswer upserts one answer and flag.
func (c *Client) SaveAnswer(ctx context.Context, assignmentID takeexam.AssignmentID, rec takeexam.AnswerRecord) error {
	req := map[string]any{
		"assignment_id":   assignmentID,
		"question_id":     rec.BaseQuestionID,
		"selected_choice": rec.SelectedChoice,
		"is_flagged":      rec.IsFlagged,
	}
	return c.do(ctx, http.MethodPost, c.examPath(c.examID, "/answers"), req, nil)
}

// Submit finalizes the attempt.
func (c *Client) Submit(ctx context.Context, assignmentID takeexam.AssignmentID) (*takeexam.Results, error) {
	var res takeexam.Results
	req := map[string]any{"assignment_id": assignmentID}
	if err := c.do(ctx, http.MethodPost, c.examPath(c.examID, "/submit"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FetchModule loads an adaptive module that was not in the initial tree.
func (c *Client) FetchModule(ctx context.Context, examID takeexam.ExamID, moduleID takeexam.ModuleID) (*takeexam.Module, error) {
	var m takeexam.Module
	path := c.examPath(examID, "/modules/"+url.PathEscape(string(moduleID)))
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordProgress remembers the module the student is in.
func (c *Client) RecordProgress(ctx context.Context, assignmentID takeexam.AssignmentID, moduleID takeexam.ModuleID) error {
	req := map[string]any{"assignment_id": assignmentID, "module_id": moduleID}
	return c.do(ctx, http.MethodPut, c.examPath(c.examID, "/progress"), req, nil)
}

// ScoreModule grades a module on the server, which holds the answer key.
// The lookup is not sent; the server scores what it has received.
func (c *Client) ScoreModule(ctx context.Context, assignmentID takeexam.AssignmentID, m *takeexam.Module, _ takeexam.AnswerLookup) (int, error) {
	var res moduleScore
	path := c.examPath(c.examID, "/modules/"+url.PathEscape(string(m.ID))+"/score")
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"assignment_id": assignmentID}, &res); err != nil {
		return 0, err
	}
	c.log.Debug().Str("module_id", string(m.ID)).Int("score", res.Score).Int("total", res.Total).Msg("Module scored")
	return res.Score, nil
}

// Retake resets a completed attempt when the exam allows it.
func (c *Client) Retake(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.examPath(c.examID, "/retake"), nil, nil)
}

func (c *Client) examPath(examID takeexam.ExamID, suffix string) string {
	return "/api/v1/student/exams/" + url.PathEscape(string(examID)) + suffix
}

// do sends one request and decodes the envelope data into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
			Str("code", string(apiErr.Code)).Msg("Request rejected")
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}

	if out == nil || len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}
