package examclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/response"
	"github.com/stemsi/exstem-sat/internal/takeexam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	examID       = takeexam.ExamID("11111111-1111-1111-1111-111111111111")
	assignmentID = takeexam.AssignmentID("22222222-2222-2222-2222-222222222222")
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newServer(t *testing.T, routes func(r *gin.Engine, calls *[]recorded)) (*Client, *[]recorded) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	calls := &[]recorded{}
	r.Use(func(c *gin.Context) {
		rec := recorded{method: c.Request.Method, path: c.Request.URL.Path, auth: c.GetHeader("Authorization")}
		if c.Request.ContentLength > 0 {
			_ = json.NewDecoder(c.Request.Body).Decode(&rec.body)
		}
		*calls = append(*calls, rec)
		c.Next()
	})
	routes(r, calls)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", examID, 2*time.Second, zerolog.Nop()), calls
}

const base = "/api/v1/student/exams/" + string(examID)

func TestLoadSessionBuildsBootstrap(t *testing.T) {
	c, calls := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.GET(base+"/session", func(ctx *gin.Context) {
			ctx.Data(http.StatusOK, "application/json", []byte(`{
				"data": {
					"exam_tree": {"id": "`+string(examID)+`", "title": "SAT", "is_adaptive": true,
						"sections": [{"id": "s1", "order": 1, "modules": [{"id": "m1", "order": 1, "module_type": "ROUTING",
							"questions": [{"id": "eq1", "order": 1, "question": {"id": "q1", "question_type": "MULTIPLE_CHOICE"}}]}],
							"variants": [{"id": "m-easy", "difficulty": "EASY"}]}]},
					"assignment_id": "`+string(assignmentID)+`",
					"time_remaining_seconds": 1200,
					"saved_answers": {"q1": {"selected_choice": "B", "is_flagged": true}},
					"current_module_id": "m1"
				},
				"metadata": {"request_id": "r", "timestamp": "t"}
			}`))
		})
	})

	b, err := c.LoadSession(context.Background(), examID)
	require.NoError(t, err)

	assert.Equal(t, assignmentID, b.AssignmentID)
	require.NotNil(t, b.TimeRemainingSeconds)
	assert.Equal(t, 1200, *b.TimeRemainingSeconds)
	assert.Equal(t, takeexam.ModuleID("m1"), b.CurrentModuleID)
	require.Contains(t, b.SavedAnswers, takeexam.BaseQuestionID("q1"))
	assert.Equal(t, "B", *b.SavedAnswers["q1"].SelectedChoice)
	assert.True(t, b.SavedAnswers["q1"].IsFlagged)
	require.Len(t, b.Tree.Sections, 1)
	assert.Equal(t, takeexam.ModuleKindRouting, b.Tree.Sections[0].Modules[0].Kind)
	assert.Equal(t, takeexam.DifficultyEasy, b.Tree.Sections[0].Variants[0].Difficulty)
	assert.Equal(t, "Bearer tok", (*calls)[0].auth)
}

func TestLoadSessionMapsErrors(t *testing.T) {
	c, _ := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.GET("/api/v1/student/exams/:exam_id/session", func(ctx *gin.Context) {
			switch ctx.Param("exam_id") {
			case "missing":
				response.Fail(ctx, http.StatusNotFound, response.ErrExamNotFound)
			case "other":
				response.Fail(ctx, http.StatusForbidden, response.ErrNotAssigned)
			default:
				response.Fail(ctx, http.StatusInternalServerError, response.ErrInternal)
			}
		})
	})

	_, err := c.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, takeexam.ErrExamNotFound)

	_, err = c.LoadSession(context.Background(), "other")
	assert.ErrorIs(t, err, takeexam.ErrUnauthorized)

	_, err = c.LoadSession(context.Background(), "broken")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, response.ErrInternal, apiErr.Code)
	assert.NotErrorIs(t, err, takeexam.ErrExamNotFound)
}

func TestSaveAnswerSendsRecord(t *testing.T) {
	c, calls := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.POST(base+"/answers", func(ctx *gin.Context) {
			response.Success(ctx, http.StatusOK, gin.H{"status": "saved"})
		})
	})

	choice := "C"
	err := c.SaveAnswer(context.Background(), assignmentID, takeexam.AnswerRecord{
		BaseQuestionID: "q9", SelectedChoice: &choice, IsFlagged: true,
	})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	body := (*calls)[0].body
	assert.Equal(t, string(assignmentID), body["assignment_id"])
	assert.Equal(t, "q9", body["question_id"])
	assert.Equal(t, "C", body["selected_choice"])
	assert.Equal(t, true, body["is_flagged"])
}

func TestSaveAnswerSendsNullForClearedChoice(t *testing.T) {
	c, calls := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.POST(base+"/answers", func(ctx *gin.Context) {
			response.Success(ctx, http.StatusOK, nil)
		})
	})

	require.NoError(t, c.SaveAnswer(context.Background(), assignmentID, takeexam.AnswerRecord{BaseQuestionID: "q9"}))
	body := (*calls)[0].body
	v, present := body["selected_choice"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestSubmitDecodesResultsAndConflicts(t *testing.T) {
	submitted := false
	c, _ := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.POST(base+"/submit", func(ctx *gin.Context) {
			if submitted {
				response.Fail(ctx, http.StatusConflict, response.ErrSubmissionInProgress)
				return
			}
			submitted = true
			score := 66.7
			response.Success(ctx, http.StatusOK, gin.H{
				"total_questions": 4, "answered_questions": 3, "scored_questions": 3,
				"correct_answers": 2, "score": score, "per_question": []gin.H{{"question_id": "q1"}},
			})
		})
	})

	res, err := c.Submit(context.Background(), assignmentID)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalQuestions)
	assert.Equal(t, 2, res.CorrectAnswers)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 66.7, *res.Score, 0.001)
	assert.JSONEq(t, `[{"question_id":"q1"}]`, string(res.PerQuestion))

	_, err = c.Submit(context.Background(), assignmentID)
	assert.ErrorIs(t, err, takeexam.ErrSubmissionInFlight)
}

func TestFetchModuleAndScore(t *testing.T) {
	c, calls := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.GET(base+"/modules/:module_id", func(ctx *gin.Context) {
			if ctx.Param("module_id") != "m-hard" {
				response.Fail(ctx, http.StatusNotFound, response.ErrModuleNotFound)
				return
			}
			response.Success(ctx, http.StatusOK, takeexam.Module{
				ID: "m-hard", Kind: takeexam.ModuleKindAdaptive, Difficulty: takeexam.DifficultyHard,
				Questions: []takeexam.ExamQuestion{{ID: "eq4", Question: takeexam.Question{ID: "q4"}}},
			})
		})
		r.POST(base+"/modules/:module_id/score", func(ctx *gin.Context) {
			response.Success(ctx, http.StatusOK, gin.H{"score": 17, "total": 22})
		})
	})

	m, err := c.FetchModule(context.Background(), examID, "m-hard")
	require.NoError(t, err)
	assert.Equal(t, takeexam.DifficultyHard, m.Difficulty)
	require.Len(t, m.Questions, 1)

	_, err = c.FetchModule(context.Background(), examID, "m-gone")
	assert.ErrorIs(t, err, takeexam.ErrModuleNotFound)

	score, err := c.ScoreModule(context.Background(), assignmentID, m, nil)
	require.NoError(t, err)
	assert.Equal(t, 17, score)
	last := (*calls)[len(*calls)-1]
	assert.Equal(t, base+"/modules/m-hard/score", last.path)
	assert.Equal(t, string(assignmentID), last.body["assignment_id"])
}

func TestRecordProgressAndRetake(t *testing.T) {
	c, calls := newServer(t, func(r *gin.Engine, _ *[]recorded) {
		r.PUT(base+"/progress", func(ctx *gin.Context) {
			response.Success(ctx, http.StatusOK, gin.H{"status": "recorded"})
		})
		r.POST(base+"/retake", func(ctx *gin.Context) {
			response.Fail(ctx, http.StatusForbidden, response.ErrRetakeNotAllowed)
		})
	})

	require.NoError(t, c.RecordProgress(context.Background(), assignmentID, "m2"))
	assert.Equal(t, http.MethodPut, (*calls)[0].method)
	assert.Equal(t, "m2", (*calls)[0].body["module_id"])

	err := c.Retake(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, response.ErrRetakeNotAllowed, apiErr.Code)
}
