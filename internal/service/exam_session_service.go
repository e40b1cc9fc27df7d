package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/config"
	"github.com/stemsi/exstem-sat/internal/metrics"
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stemsi/exstem-sat/internal/takeexam"
)

var (
	ErrExamNotFound       = errors.New("exam not found")
	ErrNotAssigned        = errors.New("exam is not assigned to this student")
	ErrNotStarted         = errors.New("exam session has not been started")
	ErrAlreadySubmitted   = errors.New("exam already submitted")
	ErrSubmissionInFlight = errors.New("submission is being processed")
	ErrQuestionNotInExam  = errors.New("question does not belong to this exam")
	ErrModuleNotFound     = errors.New("module not found")
	ErrRetakeNotAllowed   = errors.New("exam does not allow retakes")
	ErrNotSubmitted       = errors.New("exam has not been submitted")
)

const submitLockTTL = 30 * time.Second

// saveAnswerScript stores an answer and queues it for persistence unless the
// assignment is being or has been submitted.
var saveAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[3])
return 1
`)

// ExamContentLoader loads an exam with its whole tree.
type ExamContentLoader interface {
	LoadContent(ctx context.Context, examID uuid.UUID) (*model.ExamContent, error)
}

// AssignmentStore is the assignment persistence used by the session service.
type AssignmentStore interface {
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Assignment, error)
	Start(ctx context.Context, id uuid.UUID, firstModule *uuid.UUID, now time.Time) (*model.Assignment, error)
	SetCurrentModule(ctx context.Context, id, moduleID uuid.UUID, now time.Time) (time.Time, error)
	RecordModuleScore(ctx context.Context, id, moduleID uuid.UUID, s model.ModuleScore) error
	ResetForRetake(ctx context.Context, id uuid.UUID) error
}

// AnswerLister reads persisted answers.
type AnswerLister interface {
	ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]model.StudentAnswer, error)
}

// ExamSessionService handles the student side of an exam attempt.
type ExamSessionService struct {
	exams       ExamContentLoader
	assignments AssignmentStore
	answers     AnswerLister
	rdb         *redis.Client
	contentTTL  time.Duration
	resultsTTL  time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	exams ExamContentLoader,
	assignments AssignmentStore,
	answers AnswerLister,
	rdb *redis.Client,
	contentTTL, resultsTTL time.Duration,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		exams:       exams,
		assignments: assignments,
		answers:     answers,
		rdb:         rdb,
		contentTTL:  contentTTL,
		resultsTTL:  resultsTTL,
		now:         time.Now,
		log:         log.With().Str("component", "exam_session_service").Logger(),
	}
}

// content returns the published exam content, from the Redis cache when possible.
func (s *ExamSessionService) content(ctx context.Context, examID uuid.UUID) (*model.ExamContent, error) {
	key := config.CacheKey.ExamContentKey(examID.String())

	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var c model.ExamContent
		if err := json.Unmarshal(raw, &c); err == nil {
			return publishedOnly(&c)
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Discarding undecodable cached exam content")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Msg("Exam content cache read failed")
	}

	c, err := s.exams.LoadContent(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam content: %w", err)
	}

	if raw, err := json.Marshal(c); err == nil {
		if err := s.rdb.Set(ctx, key, raw, s.contentTTL).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Exam content cache write failed")
		}
	}
	return publishedOnly(c)
}

func publishedOnly(c *model.ExamContent) (*model.ExamContent, error) {
	if !c.Exam.IsPublished {
		return nil, ErrExamNotFound
	}
	return c, nil
}

func (s *ExamSessionService) assignment(ctx context.Context, examID uuid.UUID, studentID int) (*model.Assignment, error) {
	a, err := s.assignments.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotAssigned
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// ownedAssignment loads the student's assignment and checks the id the client sent.
func (s *ExamSessionService) ownedAssignment(ctx context.Context, examID uuid.UUID, studentID int, assignmentID uuid.UUID) (*model.Assignment, error) {
	a, err := s.assignment(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if a.ID != assignmentID {
		return nil, ErrNotAssigned
	}
	return a, nil
}

func (s *ExamSessionService) isSubmitted(ctx context.Context, a *model.Assignment) (bool, error) {
	if a.Status == model.AssignmentStatusCompleted {
		return true, nil
	}
	n, err := s.rdb.Exists(ctx, config.CacheKey.AssignmentResultKey(a.ID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("check stored result: %w", err)
	}
	return n > 0, nil
}

// GetSession bootstraps an attempt. Pending assignments are started here.
func (s *ExamSessionService) GetSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.SessionPayload, error) {
	c, err := s.content(ctx, examID)
	if err != nil {
		return nil, err
	}
	a, err := s.assignment(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	submitted, err := s.isSubmitted(ctx, a)
	if err != nil {
		return nil, err
	}
	if submitted {
		return nil, ErrAlreadySubmitted
	}

	now := s.now()
	if a.Status == model.AssignmentStatusPending || a.StartedAt == nil {
		var first *uuid.UUID
		if m := entryModule(c); m != nil {
			first = &m.ID
		}
		a, err = s.assignments.Start(ctx, a.ID, first, now)
		if err != nil {
			return nil, fmt.Errorf("start assignment: %w", err)
		}
		s.log.Info().Str("assignment_id", a.ID.String()).Int("student_id", studentID).Msg("Exam attempt started")
	}

	answers, err := s.mergedAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	saved := make(map[string]takeexam.SavedAnswer, len(answers))
	for qid, st := range answers {
		saved[qid.String()] = takeexam.SavedAnswer{SelectedChoice: st.SelectedChoice, IsFlagged: st.IsFlagged}
	}

	payload := &model.SessionPayload{
		ExamTree:             studentTree(c),
		AssignmentID:         a.ID,
		TimeRemainingSeconds: remainingSeconds(c, a, now),
		SavedAnswers:         saved,
	}
	if a.CurrentModuleID != nil {
		id := a.CurrentModuleID.String()
		payload.CurrentModuleID = &id
	}
	return payload, nil
}

// entryModule is the first module a student sees.
func entryModule(c *model.ExamContent) *model.ModuleContent {
	for si := range c.Sections {
		for mi := range c.Sections[si].Modules {
			m := &c.Sections[si].Modules[mi]
			if !isLazyModule(&c.Exam, m) {
				return m
			}
		}
	}
	return nil
}

// remainingSeconds counts down the exam limit from started_at, or the current
// module's limit from the time the module was entered. Nil means untimed.
func remainingSeconds(c *model.ExamContent, a *model.Assignment, now time.Time) *int {
	var (
		limit *int
		since *time.Time
	)
	switch {
	case c.Exam.TimeLimitMinutes != nil:
		limit, since = c.Exam.TimeLimitMinutes, a.StartedAt
	case a.CurrentModuleID != nil:
		if m, ok := c.FindModule(*a.CurrentModuleID); ok && m.TimeLimitMinutes != nil {
			limit, since = m.TimeLimitMinutes, a.CurrentModuleStartedAt
		}
	}
	if limit == nil {
		return nil
	}

	total := *limit * 60
	if since == nil {
		return &total
	}
	left := total - int(now.Sub(*since).Seconds())
	if left < 0 {
		left = 0
	}
	return &left
}

// mergedAnswers returns persisted answers overlaid with the Redis fast lane.
func (s *ExamSessionService) mergedAnswers(ctx context.Context, assignmentID uuid.UUID) (map[uuid.UUID]model.AnswerState, error) {
	rows, err := s.answers.ListByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make(map[uuid.UUID]model.AnswerState, len(rows))
	for _, r := range rows {
		out[r.QuestionID] = model.AnswerState{
			SelectedChoice: r.SelectedChoice,
			IsFlagged:      r.IsFlagged,
			SavedAt:        r.UpdatedAt.UnixMilli(),
		}
	}

	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.AssignmentAnswersKey(assignmentID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get autosaved answers: %w", err)
	}
	for field, raw := range fields {
		qid, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		var st model.AnswerState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.log.Warn().Err(err).Str("question_id", field).Msg("Skipping undecodable autosaved answer")
			continue
		}
		out[qid] = st
	}
	return out, nil
}

// SaveAnswer stores one answer in the fast lane and queues it for persistence.
// Saving the same state twice is harmless.
func (s *ExamSessionService) SaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, req *model.SaveAnswerRequest) error {
	assignmentID, err := uuid.Parse(req.AssignmentID)
	if err != nil {
		return ErrNotAssigned
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return ErrQuestionNotInExam
	}

	a, err := s.ownedAssignment(ctx, examID, studentID, assignmentID)
	if err != nil {
		return err
	}
	switch {
	case a.Status == model.AssignmentStatusCompleted:
		metrics.AnswerSaves().WithLabelValues("rejected").Inc()
		return ErrAlreadySubmitted
	case a.StartedAt == nil:
		return ErrNotStarted
	}

	c, err := s.content(ctx, examID)
	if err != nil {
		return err
	}
	if !c.HasQuestion(questionID) {
		return ErrQuestionNotInExam
	}

	now := s.now()
	state, err := json.Marshal(model.AnswerState{
		SelectedChoice: req.SelectedChoice,
		IsFlagged:      req.IsFlagged,
		SavedAt:        now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	item, err := json.Marshal(model.AnswerQueueItem{
		AssignmentID:   assignmentID,
		QuestionID:     questionID,
		SelectedChoice: req.SelectedChoice,
		IsFlagged:      req.IsFlagged,
		SavedAt:        now.UnixMilli(),
	})
	if err != nil {
		return err
	}

	id := assignmentID.String()
	stored, err := saveAnswerScript.Run(ctx, s.rdb, []string{
		config.CacheKey.AssignmentSubmitLockKey(id),
		config.CacheKey.AssignmentResultKey(id),
		config.CacheKey.AssignmentAnswersKey(id),
		config.WorkerKey.PersistAnswersQueue,
	}, questionID.String(), state, item).Int()
	if err != nil {
		return fmt.Errorf("store answer: %w", err)
	}
	if stored == 0 {
		metrics.AnswerSaves().WithLabelValues("rejected").Inc()
		return ErrAlreadySubmitted
	}

	metrics.AnswerSaves().WithLabelValues("saved").Inc()
	return nil
}

// Submit finalizes the attempt. Only the first call computes the result;
// later calls return the stored one.
func (s *ExamSessionService) Submit(ctx context.Context, examID uuid.UUID, studentID int, assignmentID uuid.UUID) (*model.SubmitResult, error) {
	a, err := s.ownedAssignment(ctx, examID, studentID, assignmentID)
	if err != nil {
		return nil, err
	}

	if res, err := s.storedResult(ctx, a.ID); err != nil || res != nil {
		if res != nil {
			metrics.Submissions().WithLabelValues("replayed").Inc()
		}
		return res, err
	}
	if a.StartedAt == nil {
		return nil, ErrNotStarted
	}

	id := a.ID.String()
	lockKey := config.CacheKey.AssignmentSubmitLockKey(id)
	acquired, err := s.rdb.SetNX(ctx, lockKey, s.now().Unix(), submitLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !acquired {
		if res, err := s.storedResult(ctx, a.ID); err != nil || res != nil {
			return res, err
		}
		metrics.Submissions().WithLabelValues("in_flight").Inc()
		return nil, ErrSubmissionInFlight
	}

	res, err := s.finalize(ctx, examID, a)
	if err != nil {
		s.rdb.Del(ctx, lockKey)
		metrics.Submissions().WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.Submissions().WithLabelValues("submitted").Inc()
	s.log.Info().Str("assignment_id", id).Int("student_id", studentID).
		Int("correct", res.CorrectAnswers).Int("scored", res.ScoredQuestions).
		Msg("Exam submitted")
	return res, nil
}

func (s *ExamSessionService) finalize(ctx context.Context, examID uuid.UUID, a *model.Assignment) (*model.SubmitResult, error) {
	c, err := s.content(ctx, examID)
	if err != nil {
		return nil, err
	}
	answers, err := s.mergedAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	res := computeResult(c, a, answers)
	res.SubmittedAt = s.now().UTC()
	if a.CompletedAt != nil {
		res.SubmittedAt = *a.CompletedAt
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}

	id := a.ID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AssignmentResultKey(id), raw, s.resultsTTL)
	if a.Status != model.AssignmentStatusCompleted {
		item, err := json.Marshal(model.ScoreQueueItem{AssignmentID: a.ID, Score: res.Score, CompletedAt: res.SubmittedAt})
		if err != nil {
			return nil, err
		}
		pipe.RPush(ctx, config.WorkerKey.PersistScoresQueue, item)
	}
	pipe.Del(ctx, config.CacheKey.AssignmentSubmitLockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	return res, nil
}

func (s *ExamSessionService) storedResult(ctx context.Context, assignmentID uuid.UUID) (*model.SubmitResult, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.AssignmentResultKey(assignmentID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stored result: %w", err)
	}
	var res model.SubmitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &res, nil
}

// pathModules returns the modules the student actually took. Unvisited
// adaptive variants do not count towards the result.
func pathModules(c *model.ExamContent, a *model.Assignment) []*model.ModuleContent {
	var out []*model.ModuleContent
	for si := range c.Sections {
		for mi := range c.Sections[si].Modules {
			m := &c.Sections[si].Modules[mi]
			if isLazyModule(&c.Exam, m) {
				_, scored := a.ModuleScores[m.ID.String()]
				current := a.CurrentModuleID != nil && *a.CurrentModuleID == m.ID
				if !scored && !current {
					continue
				}
			}
			out = append(out, m)
		}
	}
	return out
}

func answered(st model.AnswerState, ok bool) bool {
	return ok && st.SelectedChoice != nil && strings.TrimSpace(*st.SelectedChoice) != ""
}

func computeResult(c *model.ExamContent, a *model.Assignment, answers map[uuid.UUID]model.AnswerState) *model.SubmitResult {
	res := &model.SubmitResult{PerQuestion: []model.QuestionResult{}}
	for _, m := range pathModules(c, a) {
		for _, pq := range m.Questions {
			q := pq.Question
			st, ok := answers[q.ID]
			qr := model.QuestionResult{QuestionID: q.ID, CorrectAnswer: q.CorrectAnswer}

			res.TotalQuestions++
			isAnswered := answered(st, ok)
			if isAnswered {
				res.AnsweredQuestions++
				qr.SelectedChoice = st.SelectedChoice
			}
			if q.CorrectAnswer != "" {
				res.ScoredQuestions++
				correct := isAnswered && takeexam.AnswerMatches(string(q.QuestionType), *st.SelectedChoice, q.CorrectAnswer)
				if correct {
					res.CorrectAnswers++
				}
				qr.IsCorrect = &correct
			}
			res.PerQuestion = append(res.PerQuestion, qr)
		}
	}
	if res.ScoredQuestions > 0 {
		score := math.Round(float64(res.CorrectAnswers)/float64(res.ScoredQuestions)*1000) / 10
		res.Score = &score
	}
	return res
}

// GetModule returns one module of the exam for lazy adaptive loading.
func (s *ExamSessionService) GetModule(ctx context.Context, examID uuid.UUID, studentID int, moduleID uuid.UUID) (*takeexam.Module, error) {
	c, err := s.content(ctx, examID)
	if err != nil {
		return nil, err
	}
	if _, err := s.assignment(ctx, examID, studentID); err != nil {
		return nil, err
	}
	m, ok := c.FindModule(moduleID)
	if !ok {
		return nil, ErrModuleNotFound
	}
	out := studentModule(m)
	return &out, nil
}

// ScoreModule grades a finished module against the answer key and records the
// raw score on the assignment.
func (s *ExamSessionService) ScoreModule(ctx context.Context, examID uuid.UUID, studentID int, moduleID, assignmentID uuid.UUID) (*model.ModuleScore, error) {
	a, err := s.ownedAssignment(ctx, examID, studentID, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status == model.AssignmentStatusCompleted {
		return nil, ErrAlreadySubmitted
	}
	c, err := s.content(ctx, examID)
	if err != nil {
		return nil, err
	}
	m, ok := c.FindModule(moduleID)
	if !ok {
		return nil, ErrModuleNotFound
	}
	answers, err := s.mergedAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	score := model.ModuleScore{Total: len(m.Questions)}
	for _, pq := range m.Questions {
		st, ok := answers[pq.Question.ID]
		if pq.Question.CorrectAnswer == "" || !answered(st, ok) {
			continue
		}
		if takeexam.AnswerMatches(string(pq.Question.QuestionType), *st.SelectedChoice, pq.Question.CorrectAnswer) {
			score.Score++
		}
	}

	if err := s.assignments.RecordModuleScore(ctx, a.ID, m.ID, score); err != nil {
		return nil, fmt.Errorf("record module score: %w", err)
	}
	metrics.ModuleScorings().WithLabelValues(string(m.ModuleType)).Inc()
	s.log.Debug().Str("assignment_id", a.ID.String()).Str("module_id", m.ID.String()).
		Int("score", score.Score).Int("total", score.Total).Msg("Module scored")
	return &score, nil
}

// RecordProgress remembers the module the student is in so a reload resumes there.
func (s *ExamSessionService) RecordProgress(ctx context.Context, examID uuid.UUID, studentID int, assignmentID, moduleID uuid.UUID) error {
	a, err := s.ownedAssignment(ctx, examID, studentID, assignmentID)
	if err != nil {
		return err
	}
	if a.Status == model.AssignmentStatusCompleted {
		return ErrAlreadySubmitted
	}
	c, err := s.content(ctx, examID)
	if err != nil {
		return err
	}
	if _, ok := c.FindModule(moduleID); !ok {
		return ErrModuleNotFound
	}
	if _, err := s.assignments.SetCurrentModule(ctx, a.ID, moduleID, s.now()); err != nil {
		return fmt.Errorf("set current module: %w", err)
	}
	return nil
}

// Retake resets a completed assignment so the student can start over.
func (s *ExamSessionService) Retake(ctx context.Context, examID uuid.UUID, studentID int) error {
	c, err := s.content(ctx, examID)
	if err != nil {
		return err
	}
	if !c.Exam.AllowRetakes {
		return ErrRetakeNotAllowed
	}
	a, err := s.assignment(ctx, examID, studentID)
	if err != nil {
		return err
	}
	if a.Status != model.AssignmentStatusCompleted {
		submitted, err := s.isSubmitted(ctx, a)
		if err != nil {
			return err
		}
		if submitted {
			return ErrSubmissionInFlight
		}
		return ErrNotSubmitted
	}

	if err := s.assignments.ResetForRetake(ctx, a.ID); err != nil {
		return fmt.Errorf("reset assignment: %w", err)
	}

	id := a.ID.String()
	if err := s.rdb.Del(ctx,
		config.CacheKey.AssignmentAnswersKey(id),
		config.CacheKey.AssignmentSubmitLockKey(id),
		config.CacheKey.AssignmentResultKey(id),
	).Err(); err != nil {
		s.log.Warn().Err(err).Str("assignment_id", id).Msg("Failed to clear attempt keys")
	}
	s.log.Info().Str("assignment_id", id).Int("student_id", studentID).Msg("Exam reset for retake")
	return nil
}
