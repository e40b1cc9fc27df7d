package takeexam

import (
	"context"
	"encoding/json"
	"errors"
)

// Boundary errors reported by providers and by the session.
var (
	ErrExamNotFound       = errors.New("exam not found or no active assignment")
	ErrUnauthorized       = errors.New("caller is not the assigned student")
	ErrNoQuestions        = errors.New("exam has no questions")
	ErrInvalidPosition    = errors.New("position does not exist in exam")
	ErrModuleNotFound     = errors.New("module not found")
	ErrAlreadySubmitted   = errors.New("exam already submitted")
	ErrSubmissionInFlight = errors.New("submission already in progress")
	ErrSessionClosed      = errors.New("session is closed")
)

// SavedAnswer is a previously persisted answer/flag pair.
type SavedAnswer struct {
	SelectedChoice *string `json:"selected_choice"`
	IsFlagged      bool    `json:"is_flagged"`
}

// Bootstrap is everything the session needs to start an attempt.
type Bootstrap struct {
	Tree                 *ExamTree
	AssignmentID         AssignmentID
	TimeRemainingSeconds *int
	SavedAnswers         map[BaseQuestionID]SavedAnswer
	CurrentModuleID      ModuleID
}

// ExamProvider loads the exam session. Implementations return ErrExamNotFound
// or ErrUnauthorized (possibly wrapped) for those two conditions.
type ExamProvider interface {
	LoadSession(ctx context.Context, examID ExamID) (*Bootstrap, error)
}

// AnswerPersister is the idempotent save-answer endpoint.
type AnswerPersister interface {
	SaveAnswer(ctx context.Context, assignmentID AssignmentID, rec AnswerRecord) error
}

// Results is the submit payload returned by the provider.
type Results struct {
	TotalQuestions    int             `json:"total_questions"`
	AnsweredQuestions int             `json:"answered_questions"`
	ScoredQuestions   int             `json:"scored_questions"`
	CorrectAnswers    int             `json:"correct_answers"`
	Score             *float64        `json:"score"`
	PerQuestion       json.RawMessage `json:"per_question,omitempty"`
}

// SubmissionAPI performs the irreversible submit.
type SubmissionAPI interface {
	Submit(ctx context.Context, assignmentID AssignmentID) (*Results, error)
}

// ModuleFetcher lazily loads a module that was not in the initial tree.
type ModuleFetcher interface {
	FetchModule(ctx context.Context, examID ExamID, moduleID ModuleID) (*Module, error)
}

// ProgressRecorder is optionally implemented by providers that remember which
// module the student is in, so a reload can resume there.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, assignmentID AssignmentID, moduleID ModuleID) error
}

// ReviewResults is what the review screen reads back after submission.
type ReviewResults struct {
	Results
	Exam ExamInfo `json:"exam"`
}

// ExamInfo is the exam metadata attached to cached results.
type ExamInfo struct {
	ID           ExamID `json:"id"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	AllowRetakes bool   `json:"allow_retakes"`
}

// ResultsCache holds results for the review screen for a short time.
type ResultsCache interface {
	Put(examID ExamID, r ReviewResults)
	Get(examID ExamID) (ReviewResults, bool)
}

// Navigator moves the host view after the attempt ends.
type Navigator interface {
	ToReview(examID ExamID)
	ToDashboard()
}

// NoticeLevel grades user-visible notices.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeUrgent  NoticeLevel = "urgent"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-visible message. Transient notices do not replace content.
type Notice struct {
	Level     NoticeLevel
	Message   string
	Transient bool
}

// Notifier surfaces notices to the student.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

type nopNavigator struct{}

func (nopNavigator) ToReview(ExamID) {}
func (nopNavigator) ToDashboard()    {}
