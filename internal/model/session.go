package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sat/internal/takeexam"
)

// SessionPayload is the body of the exam-session bootstrap endpoint.
type SessionPayload struct {
	ExamTree             *takeexam.ExamTree              `json:"exam_tree"`
	AssignmentID         uuid.UUID                       `json:"assignment_id"`
	TimeRemainingSeconds *int                            `json:"time_remaining_seconds"`
	SavedAnswers         map[string]takeexam.SavedAnswer `json:"saved_answers"`
	CurrentModuleID      *string                         `json:"current_module_id"`
}

// AnswerQueueItem is pushed to the answer persistence queue on every save.
type AnswerQueueItem struct {
	AssignmentID   uuid.UUID `json:"assignment_id"`
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedChoice *string   `json:"selected_choice"`
	IsFlagged      bool      `json:"is_flagged"`
	SavedAt        int64     `json:"saved_at"`
}

// ScoreQueueItem is pushed to the score persistence queue on submit.
type ScoreQueueItem struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	Score        *float64  `json:"score"`
	CompletedAt  time.Time `json:"completed_at"`
}
