package model

import (
	"time"

	"github.com/google/uuid"
)

// StudentAnswer is the persisted answer of one base question in one assignment.
type StudentAnswer struct {
	AssignmentID   uuid.UUID `json:"assignment_id"`
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedChoice *string   `json:"selected_choice"`
	IsFlagged      bool      `json:"is_flagged"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AnswerState is the value stored per question in the Redis answers hash.
type AnswerState struct {
	SelectedChoice *string `json:"selected_choice"`
	IsFlagged      bool    `json:"is_flagged"`
	SavedAt        int64   `json:"saved_at"`
}

// QuestionResult is the per-question part of the submit results.
type QuestionResult struct {
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedChoice *string   `json:"selected_choice"`
	CorrectAnswer  string    `json:"correct_answer,omitempty"`
	IsCorrect      *bool     `json:"is_correct"`
}

// SubmitResult is returned by submit and stored for repeat calls.
type SubmitResult struct {
	TotalQuestions    int              `json:"total_questions"`
	AnsweredQuestions int              `json:"answered_questions"`
	ScoredQuestions   int              `json:"scored_questions"`
	CorrectAnswers    int              `json:"correct_answers"`
	Score             *float64         `json:"score"`
	PerQuestion       []QuestionResult `json:"per_question"`
	SubmittedAt       time.Time        `json:"submitted_at"`
}
