package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
)

// Question is a question-bank item. An empty CorrectAnswer means the
// question is not scored.
type Question struct {
	ID            uuid.UUID       `json:"id"`
	QuestionType  QuestionType    `json:"question_type"`
	Prompt        string          `json:"prompt"`
	Options       json.RawMessage `json:"options"`
	CorrectAnswer string          `json:"correct_answer"`
	Points        float64         `json:"points"`
}
