package model

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus enumerates the states of a student's exam assignment.
type AssignmentStatus string

const (
	AssignmentStatusPending    AssignmentStatus = "PENDING"
	AssignmentStatusInProgress AssignmentStatus = "IN_PROGRESS"
	AssignmentStatusCompleted  AssignmentStatus = "COMPLETED"
)

// ModuleScore is the raw score recorded for a finished module.
type ModuleScore struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

// Assignment is one student's attempt at one exam.
type Assignment struct {
	ID                     uuid.UUID              `json:"id"`
	ExamID                 uuid.UUID              `json:"exam_id"`
	StudentID              int                    `json:"student_id"`
	Status                 AssignmentStatus       `json:"status"`
	StartedAt              *time.Time             `json:"started_at,omitempty"`
	CompletedAt            *time.Time             `json:"completed_at,omitempty"`
	Score                  *float64               `json:"score,omitempty"`
	CurrentModuleID        *uuid.UUID             `json:"current_module_id,omitempty"`
	CurrentModuleStartedAt *time.Time             `json:"current_module_started_at,omitempty"`
	ModuleScores           map[string]ModuleScore `json:"module_scores"`
}

// SaveAnswerRequest is the payload of the idempotent save-answer endpoint.
// A nil SelectedChoice clears the answer.
type SaveAnswerRequest struct {
	AssignmentID   string  `json:"assignment_id" binding:"required,uuid"`
	QuestionID     string  `json:"question_id" binding:"required,uuid"`
	SelectedChoice *string `json:"selected_choice" binding:"omitempty,max=2000"`
	IsFlagged      bool    `json:"is_flagged"`
}

// AssignmentRequest carries the assignment id for submit and module scoring.
type AssignmentRequest struct {
	AssignmentID string `json:"assignment_id" binding:"required,uuid"`
}

// ProgressRequest records the module the student is in.
type ProgressRequest struct {
	AssignmentID string `json:"assignment_id" binding:"required,uuid"`
	ModuleID     string `json:"module_id" binding:"required,uuid"`
}
