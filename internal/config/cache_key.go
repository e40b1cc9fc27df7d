package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AssignmentAnswersKey is the hash of autosaved answers of one assignment,
// field = base question id, value = JSON answer state.
func (r *CacheKeyStruct) AssignmentAnswersKey(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:answers", assignmentID)
}

// AssignmentSubmitLockKey guards the single submit of an assignment.
func (r *CacheKeyStruct) AssignmentSubmitLockKey(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:submit_lock", assignmentID)
}

// AssignmentResultKey holds the results returned by the first submit.
func (r *CacheKeyStruct) AssignmentResultKey(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:result", assignmentID)
}

// ExamContentKey caches the full exam content, answer key included.
func (r *CacheKeyStruct) ExamContentKey(examID string) string {
	return fmt.Sprintf("exam:%s:content", examID)
}

// StudentSaveRateKey counts answer saves of a student in the current window.
func (r *CacheKeyStruct) StudentSaveRateKey(studentID int, window int64) string {
	return fmt.Sprintf("student:%d:saves:%d", studentID, window)
}

var CacheKey = NewCacheKeyStruct()
