package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sat/internal/model"
)

// AnswerRepository handles persisted student answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// ListByAssignment returns every persisted answer of an assignment.
func (r *AnswerRepository) ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]model.StudentAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT assignment_id, question_id, selected_choice, is_flagged, updated_at
		 FROM student_answers
		 WHERE assignment_id = $1`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.StudentAnswer
	for rows.Next() {
		var a model.StudentAnswer
		if err := rows.Scan(&a.AssignmentID, &a.QuestionID, &a.SelectedChoice, &a.IsFlagged, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// Upsert writes one answer. Writes older than the stored row, or older than the
// current attempt's start, are ignored so queue retries and retakes cannot
// resurrect stale answers.
func (r *AnswerRepository) Upsert(ctx context.Context, a model.StudentAnswer) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (assignment_id, question_id, selected_choice, is_flagged, updated_at)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (
		     SELECT 1 FROM exam_assignments
		     WHERE id = $1 AND started_at IS NOT NULL AND started_at <= $5
		 )
		 ON CONFLICT (assignment_id, question_id) DO UPDATE
		 SET selected_choice = EXCLUDED.selected_choice,
		     is_flagged = EXCLUDED.is_flagged,
		     updated_at = EXCLUDED.updated_at
		 WHERE student_answers.updated_at <= EXCLUDED.updated_at`,
		a.AssignmentID, a.QuestionID, a.SelectedChoice, a.IsFlagged, a.UpdatedAt.UTC().Truncate(time.Microsecond))
	return err
}
