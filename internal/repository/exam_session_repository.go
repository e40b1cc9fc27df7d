package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sat/internal/model"
)

const assignmentColumns = `id, exam_id, student_id, status, started_at, completed_at, score,
	current_module_id, current_module_started_at, module_scores`

// AssignmentRepository handles exam assignment data access.
type AssignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(pool *pgxpool.Pool) *AssignmentRepository {
	return &AssignmentRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*model.Assignment, error) {
	a := &model.Assignment{}
	var scores []byte
	if err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.CompletedAt, &a.Score,
		&a.CurrentModuleID, &a.CurrentModuleStartedAt, &scores); err != nil {
		return nil, err
	}
	a.ModuleScores = map[string]model.ModuleScore{}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &a.ModuleScores); err != nil {
			return nil, fmt.Errorf("decode module_scores: %w", err)
		}
	}
	return a, nil
}

// GetByExamAndStudent retrieves the assignment of a specific exam-student combination.
func (r *AssignmentRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+`
		 FROM exam_assignments
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID,
	))
}

// Create assigns an exam to a student. Existing assignments are returned unchanged.
func (r *AssignmentRepository) Create(ctx context.Context, examID uuid.UUID, studentID int) (*model.Assignment, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_assignments (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) DO NOTHING`,
		examID, studentID, model.AssignmentStatusPending)
	if err != nil {
		return nil, err
	}
	return r.GetByExamAndStudent(ctx, examID, studentID)
}

// Start moves a pending assignment to IN_PROGRESS. started_at is only set once.
func (r *AssignmentRepository) Start(ctx context.Context, id uuid.UUID, firstModule *uuid.UUID, now time.Time) (*model.Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx,
		`UPDATE exam_assignments
		 SET status = $2,
		     started_at = COALESCE(started_at, $3),
		     current_module_id = COALESCE(current_module_id, $4),
		     current_module_started_at = COALESCE(current_module_started_at, $3)
		 WHERE id = $1
		 RETURNING `+assignmentColumns,
		id, model.AssignmentStatusInProgress, now, firstModule,
	))
}

// SetCurrentModule records the module the student is in. The module clock only
// restarts when the module changes.
func (r *AssignmentRepository) SetCurrentModule(ctx context.Context, id, moduleID uuid.UUID, now time.Time) (time.Time, error) {
	var startedAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE exam_assignments
		 SET current_module_started_at = CASE
		         WHEN current_module_id IS DISTINCT FROM $2 OR current_module_started_at IS NULL THEN $3
		         ELSE current_module_started_at END,
		     current_module_id = $2
		 WHERE id = $1
		 RETURNING current_module_started_at`,
		id, moduleID, now,
	).Scan(&startedAt)
	return startedAt, err
}

// RecordModuleScore merges one module score into module_scores.
func (r *AssignmentRepository) RecordModuleScore(ctx context.Context, id, moduleID uuid.UUID, s model.ModuleScore) error {
	raw, err := json.Marshal(map[string]model.ModuleScore{moduleID.String(): s})
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_assignments SET module_scores = module_scores || $2::jsonb WHERE id = $1`,
		id, raw)
	return err
}

// ResetForRetake deletes the stored answers and returns the assignment to PENDING.
func (r *AssignmentRepository) ResetForRetake(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM student_answers WHERE assignment_id = $1`, id); err != nil {
		return fmt.Errorf("delete answers: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE exam_assignments
		 SET status = $2, started_at = NULL, completed_at = NULL, score = NULL,
		     current_module_id = NULL, current_module_started_at = NULL, module_scores = '{}'
		 WHERE id = $1`,
		id, model.AssignmentStatusPending); err != nil {
		return fmt.Errorf("reset assignment: %w", err)
	}
	return tx.Commit(ctx)
}

// CompletedScore is one final score to persist.
type CompletedScore struct {
	AssignmentID uuid.UUID
	Score        *float64
	CompletedAt  time.Time
}

// CompleteBatch marks many assignments COMPLETED in one statement.
func (r *AssignmentRepository) CompleteBatch(ctx context.Context, batch []CompletedScore) error {
	n := len(batch)
	ids := make([]uuid.UUID, n)
	scores := make([]*float64, n)
	completedAts := make([]time.Time, n)
	for i, s := range batch {
		ids[i] = s.AssignmentID
		scores[i] = s.Score
		completedAts[i] = s.CompletedAt
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE exam_assignments AS a
		 SET status = 'COMPLETED',
		     score = t.score,
		     completed_at = t.completed_at
		 FROM UNNEST($1::uuid[], $2::float8[], $3::timestamptz[]) AS t (id, score, completed_at)
		 WHERE a.id = t.id`,
		ids, scores, completedAts)
	return err
}

// Complete marks a single assignment COMPLETED.
func (r *AssignmentRepository) Complete(ctx context.Context, s CompletedScore) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_assignments
		 SET status = 'COMPLETED', score = $2, completed_at = $3
		 WHERE id = $1`,
		s.AssignmentID, s.Score, s.CompletedAt)
	return err
}
