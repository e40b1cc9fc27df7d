package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sat/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, exam_type, is_adaptive, allow_retakes,
		        time_limit_minutes, is_published, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.ExamType, &e.IsAdaptive, &e.AllowRetakes,
		&e.TimeLimitMinutes, &e.IsPublished, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// LoadContent loads the exam with every section, module and placed question,
// answer key included. Returns pgx.ErrNoRows when the exam does not exist.
func (r *ExamRepository) LoadContent(ctx context.Context, examID uuid.UUID) (*model.ExamContent, error) {
	exam, err := r.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	content := &model.ExamContent{Exam: *exam}

	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.exam_id, s.title, s.order_num,
		        m.id, m.title, m.order_num, m.module_type, m.difficulty, m.time_limit_minutes
		 FROM exam_sections s
		 LEFT JOIN exam_modules m ON m.section_id = s.id
		 WHERE s.exam_id = $1
		 ORDER BY s.order_num, s.id, m.order_num`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}

	moduleIdx := make(map[uuid.UUID][2]int)
	for rows.Next() {
		var (
			sec        model.ExamSection
			moduleID   *uuid.UUID
			title      *string
			orderNum   *int
			moduleType *model.ModuleType
			mod        model.ExamModule
		)
		if err := rows.Scan(&sec.ID, &sec.ExamID, &sec.Title, &sec.OrderNum,
			&moduleID, &title, &orderNum, &moduleType, &mod.Difficulty, &mod.TimeLimitMinutes); err != nil {
			rows.Close()
			return nil, err
		}

		n := len(content.Sections)
		if n == 0 || content.Sections[n-1].ID != sec.ID {
			content.Sections = append(content.Sections, model.SectionContent{ExamSection: sec})
			n++
		}
		if moduleID == nil {
			continue
		}

		mod.ID = *moduleID
		mod.SectionID = sec.ID
		mod.Title = *title
		mod.OrderNum = *orderNum
		mod.ModuleType = *moduleType
		content.Sections[n-1].Modules = append(content.Sections[n-1].Modules, model.ModuleContent{ExamModule: mod})
		moduleIdx[mod.ID] = [2]int{n - 1, len(content.Sections[n-1].Modules) - 1}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	qrows, err := r.pool.Query(ctx,
		`SELECT eq.id, eq.module_id, eq.order_num,
		        q.id, q.question_type, q.prompt, q.options, q.correct_answer, q.points
		 FROM exam_questions eq
		 JOIN exam_modules m ON m.id = eq.module_id
		 JOIN exam_sections s ON s.id = m.section_id
		 JOIN questions q ON q.id = eq.question_id
		 WHERE s.exam_id = $1
		 ORDER BY eq.module_id, eq.order_num`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var (
			pq       model.PlacedQuestion
			moduleID uuid.UUID
		)
		if err := qrows.Scan(&pq.ExamQuestionID, &moduleID, &pq.OrderNum,
			&pq.Question.ID, &pq.Question.QuestionType, &pq.Question.Prompt,
			&pq.Question.Options, &pq.Question.CorrectAnswer, &pq.Question.Points); err != nil {
			return nil, err
		}
		at, ok := moduleIdx[moduleID]
		if !ok {
			continue
		}
		m := &content.Sections[at[0]].Modules[at[1]]
		m.Questions = append(m.Questions, pq)
	}
	return content, qrows.Err()
}

// CreateContent inserts an exam with its whole tree in one transaction and
// fills in the generated ids.
func (r *ExamRepository) CreateContent(ctx context.Context, c *model.ExamContent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e := &c.Exam
	if err := tx.QueryRow(ctx,
		`INSERT INTO exams (title, exam_type, is_adaptive, allow_retakes, time_limit_minutes, is_published)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.Title, e.ExamType, e.IsAdaptive, e.AllowRetakes, e.TimeLimitMinutes, e.IsPublished,
	).Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	for si := range c.Sections {
		s := &c.Sections[si]
		s.ExamID = e.ID
		if err := tx.QueryRow(ctx,
			`INSERT INTO exam_sections (exam_id, title, order_num) VALUES ($1, $2, $3) RETURNING id`,
			e.ID, s.Title, s.OrderNum,
		).Scan(&s.ID); err != nil {
			return fmt.Errorf("insert section: %w", err)
		}

		for mi := range s.Modules {
			m := &s.Modules[mi]
			m.SectionID = s.ID
			if err := tx.QueryRow(ctx,
				`INSERT INTO exam_modules (section_id, title, order_num, module_type, difficulty, time_limit_minutes)
				 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
				s.ID, m.Title, m.OrderNum, m.ModuleType, m.Difficulty, m.TimeLimitMinutes,
			).Scan(&m.ID); err != nil {
				return fmt.Errorf("insert module: %w", err)
			}

			if err := insertQuestions(ctx, tx, m); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func insertQuestions(ctx context.Context, tx pgx.Tx, m *model.ModuleContent) error {
	for qi := range m.Questions {
		pq := &m.Questions[qi]
		q := &pq.Question
		options := q.Options
		if len(options) == 0 {
			options = []byte("[]")
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO questions (question_type, prompt, options, correct_answer, points)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			q.QuestionType, q.Prompt, options, q.CorrectAnswer, q.Points,
		).Scan(&q.ID); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO exam_questions (module_id, question_id, order_num) VALUES ($1, $2, $3) RETURNING id`,
			m.ID, q.ID, pq.OrderNum,
		).Scan(&pq.ExamQuestionID); err != nil {
			return fmt.Errorf("insert exam question: %w", err)
		}
	}
	return nil
}
