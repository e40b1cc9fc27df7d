package service

import (
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stemsi/exstem-sat/internal/takeexam"
)

func minutesToSeconds(m *int) *int {
	if m == nil {
		return nil
	}
	s := *m * 60
	return &s
}

// isLazyModule reports whether a module is only reachable through routing and
// therefore ships as a variant reference.
func isLazyModule(exam *model.Exam, m *model.ModuleContent) bool {
	return exam.IsAdaptive && m.ModuleType == model.ModuleTypeAdaptive
}

// studentModule converts a module to its student view. The answer key is not copied.
func studentModule(m *model.ModuleContent) takeexam.Module {
	out := takeexam.Module{
		ID:               takeexam.ModuleID(m.ID.String()),
		Title:            m.Title,
		Order:            m.OrderNum,
		Kind:             takeexam.ModuleKind(m.ModuleType),
		TimeLimitSeconds: minutesToSeconds(m.TimeLimitMinutes),
		Questions:        make([]takeexam.ExamQuestion, 0, len(m.Questions)),
	}
	if m.Difficulty != nil {
		out.Difficulty = takeexam.Difficulty(*m.Difficulty)
	}
	for _, pq := range m.Questions {
		out.Questions = append(out.Questions, takeexam.ExamQuestion{
			ID:    takeexam.ExamQuestionID(pq.ExamQuestionID.String()),
			Order: pq.OrderNum,
			Question: takeexam.Question{
				ID:      takeexam.BaseQuestionID(pq.Question.ID.String()),
				Type:    string(pq.Question.QuestionType),
				Prompt:  pq.Question.Prompt,
				Options: pq.Question.Options,
				Points:  pq.Question.Points,
			},
		})
	}
	return out
}

// studentTree builds the exam tree shipped to students.
func studentTree(c *model.ExamContent) *takeexam.ExamTree {
	tree := &takeexam.ExamTree{
		ExamID:           takeexam.ExamID(c.Exam.ID.String()),
		Title:            c.Exam.Title,
		Type:             c.Exam.ExamType,
		Adaptive:         c.Exam.IsAdaptive,
		AllowRetakes:     c.Exam.AllowRetakes,
		TimeLimitSeconds: minutesToSeconds(c.Exam.TimeLimitMinutes),
		Sections:         make([]takeexam.Section, 0, len(c.Sections)),
	}
	for si := range c.Sections {
		s := &c.Sections[si]
		sec := takeexam.Section{
			ID:      takeexam.SectionID(s.ID.String()),
			Title:   s.Title,
			Order:   s.OrderNum,
			Modules: []takeexam.Module{},
		}
		for mi := range s.Modules {
			m := &s.Modules[mi]
			if isLazyModule(&c.Exam, m) {
				ref := takeexam.ModuleRef{ID: takeexam.ModuleID(m.ID.String())}
				if m.Difficulty != nil {
					ref.Difficulty = takeexam.Difficulty(*m.Difficulty)
				}
				sec.Variants = append(sec.Variants, ref)
				continue
			}
			sec.Modules = append(sec.Modules, studentModule(m))
		}
		tree.Sections = append(tree.Sections, sec)
	}
	return takeexam.NormalizeTree(tree)
}
