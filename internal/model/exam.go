package model

import (
	"time"

	"github.com/google/uuid"
)

// ModuleType tells how a module participates in adaptive routing.
type ModuleType string

const (
	ModuleTypeStandard ModuleType = "STANDARD"
	ModuleTypeRouting  ModuleType = "ROUTING"
	ModuleTypeAdaptive ModuleType = "ADAPTIVE"
)

// Difficulty labels an adaptive module variant.
type Difficulty string

const (
	DifficultyEasy Difficulty = "EASY"
	DifficultyHard Difficulty = "HARD"
)

// Exam represents an exam entity.
type Exam struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	ExamType         string    `json:"exam_type"`
	IsAdaptive       bool      `json:"is_adaptive"`
	AllowRetakes     bool      `json:"allow_retakes"`
	TimeLimitMinutes *int      `json:"time_limit_minutes,omitempty"`
	IsPublished      bool      `json:"is_published"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExamSection is an ordered group of modules.
type ExamSection struct {
	ID       uuid.UUID `json:"id"`
	ExamID   uuid.UUID `json:"exam_id"`
	Title    string    `json:"title"`
	OrderNum int       `json:"order_num"`
}

// ExamModule is an ordered block of questions inside a section.
type ExamModule struct {
	ID               uuid.UUID   `json:"id"`
	SectionID        uuid.UUID   `json:"section_id"`
	Title            string      `json:"title"`
	OrderNum         int         `json:"order_num"`
	ModuleType       ModuleType  `json:"module_type"`
	Difficulty       *Difficulty `json:"difficulty,omitempty"`
	TimeLimitMinutes *int        `json:"time_limit_minutes,omitempty"`
}

// ExamContent is the whole exam as cached in Redis. It carries the answer
// key and must never be sent to students as is.
type ExamContent struct {
	Exam     Exam             `json:"exam"`
	Sections []SectionContent `json:"sections"`
}

// SectionContent is a section with its modules.
type SectionContent struct {
	ExamSection
	Modules []ModuleContent `json:"modules"`
}

// ModuleContent is a module with its placed questions.
type ModuleContent struct {
	ExamModule
	Questions []PlacedQuestion `json:"questions"`
}

// PlacedQuestion is a bank question at a position inside a module.
type PlacedQuestion struct {
	ExamQuestionID uuid.UUID `json:"exam_question_id"`
	OrderNum       int       `json:"order_num"`
	Question       Question  `json:"question"`
}

// FindModule returns the module with the given id.
func (c *ExamContent) FindModule(id uuid.UUID) (*ModuleContent, bool) {
	for si := range c.Sections {
		for mi := range c.Sections[si].Modules {
			if c.Sections[si].Modules[mi].ID == id {
				return &c.Sections[si].Modules[mi], true
			}
		}
	}
	return nil, false
}

// HasQuestion reports whether a bank question is placed anywhere in the exam.
func (c *ExamContent) HasQuestion(id uuid.UUID) bool {
	for _, s := range c.Sections {
		for _, m := range s.Modules {
			for _, q := range m.Questions {
				if q.Question.ID == id {
					return true
				}
			}
		}
	}
	return false
}

// FirstModule returns the first module in document order, if any.
func (c *ExamContent) FirstModule() (*ModuleContent, bool) {
	for si := range c.Sections {
		if len(c.Sections[si].Modules) > 0 {
			return &c.Sections[si].Modules[0], true
		}
	}
	return nil, false
}
