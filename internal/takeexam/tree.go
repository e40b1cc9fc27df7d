package takeexam

import (
	"encoding/json"
	"sort"
)

// Identity types. Exam-question ids are position-scoped; base question ids
// identify the question-bank item. Answers and flags are keyed by the latter.
type (
	ExamID         string
	AssignmentID   string
	SectionID      string
	ModuleID       string
	ExamQuestionID string
	BaseQuestionID string
)

// ModuleKind tells the evaluator how a module participates in adaptive routing.
type ModuleKind string

const (
	ModuleKindStandard ModuleKind = "STANDARD"
	ModuleKindRouting  ModuleKind = "ROUTING"
	ModuleKindAdaptive ModuleKind = "ADAPTIVE"
)

// Difficulty labels an adaptive module variant.
type Difficulty string

const (
	DifficultyNone Difficulty = ""
	DifficultyEasy Difficulty = "EASY"
	DifficultyHard Difficulty = "HARD"
)

// Question is the question-bank item. CorrectAnswer is only populated when the
// provider ships correctness data; renderers must not show it.
type Question struct {
	ID            BaseQuestionID  `json:"id"`
	Type          string          `json:"question_type"`
	Prompt        string          `json:"prompt"`
	Options       json.RawMessage `json:"options,omitempty"`
	CorrectAnswer string          `json:"-"`
	Points        float64         `json:"points"`
}

// ExamQuestion places a Question inside a Module.
type ExamQuestion struct {
	ID       ExamQuestionID `json:"id"`
	Order    int            `json:"order"`
	Question Question       `json:"question"`
}

// Module is an ordered block of questions, optionally timed on its own.
type Module struct {
	ID               ModuleID       `json:"id"`
	Title            string         `json:"title"`
	Order            int            `json:"order"`
	Kind             ModuleKind     `json:"module_type"`
	Difficulty       Difficulty     `json:"difficulty,omitempty"`
	TimeLimitSeconds *int           `json:"time_limit_seconds,omitempty"`
	Questions        []ExamQuestion `json:"questions"`
}

// ModuleRef names an adaptive variant whose content is fetched lazily.
type ModuleRef struct {
	ID         ModuleID   `json:"id"`
	Difficulty Difficulty `json:"difficulty"`
}

// Section is an ordered group of modules.
type Section struct {
	ID       SectionID   `json:"id"`
	Title    string      `json:"title"`
	Order    int         `json:"order"`
	Modules  []Module    `json:"modules"`
	Variants []ModuleRef `json:"variants,omitempty"`
}

// ExamTree is immutable for the lifetime of a snapshot. Adding a lazily
// fetched module produces a new tree.
type ExamTree struct {
	ExamID           ExamID    `json:"id"`
	Title            string    `json:"title"`
	Type             string    `json:"exam_type"`
	Adaptive         bool      `json:"is_adaptive"`
	AllowRetakes     bool      `json:"allow_retakes"`
	TimeLimitSeconds *int      `json:"time_limit_seconds,omitempty"`
	Sections         []Section `json:"sections"`
}

// NormalizeTree sorts sections, modules and questions by their order field.
func NormalizeTree(t *ExamTree) *ExamTree {
	if t == nil {
		return nil
	}
	sort.SliceStable(t.Sections, func(i, j int) bool { return t.Sections[i].Order < t.Sections[j].Order })
	for si := range t.Sections {
		mods := t.Sections[si].Modules
		sort.SliceStable(mods, func(i, j int) bool { return mods[i].Order < mods[j].Order })
		for mi := range mods {
			normalizeModule(&mods[mi])
		}
	}
	return t
}

func normalizeModule(m *Module) {
	qs := m.Questions
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	if m.Kind == "" {
		m.Kind = ModuleKindStandard
	}
}

// QuestionCount returns the number of questions across every loaded module.
func (t *ExamTree) QuestionCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, s := range t.Sections {
		for _, m := range s.Modules {
			n += len(m.Questions)
		}
	}
	return n
}

// Module returns the module at (section, module) or nil.
func (t *ExamTree) Module(sectionIndex, moduleIndex int) *Module {
	if t == nil || sectionIndex < 0 || sectionIndex >= len(t.Sections) {
		return nil
	}
	mods := t.Sections[sectionIndex].Modules
	if moduleIndex < 0 || moduleIndex >= len(mods) {
		return nil
	}
	return &mods[moduleIndex]
}

// FindModule locates a loaded module by id.
func (t *ExamTree) FindModule(id ModuleID) (sectionIndex, moduleIndex int, ok bool) {
	if t == nil {
		return 0, 0, false
	}
	for si, s := range t.Sections {
		for mi, m := range s.Modules {
			if m.ID == id {
				return si, mi, true
			}
		}
	}
	return 0, 0, false
}

// ResolveBaseID maps an exam-question id to its base question id.
func (t *ExamTree) ResolveBaseID(id ExamQuestionID) (BaseQuestionID, bool) {
	if t == nil {
		return "", false
	}
	for _, s := range t.Sections {
		for _, m := range s.Modules {
			for _, q := range m.Questions {
				if q.ID == id {
					return q.Question.ID, true
				}
			}
		}
	}
	return "", false
}

// HasBaseID reports whether any loaded question uses the given base id.
func (t *ExamTree) HasBaseID(id BaseQuestionID) bool {
	if t == nil {
		return false
	}
	for _, s := range t.Sections {
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

// withModule returns a copy of the tree with m appended to the given section.
// The receiver is not modified.
func (t *ExamTree) withModule(sectionIndex int, m Module) (*ExamTree, int) {
	next := *t
	next.Sections = make([]Section, len(t.Sections))
	copy(next.Sections, t.Sections)

	sec := next.Sections[sectionIndex]
	mods := make([]Module, len(sec.Modules), len(sec.Modules)+1)
	copy(mods, sec.Modules)
	normalizeModule(&m)
	mods = append(mods, m)
	sec.Modules = mods
	next.Sections[sectionIndex] = sec

	return &next, len(mods) - 1
}

// BaseIDs returns the base question ids of a module, in order.
func (m *Module) BaseIDs() []BaseQuestionID {
	ids := make([]BaseQuestionID, len(m.Questions))
	for i, q := range m.Questions {
		ids[i] = q.Question.ID
	}
	return ids
}
