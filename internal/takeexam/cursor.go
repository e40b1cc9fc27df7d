package takeexam

import "fmt"

// Position addresses one question in the exam tree.
type Position struct {
	Section  int `json:"section_index"`
	Module   int `json:"module_index"`
	Question int `json:"question_index"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Section, p.Module, p.Question)
}

// Cursor tracks the student's position. Next and Previous never leave the
// current module; crossing modules goes through the evaluator via Enter.
type Cursor struct {
	tree  *ExamTree
	pos   Position
	empty bool
}

// NewCursor places a cursor at the first question of the first module.
// A tree with no questions yields a cursor in the empty state.
func NewCursor(tree *ExamTree) *Cursor {
	c := &Cursor{tree: tree}
	if tree.QuestionCount() == 0 {
		c.empty = true
	}
	return c
}

// Empty reports the no-questions terminal state.
func (c *Cursor) Empty() bool { return c.empty }

// Position returns the current position.
func (c *Cursor) Position() Position { return c.pos }

// Tree returns the tree the cursor walks.
func (c *Cursor) Tree() *ExamTree { return c.tree }

// Module returns the current module.
func (c *Cursor) Module() *Module {
	if c.empty {
		return nil
	}
	return c.tree.Module(c.pos.Section, c.pos.Module)
}

// Next advances within the module. It reports whether the cursor moved.
func (c *Cursor) Next() bool {
	m := c.Module()
	if m == nil {
		return false
	}
	if c.pos.Question < len(m.Questions)-1 {
		c.pos.Question++
		return true
	}
	return false
}

// Previous steps back within the module. It reports whether the cursor moved.
func (c *Cursor) Previous() bool {
	if c.empty {
		return false
	}
	if c.pos.Question > 0 {
		c.pos.Question--
		return true
	}
	return false
}

// JumpTo moves anywhere in the tree; the target question must exist.
func (c *Cursor) JumpTo(p Position) error {
	if c.empty {
		return ErrNoQuestions
	}
	m := c.tree.Module(p.Section, p.Module)
	if m == nil || p.Question < 0 || p.Question >= len(m.Questions) {
		return fmt.Errorf("jump to %s: %w", p, ErrInvalidPosition)
	}
	c.pos = p
	return nil
}

// Enter switches to the start of a module, possibly on a new tree. Unlike
// JumpTo it accepts modules with no questions, which complete immediately.
func (c *Cursor) Enter(tree *ExamTree, sectionIndex, moduleIndex int) error {
	if tree.Module(sectionIndex, moduleIndex) == nil {
		return fmt.Errorf("enter %d/%d: %w", sectionIndex, moduleIndex, ErrInvalidPosition)
	}
	c.tree = tree
	c.pos = Position{Section: sectionIndex, Module: moduleIndex}
	c.empty = tree.QuestionCount() == 0
	return nil
}

// Current returns the question under the cursor, nil when none.
func (c *Cursor) Current() *ExamQuestion {
	m := c.Module()
	if m == nil || c.pos.Question < 0 || c.pos.Question >= len(m.Questions) {
		return nil
	}
	return &m.Questions[c.pos.Question]
}

// ModuleQuestions returns the questions of the current module.
func (c *Cursor) ModuleQuestions() []ExamQuestion {
	m := c.Module()
	if m == nil {
		return nil
	}
	return m.Questions
}

// FlatQuestion is a question with its position and absolute index.
type FlatQuestion struct {
	Position Position
	Absolute int
	Question ExamQuestion
	Module   *Module
}

// FlattenQuestions lists every loaded question in document order.
func FlattenQuestions(tree *ExamTree) []FlatQuestion {
	if tree == nil {
		return nil
	}
	var out []FlatQuestion
	for si := range tree.Sections {
		for mi := range tree.Sections[si].Modules {
			m := &tree.Sections[si].Modules[mi]
			for qi, q := range m.Questions {
				out = append(out, FlatQuestion{
					Position: Position{Section: si, Module: mi, Question: qi},
					Absolute: len(out),
					Question: q,
					Module:   m,
				})
			}
		}
	}
	return out
}

// AnsweredInModule counts answered questions in the cursor's module.
func AnsweredInModule(c *Cursor, store *AnswerStore) int {
	m := c.Module()
	if m == nil {
		return 0
	}
	return store.CountAnswered(m.BaseIDs())
}
