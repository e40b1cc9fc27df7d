package takeexam

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// AnswerLookup is the read side of the answer store used for scoring.
type AnswerLookup interface {
	Answer(baseID BaseQuestionID) (string, bool)
}

// Scorer computes the raw score of one module: the number of correct answers.
type Scorer interface {
	ScoreModule(ctx context.Context, assignmentID AssignmentID, m *Module, answers AnswerLookup) (int, error)
}

// LocalScorer scores against the correctness data carried by the tree.
// Questions without a correct answer never count.
type LocalScorer struct{}

func (LocalScorer) ScoreModule(_ context.Context, _ AssignmentID, m *Module, answers AnswerLookup) (int, error) {
	correct := 0
	for _, q := range m.Questions {
		key := q.Question.CorrectAnswer
		if key == "" {
			continue
		}
		got, ok := answers.Answer(q.Question.ID)
		if !ok {
			continue
		}
		if AnswerMatches(q.Question.Type, got, key) {
			correct++
		}
	}
	return correct, nil
}

// AnswerMatches is the grading rule shared by every scorer. Multiple-choice
// answers compare exactly; other types ignore case and surrounding space.
func AnswerMatches(questionType, got, key string) bool {
	if questionType == "MULTIPLE_CHOICE" || questionType == "" {
		return got == key
	}
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(key))
}

// Outcome is the evaluator's decision for a finished module.
type Outcome struct {
	Complete     bool
	Target       Position
	Score        int
	Total        int
	RoutedModule ModuleID
	Tree         *ExamTree
}

// Evaluator decides what follows a finished module.
type Evaluator struct {
	scorer  Scorer
	router  Router
	fetcher ModuleFetcher
	log     zerolog.Logger
}

// NewEvaluator wires the scoring, routing and lazy-fetch ports.
func NewEvaluator(scorer Scorer, router Router, fetcher ModuleFetcher, log zerolog.Logger) *Evaluator {
	if scorer == nil {
		scorer = LocalScorer{}
	}
	if router == nil {
		router = DifficultyRouter{Threshold: DefaultAdaptiveThreshold}
	}
	return &Evaluator{
		scorer:  scorer,
		router:  router,
		fetcher: fetcher,
		log:     log.With().Str("component", "module_evaluator").Logger(),
	}
}

// Evaluate scores the module at (sectionIndex, moduleIndex) and chooses the
// next module. The returned Outcome.Tree is the tree to continue on; it
// differs from the input only when a routed module had to be fetched.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	tree *ExamTree,
	assignmentID AssignmentID,
	sectionIndex, moduleIndex int,
	answers AnswerLookup,
) (Outcome, error) {
	mod := tree.Module(sectionIndex, moduleIndex)
	if mod == nil {
		return Outcome{}, fmt.Errorf("evaluate %d/%d: %w", sectionIndex, moduleIndex, ErrInvalidPosition)
	}

	out := Outcome{Tree: tree, Total: len(mod.Questions)}
	if len(mod.Questions) > 0 {
		score, err := e.scorer.ScoreModule(ctx, assignmentID, mod, answers)
		if err != nil {
			return Outcome{}, fmt.Errorf("score module %s: %w", mod.ID, err)
		}
		out.Score = score
	}

	e.log.Info().
		Str("module_id", string(mod.ID)).
		Int("score", out.Score).
		Int("total", out.Total).
		Msg("Module completed")

	if isLastModule(tree, sectionIndex, moduleIndex) {
		out.Complete = true
		return out, nil
	}

	if tree.Adaptive {
		switch mod.Kind {
		case ModuleKindRouting:
			return e.route(ctx, tree, sectionIndex, moduleIndex, out)
		case ModuleKindAdaptive:
			return nextSection(tree, sectionIndex, out), nil
		}
	}

	return e.sequential(tree, sectionIndex, moduleIndex, out), nil
}

func (e *Evaluator) route(ctx context.Context, tree *ExamTree, si, mi int, out Outcome) (Outcome, error) {
	sec := &tree.Sections[si]
	mc := ModuleContext{
		ExamID:       tree.ExamID,
		SectionIndex: si,
		Section:      sec,
		Module:       &sec.Modules[mi],
		Score:        out.Score,
		Total:        out.Total,
	}
	next, err := e.router.NextModule(ctx, mc)
	if err != nil {
		return Outcome{}, fmt.Errorf("route after %s: %w", mc.Module.ID, err)
	}
	if next == "" {
		if mi+1 < len(sec.Modules) {
			out.Target = Position{Section: si, Module: mi + 1}
			return out, nil
		}
		return nextSection(tree, si, out), nil
	}

	out.RoutedModule = next
	for idx, m := range sec.Modules {
		if m.ID == next {
			out.Target = Position{Section: si, Module: idx}
			return out, nil
		}
	}

	if e.fetcher == nil {
		return Outcome{}, fmt.Errorf("route to %s: %w", next, ErrModuleNotFound)
	}
	fetched, err := e.fetcher.FetchModule(ctx, tree.ExamID, next)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch module %s: %w", next, err)
	}
	if fetched.Kind == "" {
		fetched.Kind = ModuleKindAdaptive
	}
	newTree, idx := tree.withModule(si, *fetched)
	e.log.Debug().Str("module_id", string(next)).Int("questions", len(fetched.Questions)).Msg("Adaptive module loaded")

	out.Tree = newTree
	out.Target = Position{Section: si, Module: idx}
	return out, nil
}

// sequential moves to the next module in document order. In adaptive exams
// variant modules are only reachable through routing and are skipped.
func (e *Evaluator) sequential(tree *ExamTree, si, mi int, out Outcome) Outcome {
	sec := tree.Sections[si]
	for idx := mi + 1; idx < len(sec.Modules); idx++ {
		if tree.Adaptive && sec.Modules[idx].Kind == ModuleKindAdaptive {
			continue
		}
		out.Target = Position{Section: si, Module: idx}
		return out
	}
	return nextSection(tree, si, out)
}

func nextSection(tree *ExamTree, si int, out Outcome) Outcome {
	for s := si + 1; s < len(tree.Sections); s++ {
		if len(tree.Sections[s].Modules) > 0 {
			out.Target = Position{Section: s, Module: 0}
			return out
		}
	}
	out.Complete = true
	return out
}

// isLastModule reports whether nothing can follow the module: it is the last
// module of the last non-empty section, or an adaptive variant in that section.
func isLastModule(tree *ExamTree, si, mi int) bool {
	for s := si + 1; s < len(tree.Sections); s++ {
		if len(tree.Sections[s].Modules) > 0 {
			return false
		}
	}
	sec := tree.Sections[si]
	if tree.Adaptive && sec.Modules[mi].Kind == ModuleKindAdaptive {
		return true
	}
	if tree.Adaptive && sec.Modules[mi].Kind == ModuleKindRouting {
		return mi == len(sec.Modules)-1 && len(sec.Variants) == 0
	}
	return mi == len(sec.Modules)-1
}
