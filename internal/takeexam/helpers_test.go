package takeexam

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func question(eq, base, key string, order int) ExamQuestion {
	return ExamQuestion{
		ID:    ExamQuestionID(eq),
		Order: order,
		Question: Question{
			ID:            BaseQuestionID(base),
			Type:          "MULTIPLE_CHOICE",
			Prompt:        "Question " + base,
			CorrectAnswer: key,
			Points:        1,
		},
	}
}

// linearTree: one section, module m1 with q1..q3 and module m2 with q4.
func linearTree() *ExamTree {
	return &ExamTree{
		ExamID: "exam-1",
		Title:  "Practice Test",
		Type:   "PRACTICE",
		Sections: []Section{{
			ID:    "sec-1",
			Title: "Reading",
			Modules: []Module{
				{ID: "m1", Order: 1, Questions: []ExamQuestion{
					question("eq-1", "q1", "A", 1),
					question("eq-2", "q2", "B", 2),
					question("eq-3", "q3", "C", 3),
				}},
				{ID: "m2", Order: 2, Questions: []ExamQuestion{
					question("eq-4", "q4", "D", 1),
				}},
			},
		}},
	}
}

// adaptiveTree: a routing module whose variants are fetched lazily.
func adaptiveTree() *ExamTree {
	return &ExamTree{
		ExamID:   "sat-1",
		Title:    "SAT Practice",
		Type:     "SAT",
		Adaptive: true,
		Sections: []Section{{
			ID:    "sec-math",
			Title: "Math",
			Modules: []Module{
				{ID: "m-route", Order: 1, Kind: ModuleKindRouting, Questions: []ExamQuestion{
					question("eq-r1", "r1", "A", 1),
					question("eq-r2", "r2", "B", 2),
				}},
			},
			Variants: []ModuleRef{
				{ID: "m-easy", Difficulty: DifficultyEasy},
				{ID: "m-hard", Difficulty: DifficultyHard},
			},
		}},
	}
}

func variantModule(id ModuleID, d Difficulty) *Module {
	return &Module{
		ID:         id,
		Order:      2,
		Kind:       ModuleKindAdaptive,
		Difficulty: d,
		Questions: []ExamQuestion{
			question("eq-"+string(id)+"-1", string(id)+"-1", "A", 1),
		},
	}
}

type manualTask struct {
	f         func()
	fired     bool
	cancelled bool
}

// manualScheduler holds debounced saves until fire is called.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (m *manualScheduler) schedule(_ time.Duration, f func()) func() bool {
	t := &manualTask{f: f}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.fired || t.cancelled {
			return false
		}
		t.cancelled = true
		return true
	}
}

func (m *manualScheduler) fire() {
	m.mu.Lock()
	var run []*manualTask
	for _, t := range m.tasks {
		if !t.fired && !t.cancelled {
			t.fired = true
			run = append(run, t)
		}
	}
	m.tasks = nil
	m.mu.Unlock()
	for _, t := range run {
		t.f()
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	calls []AnswerRecord
	err   error
	trace *[]string
}

func (p *recordingPersister) SaveAnswer(_ context.Context, _ AssignmentID, rec AnswerRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, rec)
	if p.trace != nil {
		*p.trace = append(*p.trace, "save:"+string(rec.BaseQuestionID))
	}
	return p.err
}

func (p *recordingPersister) saved() []AnswerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AnswerRecord(nil), p.calls...)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notices))
	for i, n := range r.notices {
		out[i] = n.Message
	}
	return out
}

type fakeSubmitAPI struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	entered chan struct{}
	release chan struct{}
	trace   *[]string
}

func (f *fakeSubmitAPI) Submit(_ context.Context, _ AssignmentID) (*Results, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if f.trace != nil {
		*f.trace = append(*f.trace, "submit")
	}
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	score := 100.0
	return &Results{TotalQuestions: 4, AnsweredQuestions: 4, ScoredQuestions: 4, CorrectAnswers: 4, Score: &score}, nil
}

func (f *fakeSubmitAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNavigator struct {
	mu        sync.Mutex
	reviews   []ExamID
	dashboard int
}

func (n *recordingNavigator) ToReview(id ExamID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviews = append(n.reviews, id)
}

func (n *recordingNavigator) ToDashboard() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dashboard++
}

func (n *recordingNavigator) reviewCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reviews)
}

type mapFetcher struct {
	mu      sync.Mutex
	modules map[ModuleID]*Module
	calls   []ModuleID
}

func (f *mapFetcher) FetchModule(_ context.Context, _ ExamID, id ModuleID) (*Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	m, ok := f.modules[id]
	if !ok {
		return nil, ErrModuleNotFound
	}
	cp := *m
	return &cp, nil
}

type staticAnswers map[BaseQuestionID]string

func (a staticAnswers) Answer(id BaseQuestionID) (string, bool) {
	v, ok := a[id]
	return v, ok
}
