package takeexam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	boot *Bootstrap
	err  error

	mu       sync.Mutex
	progress []ModuleID
}

func (p *fakeProvider) LoadSession(context.Context, ExamID) (*Bootstrap, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.boot, nil
}

func (p *fakeProvider) RecordProgress(_ context.Context, _ AssignmentID, id ModuleID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, id)
	return nil
}

func (p *fakeProvider) recorded() []ModuleID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ModuleID(nil), p.progress...)
}

type sessionFixture struct {
	provider  *fakeProvider
	persister *recordingPersister
	api       *fakeSubmitAPI
	nav       *recordingNavigator
	notices   *noticeRecorder
	fetcher   *mapFetcher
	sched     *manualScheduler
	scorer    Scorer
}

func newFixture(boot *Bootstrap) *sessionFixture {
	return &sessionFixture{
		provider:  &fakeProvider{boot: boot},
		persister: &recordingPersister{},
		api:       &fakeSubmitAPI{},
		nav:       &recordingNavigator{},
		notices:   &noticeRecorder{},
		fetcher:   &mapFetcher{modules: map[ModuleID]*Module{}},
		sched:     &manualScheduler{},
	}
}

func (f *sessionFixture) open(t *testing.T, router Router) *Session {
	t.Helper()
	s := Open(context.Background(), "exam-1", Deps{
		Provider:   f.provider,
		Persister:  f.persister,
		Submission: f.api,
		Fetcher:    f.fetcher,
		Scorer:     f.scorer,
		Router:     router,
		Navigator:  f.nav,
		Notifier:   f.notices,
	}, testLogger(),
		WithManualClock(),
		WithAnswerStoreOptions(WithScheduler(f.sched.schedule)),
	)
	t.Cleanup(s.Close)
	return s
}

func TestOpenReportsLoadStates(t *testing.T) {
	cases := []struct {
		name string
		err  error
		boot *Bootstrap
		want LoadState
	}{
		{name: "not found", err: fmt.Errorf("load: %w", ErrExamNotFound), want: LoadNotFound},
		{name: "unauthorized", err: ErrUnauthorized, want: LoadUnauthorized},
		{name: "transport", err: errors.New("dial tcp: refused"), want: LoadFailed},
		{name: "no questions", boot: &Bootstrap{Tree: &ExamTree{Sections: []Section{{Modules: []Module{{ID: "m"}}}}}}, want: LoadNoQuestions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.boot)
			f.provider.err = tc.err
			s := f.open(t, nil)

			require.Equal(t, tc.want, s.LoadState())
			require.Error(t, s.Err())
			require.Nil(t, s.Current())
			require.ErrorIs(t, s.JumpTo(Position{}), ErrSessionClosed)
		})
	}
}

func TestSessionLinearFlow(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: linearTree(), AssignmentID: "asg-1"})
	s := f.open(t, nil)
	require.Equal(t, LoadReady, s.LoadState())
	require.Equal(t, ExamQuestionID("eq-1"), s.Current().ID)

	s.AnswerCurrent("A")
	require.True(t, s.Next())
	s.AnswerCurrent("B")
	require.True(t, s.ToggleFlagCurrent())
	require.Equal(t, 2, s.AnsweredInModule())

	sum := s.Summary()
	require.Equal(t, 2, sum.Unanswered)
	require.Equal(t, 1, sum.Flagged)
	require.Equal(t, Position{Section: 0, Module: 0, Question: 2}, *sum.FirstUnanswered)
	require.Equal(t, Position{Section: 0, Module: 0, Question: 1}, *sum.FirstFlagged)

	res, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, Position{Section: 0, Module: 1}, s.Position())

	s.AnswerCurrent("D")
	res, err = s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.NotNil(t, res.Prompt)
	require.Equal(t, PromptReview, res.Prompt.Kind)

	require.NoError(t, s.ConfirmSubmit(context.Background()))
	require.Equal(t, Submitted, s.SubmissionState())
	require.Equal(t, 1, f.api.count())
	require.Equal(t, []ExamID{"exam-1"}, f.nav.reviews)

	// pending answer edits were flushed before submit
	var answered []BaseQuestionID
	for _, rec := range f.persister.saved() {
		if rec.SelectedChoice != nil {
			answered = append(answered, rec.BaseQuestionID)
		}
	}
	require.ElementsMatch(t, []BaseQuestionID{"q1", "q2", "q2", "q4"}, answered)

	s.AnswerCurrent("Z")
	v, _ := s.Store().Answer("q4")
	require.Equal(t, "D", v)

	_, err = s.CompleteModule(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSessionResumesInRecordedModule(t *testing.T) {
	f := newFixture(&Bootstrap{
		Tree:            linearTree(),
		AssignmentID:    "asg-1",
		CurrentModuleID: "m1",
		SavedAnswers: map[BaseQuestionID]SavedAnswer{
			"q1": {SelectedChoice: strPtr("A")},
			"q2": {SelectedChoice: strPtr("B"), IsFlagged: true},
		},
	})
	s := f.open(t, nil)

	require.Equal(t, Position{Section: 0, Module: 0, Question: 2}, s.Position())
	require.True(t, s.Store().IsFlagged("q2"))
	require.Empty(t, f.persister.saved())
	require.Eventually(t, func() bool { return len(f.provider.recorded()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestSessionUnknownResumeModuleStartsAtBeginning(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: linearTree(), AssignmentID: "asg-1", CurrentModuleID: "gone"})
	s := f.open(t, nil)

	require.Equal(t, Position{}, s.Position())
}

func TestSessionSkipsEmptyFirstModule(t *testing.T) {
	tree := linearTree()
	tree.Sections[0].Modules = append([]Module{{ID: "m0", Order: 0}}, tree.Sections[0].Modules...)
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1"})
	s := f.open(t, nil)

	require.Equal(t, Position{Section: 0, Module: 1}, s.Position())
	require.Equal(t, ExamQuestionID("eq-1"), s.Current().ID)
}

func TestSessionAdaptiveRouting(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: adaptiveTree(), AssignmentID: "asg-1"})
	f.fetcher.modules["m-hard"] = variantModule("m-hard", DifficultyHard)
	f.fetcher.modules["m-easy"] = variantModule("m-easy", DifficultyEasy)
	s := f.open(t, DifficultyRouter{Threshold: 2})

	s.SetAnswer("eq-r1", "A")
	s.SetAnswer("eq-r2", "B")

	res, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModuleID("m-hard"), res.RoutedModule)
	require.Equal(t, ModuleID("m-hard"), s.Module().ID)
	require.Equal(t, ExamQuestionID("eq-m-hard-1"), s.Current().ID)

	// answers on the routed module resolve against the grown tree
	s.AnswerCurrent("A")
	v, ok := s.Store().Answer("m-hard-1")
	require.True(t, ok)
	require.Equal(t, "A", v)

	res, err = s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, PromptConfirm, res.Prompt.Kind)
}

func TestSessionSummaryIgnoresUndeliveredVariants(t *testing.T) {
	tree := adaptiveTree()
	tree.Sections[0].Modules = append(tree.Sections[0].Modules,
		*variantModule("m-easy", DifficultyEasy),
		*variantModule("m-hard", DifficultyHard),
	)
	tree.Sections[0].Variants = nil
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1"})
	s := f.open(t, DifficultyRouter{Threshold: 1})

	require.Equal(t, 2, s.Summary().Unanswered)

	s.SetAnswer("eq-r1", "A")
	s.SetAnswer("eq-r2", "B")
	_, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModuleID("m-hard"), s.Module().ID)

	sum := s.Summary()
	require.Equal(t, 1, sum.Unanswered)
	require.Equal(t, ModuleID("m-hard"), tree.Sections[0].Modules[sum.FirstUnanswered.Module].ID)
}

func TestSessionTimerExpiryForcesSubmission(t *testing.T) {
	f := newFixture(&Bootstrap{
		Tree:                 linearTree(),
		AssignmentID:         "asg-1",
		TimeRemainingSeconds: intPtr(2),
	})
	s := f.open(t, nil)
	s.AnswerCurrent("A")

	s.TickTimer()
	require.Equal(t, 1, *s.Snapshot().TimeRemainingSeconds)
	s.TickTimer()

	require.Eventually(t, func() bool { return s.SubmissionState() == Submitted }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.api.count())
	require.Equal(t, 1, f.nav.reviewCount())
	require.Equal(t, 0, *s.Snapshot().TimeRemainingSeconds)

	// a late user submit is a no-op
	require.NoError(t, s.ConfirmSubmit(context.Background()))
	require.Equal(t, 1, f.api.count())
	require.Len(t, f.persister.saved(), 1)
}

func TestSessionModuleTimerAdvancesModule(t *testing.T) {
	tree := linearTree()
	tree.Sections[0].Modules[0].TimeLimitSeconds = intPtr(1)
	tree.Sections[0].Modules[1].TimeLimitSeconds = intPtr(30)
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1", TimeRemainingSeconds: intPtr(1)})
	s := f.open(t, nil)

	s.TickTimer()

	require.Eventually(t, func() bool { return s.Position().Module == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 30, *s.Snapshot().TimeRemainingSeconds)
	require.Equal(t, NotSubmitted, s.SubmissionState())
	require.Zero(t, f.api.count())
}

func TestSessionSubmitFailureThenRetry(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: linearTree(), AssignmentID: "asg-1"})
	f.api.errs = []error{errors.New("502 bad gateway")}
	s := f.open(t, nil)

	p, err := s.Submit()
	require.NoError(t, err)
	require.Equal(t, PromptReview, p.Kind)
	require.Equal(t, 4, p.Summary.Unanswered)

	require.Error(t, s.ConfirmSubmit(context.Background()))
	require.Equal(t, NotSubmitted, s.SubmissionState())
	require.Contains(t, f.notices.messages(), "Failed to submit exam. Please try again.")

	require.NoError(t, s.RetrySubmit(context.Background()))
	require.Equal(t, Submitted, s.SubmissionState())
}

func TestSessionJumpToFirstFlagged(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: linearTree(), AssignmentID: "asg-1"})
	s := f.open(t, nil)

	require.False(t, s.JumpToFirstFlagged())
	require.True(t, s.ToggleFlag("q3"))
	require.True(t, s.JumpToFirstFlagged())
	require.Equal(t, 2, s.Position().Question)

	require.True(t, s.JumpToFirstUnanswered())
	require.Equal(t, Position{}, s.Position())
	require.ErrorIs(t, s.JumpTo(Position{Module: 7}), ErrInvalidPosition)
}

func TestSessionAbortNavigatesToDashboard(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: linearTree(), AssignmentID: "asg-1"})
	s := f.open(t, nil)
	s.AnswerCurrent("A")

	s.Abort()

	require.Equal(t, 1, f.nav.dashboard)
	require.Zero(t, f.api.count())
}

// persistedScorer grades only answers the persister received, like a server.
type persistedScorer struct {
	saves *recordingPersister
}

func (p persistedScorer) ScoreModule(_ context.Context, _ AssignmentID, m *Module, _ AnswerLookup) (int, error) {
	latest := make(map[BaseQuestionID]string)
	for _, rec := range p.saves.saved() {
		if rec.SelectedChoice != nil {
			latest[rec.BaseQuestionID] = *rec.SelectedChoice
		}
	}
	n := 0
	for _, q := range m.Questions {
		if v := latest[q.Question.ID]; v != "" && AnswerMatches(q.Question.Type, v, q.Question.CorrectAnswer) {
			n++
		}
	}
	return n, nil
}

func TestSessionCompleteModuleScoresDebouncedAnswers(t *testing.T) {
	f := newFixture(&Bootstrap{Tree: adaptiveTree(), AssignmentID: "asg-1"})
	f.fetcher.modules["m-hard"] = variantModule("m-hard", DifficultyHard)
	f.fetcher.modules["m-easy"] = variantModule("m-easy", DifficultyEasy)
	f.scorer = persistedScorer{saves: f.persister}
	s := f.open(t, DifficultyRouter{Threshold: 2})

	s.SetAnswer("eq-r1", "A")
	s.SetAnswer("eq-r2", "B")
	require.Equal(t, 2, s.Store().PendingCount())

	res, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Score)
	require.Equal(t, ModuleID("m-hard"), res.RoutedModule)
	require.Zero(t, s.Store().PendingCount())
}

func TestSessionModuleExpiryScoresDebouncedAnswers(t *testing.T) {
	tree := adaptiveTree()
	tree.Sections[0].Modules[0].TimeLimitSeconds = intPtr(1)
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1", TimeRemainingSeconds: intPtr(1)})
	f.fetcher.modules["m-hard"] = variantModule("m-hard", DifficultyHard)
	f.fetcher.modules["m-easy"] = variantModule("m-easy", DifficultyEasy)
	f.scorer = persistedScorer{saves: f.persister}
	s := f.open(t, DifficultyRouter{Threshold: 2})

	s.SetAnswer("eq-r1", "A")
	s.SetAnswer("eq-r2", "B")
	s.TickTimer()

	require.Eventually(t, func() bool {
		m := s.Module()
		return m != nil && m.ID != "m-route"
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, ModuleID("m-hard"), s.Module().ID)
	require.Equal(t, NotSubmitted, s.SubmissionState())
}

func TestSessionModuleExpiryActsOnEnteredModule(t *testing.T) {
	tree := linearTree()
	tree.Sections[0].Modules[0].TimeLimitSeconds = intPtr(2)
	tree.Sections[0].Modules[1].TimeLimitSeconds = intPtr(3)
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1", TimeRemainingSeconds: intPtr(2)})
	s := f.open(t, nil)

	s.TickTimer()
	s.TickTimer()
	require.Eventually(t, func() bool { return s.Position().Module == 1 }, time.Second, 10*time.Millisecond)

	s.TickTimer()
	s.TickTimer()
	require.Equal(t, 1, *s.Snapshot().TimeRemainingSeconds)

	// back to the closed first module; the second module's clock keeps running
	require.NoError(t, s.JumpTo(Position{}))
	require.Equal(t, 1, *s.Snapshot().TimeRemainingSeconds)

	s.TickTimer()
	require.Eventually(t, func() bool { return s.SubmissionState() == Submitted }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.api.count())
	require.Equal(t, 1, f.nav.reviewCount())
}

func TestSessionCompleteModuleAfterJumpBack(t *testing.T) {
	tree := linearTree()
	tree.Sections[0].Modules[1].Questions = append(tree.Sections[0].Modules[1].Questions,
		question("eq-5", "q5", "E", 2))
	f := newFixture(&Bootstrap{Tree: tree, AssignmentID: "asg-1"})
	s := f.open(t, nil)

	_, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.Position().Module)

	require.True(t, s.JumpToFirstUnanswered())
	require.Equal(t, Position{}, s.Position())

	res, err := s.CompleteModule(context.Background())
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.NotNil(t, res.Prompt)
}

func TestSessionResumeTreatsEmptyAnswerAsOpen(t *testing.T) {
	f := newFixture(&Bootstrap{
		Tree:            linearTree(),
		AssignmentID:    "asg-1",
		CurrentModuleID: "m1",
		SavedAnswers: map[BaseQuestionID]SavedAnswer{
			"q1": {SelectedChoice: strPtr("")},
			"q2": {SelectedChoice: strPtr("B")},
		},
	})
	s := f.open(t, nil)

	require.Equal(t, Position{}, s.Position())
	require.Equal(t, Position{}, *s.Summary().FirstUnanswered)
}
