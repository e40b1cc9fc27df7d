package takeexam

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// LoadState tells the host what to render after Open.
type LoadState string

const (
	LoadReady        LoadState = "READY"
	LoadNotFound     LoadState = "NOT_FOUND"
	LoadUnauthorized LoadState = "UNAUTHORIZED"
	LoadNoQuestions  LoadState = "NO_QUESTIONS"
	LoadFailed       LoadState = "LOAD_FAILED"
)

// Deps are the collaborators of a Session. Provider, Persister and
// Submission are required; the rest have defaults.
type Deps struct {
	Provider   ExamProvider
	Persister  AnswerPersister
	Submission SubmissionAPI
	Fetcher    ModuleFetcher
	Scorer     Scorer
	Router     Router
	Cache      ResultsCache
	Navigator  Navigator
	Notifier   Notifier
	Observe    SubmitMetricFunc
}

// Option tunes a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	storeOpts []AnswerStoreOption
	autoStart bool
}

// WithAnswerStoreOptions forwards options to the answer store.
func WithAnswerStoreOptions(opts ...AnswerStoreOption) Option {
	return func(o *sessionOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithManualClock leaves the timer stopped; the caller drives it with TickTimer.
func WithManualClock() Option {
	return func(o *sessionOptions) { o.autoStart = false }
}

// SessionState is a read-only snapshot of one attempt.
type SessionState struct {
	ExamID               ExamID                          `json:"exam_id"`
	AssignmentID         AssignmentID                    `json:"assignment_id"`
	Load                 LoadState                       `json:"load_state"`
	Cursor               Position                        `json:"cursor"`
	Answers              map[BaseQuestionID]AnswerRecord `json:"answers"`
	Flagged              []BaseQuestionID                `json:"flagged"`
	TimeRemainingSeconds *int                            `json:"time_remaining_seconds"`
	Submission           SubmissionState                 `json:"submission_state"`
}

// ModuleResult is returned when the student finishes a module.
type ModuleResult struct {
	Outcome
	// Prompt is set when the exam reached its natural end.
	Prompt *Prompt
}

// Session owns the state of one exam attempt and wires its components.
// Event methods are serialized by mu.
type Session struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	examID ExamID
	load   LoadState
	err    error
	deps   Deps
	opts   sessionOptions

	assignmentID AssignmentID
	tree         *ExamTree
	cursor       *Cursor
	store        *AnswerStore
	timer        *Timer
	moduleTimed  bool
	started      bool
	evaluator    *Evaluator
	submitter    *Submitter
	visited      map[ModuleID]bool

	// active is the module last entered through completion or resume. The
	// cursor may be elsewhere after a jump; completion and module expiry
	// always act on active.
	active  Position
	entered map[ModuleID]bool

	log zerolog.Logger
}

// Open bootstraps an attempt. It always returns a Session; load failures are
// reported through LoadState and Err rather than a nil session.
func Open(ctx context.Context, examID ExamID, deps Deps, log zerolog.Logger, opts ...Option) *Session {
	o := sessionOptions{autoStart: true}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Navigator == nil {
		deps.Navigator = nopNavigator{}
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ctx:     sctx,
		cancel:  cancel,
		examID:  examID,
		deps:    deps,
		opts:    o,
		visited: make(map[ModuleID]bool),
		entered: make(map[ModuleID]bool),
		log:     log.With().Str("component", "exam_session").Str("exam_id", string(examID)).Logger(),
	}

	boot, err := deps.Provider.LoadSession(ctx, examID)
	if err != nil {
		s.fail(err)
		return s
	}
	if boot.Tree == nil || boot.Tree.QuestionCount() == 0 {
		s.load = LoadNoQuestions
		s.err = ErrNoQuestions
		s.log.Warn().Msg("Exam has no questions")
		return s
	}

	s.assignmentID = boot.AssignmentID
	s.tree = NormalizeTree(boot.Tree)
	if s.tree.ExamID == "" {
		s.tree.ExamID = examID
	}
	s.cursor = NewCursor(s.tree)
	s.store = NewAnswerStore(sctx, boot.AssignmentID, s.currentTree, deps.Persister, log,
		append([]AnswerStoreOption{WithStoreNotifier(deps.Notifier)}, o.storeOpts...)...)
	s.store.Seed(boot.SavedAnswers)
	s.evaluator = NewEvaluator(deps.Scorer, deps.Router, deps.Fetcher, log)
	s.submitter = NewSubmitter(SubmitterConfig{
		Exam: ExamInfo{
			ID:           s.tree.ExamID,
			Title:        s.tree.Title,
			Type:         s.tree.Type,
			AllowRetakes: s.tree.AllowRetakes,
		},
		AssignmentID: boot.AssignmentID,
		API:          deps.Submission,
		Store:        s.store,
		Cache:        deps.Cache,
		Navigator:    deps.Navigator,
		Notifier:     deps.Notifier,
		Observe:      deps.Observe,
		OnSubmitted:  s.stopTimer,
	}, log)

	s.load = LoadReady
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resume(ctx, boot.CurrentModuleID)
	m := s.tree.Module(s.active.Section, s.active.Module)
	s.armTimer(boot.TimeRemainingSeconds, s.tree.TimeLimitSeconds == nil && m != nil && m.TimeLimitSeconds != nil)
	s.started = true

	s.log.Info().
		Str("assignment_id", string(s.assignmentID)).
		Int("questions", s.tree.QuestionCount()).
		Bool("adaptive", s.tree.Adaptive).
		Msg("Exam session ready")
	return s
}

func (s *Session) fail(err error) {
	s.err = err
	switch {
	case errors.Is(err, ErrExamNotFound):
		s.load = LoadNotFound
	case errors.Is(err, ErrUnauthorized):
		s.load = LoadUnauthorized
	default:
		s.load = LoadFailed
	}
	s.log.Error().Err(err).Str("load_state", string(s.load)).Msg("Failed to load exam session")
}

// LoadState reports the bootstrap outcome.
func (s *Session) LoadState() LoadState { return s.load }

// Err returns the bootstrap error, if any.
func (s *Session) Err() error { return s.err }

func (s *Session) ready() bool { return s.load == LoadReady && !s.closed }

func (s *Session) currentTree() *ExamTree {
	// Called by the answer store while the session may hold mu; the tree
	// pointer is only swapped under mu by the same goroutine.
	return s.tree
}

// Tree returns the current exam tree.
func (s *Session) Tree() *ExamTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Position returns the cursor position.
func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return Position{}
	}
	return s.cursor.Position()
}

// Current returns the question under the cursor.
func (s *Session) Current() *ExamQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return nil
	}
	return s.cursor.Current()
}

// Module returns the current module.
func (s *Session) Module() *Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return nil
	}
	return s.cursor.Module()
}

// Store exposes the answer store for read queries.
func (s *Session) Store() *AnswerStore { return s.store }

// SetAnswer records an answer for an exam question.
func (s *Session) SetAnswer(id ExamQuestionID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return
	}
	s.store.SetAnswer(id, value)
}

// AnswerCurrent answers the question under the cursor.
func (s *Session) AnswerCurrent(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return
	}
	if q := s.cursor.Current(); q != nil {
		s.store.SetAnswer(q.ID, value)
	}
}

// ToggleFlag flips the flag on a base question.
func (s *Session) ToggleFlag(id BaseQuestionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return false
	}
	return s.store.ToggleFlag(id)
}

// ToggleFlagCurrent flips the flag on the question under the cursor.
func (s *Session) ToggleFlagCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return false
	}
	q := s.cursor.Current()
	if q == nil {
		return false
	}
	return s.store.ToggleFlag(q.Question.ID)
}

// Next moves forward within the module.
func (s *Session) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready() && s.cursor.Next()
}

// Previous moves back within the module.
func (s *Session) Previous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready() && s.cursor.Previous()
}

// JumpTo moves to any question of the loaded tree.
func (s *Session) JumpTo(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return ErrSessionClosed
	}
	if err := s.cursor.JumpTo(p); err != nil {
		s.log.Warn().Err(err).Msg("Jump rejected")
		return err
	}
	s.markVisited()
	return nil
}

// JumpToFirstUnanswered moves to the first open question, if any.
func (s *Session) JumpToFirstUnanswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return false
	}
	sum := s.summaryLocked()
	if sum.FirstUnanswered == nil {
		return false
	}
	return s.cursor.JumpTo(*sum.FirstUnanswered) == nil
}

// JumpToFirstFlagged moves to the first flagged question, if any.
func (s *Session) JumpToFirstFlagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return false
	}
	sum := s.summaryLocked()
	if sum.FirstFlagged == nil {
		return false
	}
	return s.cursor.JumpTo(*sum.FirstFlagged) == nil
}

// AnsweredInModule counts answered questions in the current module.
func (s *Session) AnsweredInModule() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return 0
	}
	return AnsweredInModule(s.cursor, s.store)
}

// Summary counts unanswered and flagged questions on the student's path.
func (s *Session) Summary() ReviewSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return ReviewSummary{}
	}
	return s.summaryLocked()
}

// CompleteModule finishes the current module and moves to whatever follows.
// At the natural end of the exam it returns the submission prompt instead.
func (s *Session) CompleteModule(ctx context.Context) (ModuleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return ModuleResult{}, ErrSessionClosed
	}
	return s.completeLocked(ctx)
}

func (s *Session) completeLocked(ctx context.Context) (ModuleResult, error) {
	if s.submitter.State() != NotSubmitted {
		return ModuleResult{}, ErrAlreadySubmitted
	}
	// Remote scorers only see answers that reached the server.
	s.store.FlushPending(ctx)

	out, err := s.evaluator.Evaluate(ctx, s.tree, s.assignmentID, s.active.Section, s.active.Module, s.store)
	if err != nil {
		s.log.Error().Err(err).Msg("Module completion failed")
		s.deps.Notifier.Notify(Notice{Level: NoticeError, Message: "Could not load the next module. Please try again.", Transient: true})
		return ModuleResult{}, err
	}

	res := ModuleResult{Outcome: out}
	if out.Complete {
		p, err := s.submitter.Request(s.summaryLocked())
		if err != nil {
			return res, err
		}
		res.Prompt = &p
		return res, nil
	}

	s.tree = out.Tree
	if err := s.enterLocked(ctx, out.Target.Section, out.Target.Module); err != nil {
		return res, err
	}
	if len(s.cursor.ModuleQuestions()) == 0 {
		return s.completeLocked(ctx)
	}
	return res, nil
}

// Submit is the user-initiated submit. It returns the prompt to show.
func (s *Session) Submit() (Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return Prompt{}, ErrSessionClosed
	}
	return s.submitter.Request(s.summaryLocked())
}

// ConfirmSubmit submits after the student accepted the prompt.
func (s *Session) ConfirmSubmit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return ErrSessionClosed
	}
	return s.submitter.Confirm(ctx)
}

// RetrySubmit resubmits after a failure, without gates.
func (s *Session) RetrySubmit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		return ErrSessionClosed
	}
	return s.submitter.Retry(ctx)
}

// Abort leaves without submitting.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitter != nil {
		s.submitter.Abort()
	} else {
		s.deps.Navigator.ToDashboard()
	}
}

// SubmissionState reports the submission state.
func (s *Session) SubmissionState() SubmissionState {
	if s.submitter == nil {
		return NotSubmitted
	}
	return s.submitter.State()
}

// TickTimer advances the active timer by one second. Used by hosts that
// drive time themselves.
func (s *Session) TickTimer() {
	s.mu.Lock()
	t := s.timer
	s.mu.Unlock()
	if t != nil {
		t.Tick()
	}
}

// Snapshot returns the current SessionState.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionState{
		ExamID:       s.examID,
		AssignmentID: s.assignmentID,
		Load:         s.load,
		Submission:   s.SubmissionState(),
	}
	if s.load != LoadReady {
		return st
	}
	st.Cursor = s.cursor.Position()
	st.Answers = s.store.Records()
	st.Flagged = s.store.Flagged()
	if s.timer != nil {
		st.TimeRemainingSeconds = s.timer.Remaining()
	}
	return st
}

// Close stops the timer and sends pending saves. The session is unusable after.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.timer
	s.timer = nil
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if s.store != nil {
		s.store.FlushPending(s.ctx)
	}
	s.cancel()
}

// resume places the cursor. If the provider remembers a module, the student
// continues there at its first unanswered question; otherwise at the start.
func (s *Session) resume(ctx context.Context, current ModuleID) {
	if current != "" {
		if si, mi, ok := s.locateModule(ctx, current); ok {
			if err := s.enterLocked(ctx, si, mi); err == nil {
				m := s.cursor.Module()
				for qi, q := range m.Questions {
					if !s.store.IsAnswered(q.Question.ID) {
						_ = s.cursor.JumpTo(Position{Section: si, Module: mi, Question: qi})
						break
					}
				}
				return
			}
		}
		s.log.Warn().Str("module_id", string(current)).Msg("Resume module unavailable, starting from the beginning")
	}

	if err := s.enterLocked(ctx, 0, 0); err != nil {
		s.log.Error().Err(err).Msg("Cannot enter first module")
		return
	}
	if len(s.cursor.ModuleQuestions()) == 0 {
		if _, err := s.completeLocked(ctx); err != nil {
			s.log.Error().Err(err).Msg("Skipping empty first module failed")
		}
	}
}

func (s *Session) locateModule(ctx context.Context, id ModuleID) (int, int, bool) {
	if si, mi, ok := s.tree.FindModule(id); ok {
		return si, mi, true
	}
	if s.deps.Fetcher == nil {
		return 0, 0, false
	}
	for si, sec := range s.tree.Sections {
		for _, v := range sec.Variants {
			if v.ID != id {
				continue
			}
			m, err := s.deps.Fetcher.FetchModule(ctx, s.tree.ExamID, id)
			if err != nil {
				s.log.Error().Err(err).Str("module_id", string(id)).Msg("Fetch resume module failed")
				return 0, 0, false
			}
			if m.Kind == "" {
				m.Kind = ModuleKindAdaptive
			}
			tree, mi := s.tree.withModule(si, *m)
			s.tree = tree
			return si, mi, true
		}
	}
	return 0, 0, false
}

func (s *Session) enterLocked(ctx context.Context, si, mi int) error {
	if err := s.cursor.Enter(s.tree, si, mi); err != nil {
		return err
	}
	m := s.cursor.Module()
	s.active = Position{Section: si, Module: mi}
	s.markVisited()
	first := !s.entered[m.ID]
	s.entered[m.ID] = true

	// The remaining time of the module the student resumes in comes from
	// the provider; later modules start with their full limit. A module's
	// limit is armed once per attempt.
	if first && s.started && s.tree.TimeLimitSeconds == nil && (s.moduleTimed || m.TimeLimitSeconds != nil) {
		s.stopTimer()
		s.armTimer(m.TimeLimitSeconds, true)
	}

	if rec, ok := s.deps.Provider.(ProgressRecorder); ok {
		go func(id ModuleID) {
			if err := rec.RecordProgress(s.ctx, s.assignmentID, id); err != nil {
				s.log.Warn().Err(err).Str("module_id", string(id)).Msg("Record progress failed")
			}
		}(m.ID)
	}
	return nil
}

func (s *Session) markVisited() {
	if m := s.cursor.Module(); m != nil {
		s.visited[m.ID] = true
	}
}

// armTimer starts a timer for the remaining seconds. perModule marks the
// limit as belonging to the current module rather than the whole exam.
func (s *Session) armTimer(remaining *int, perModule bool) {
	s.moduleTimed = perModule
	if remaining == nil {
		s.timer = nil
		return
	}
	var t *Timer
	t = NewTimer(remaining, s.deps.Notifier, func() { go s.handleExpiry(t) }, s.log)
	s.timer = t
	if s.opts.autoStart {
		t.Start(s.ctx)
	}
}

func (s *Session) stopTimer() {
	if t := s.timer; t != nil {
		t.Stop()
	}
}

// handleExpiry runs off the timer goroutine. A module timer running out
// ends the module; the exam timer running out forces submission.
func (s *Session) handleExpiry(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != t {
		return
	}

	if s.moduleTimed {
		res, err := s.completeLocked(s.ctx)
		if err == nil && !res.Complete {
			return
		}
	}

	s.log.Warn().Msg("Time expired, forcing submission")
	if err := s.submitter.Force(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("Forced submission failed, waiting for manual retry")
	}
}

// summaryLocked counts open questions on the student's path. In adaptive
// exams, variant modules that were never delivered are not counted.
func (s *Session) summaryLocked() ReviewSummary {
	var sum ReviewSummary
	for _, fq := range FlattenQuestions(s.tree) {
		if s.tree.Adaptive && fq.Module.Kind == ModuleKindAdaptive && !s.visited[fq.Module.ID] {
			continue
		}
		id := fq.Question.Question.ID
		if !s.store.IsAnswered(id) {
			sum.Unanswered++
			if sum.FirstUnanswered == nil {
				p := fq.Position
				sum.FirstUnanswered = &p
			}
		}
		if s.store.IsFlagged(id) {
			sum.Flagged++
			if sum.FirstFlagged == nil {
				p := fq.Position
				sum.FirstFlagged = &p
			}
		}
	}
	return sum
}
