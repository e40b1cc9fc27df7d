package takeexam

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSaveDebounce is the quiet period before an edited answer is saved.
const DefaultSaveDebounce = 300 * time.Millisecond

// AnswerRecord is the persisted shape of one answer.
type AnswerRecord struct {
	BaseQuestionID BaseQuestionID `json:"question_id"`
	SelectedChoice *string        `json:"selected_choice"`
	IsFlagged      bool           `json:"is_flagged"`
}

// Scheduler runs f after d and returns a cancel function reporting whether
// the call was prevented.
type Scheduler func(d time.Duration, f func()) (cancel func() bool)

func timeScheduler(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

type pendingSave struct {
	cancel func() bool
	seq    uint64
}

// AnswerStore is the in-memory source of truth for answers and flags. Local
// updates are synchronous; remote saves run in the background.
type AnswerStore struct {
	mu       sync.Mutex
	resolve  func() *ExamTree
	answers  map[BaseQuestionID]string
	flagged  map[BaseQuestionID]struct{}
	pending  map[BaseQuestionID]pendingSave
	seq      uint64
	frozen   bool
	inflight sync.WaitGroup

	assignmentID AssignmentID
	persist      AnswerPersister
	notifier     Notifier
	window       time.Duration
	schedule     Scheduler
	baseCtx      context.Context
	log          zerolog.Logger
}

// AnswerStoreOption configures an AnswerStore.
type AnswerStoreOption func(*AnswerStore)

// WithDebounce overrides the save debounce window.
func WithDebounce(d time.Duration) AnswerStoreOption {
	return func(s *AnswerStore) { s.window = d }
}

// WithScheduler replaces time.AfterFunc for debounced saves.
func WithScheduler(fn Scheduler) AnswerStoreOption {
	return func(s *AnswerStore) { s.schedule = fn }
}

// WithStoreNotifier sets where save failures are reported.
func WithStoreNotifier(n Notifier) AnswerStoreOption {
	return func(s *AnswerStore) { s.notifier = n }
}

// NewAnswerStore creates a store. resolve returns the current exam tree and
// is consulted on every lookup, so lazily added modules are visible.
func NewAnswerStore(
	ctx context.Context,
	assignmentID AssignmentID,
	resolve func() *ExamTree,
	persist AnswerPersister,
	log zerolog.Logger,
	opts ...AnswerStoreOption,
) *AnswerStore {
	s := &AnswerStore{
		resolve:      resolve,
		answers:      make(map[BaseQuestionID]string),
		flagged:      make(map[BaseQuestionID]struct{}),
		pending:      make(map[BaseQuestionID]pendingSave),
		assignmentID: assignmentID,
		persist:      persist,
		notifier:     nopNotifier{},
		window:       DefaultSaveDebounce,
		schedule:     timeScheduler,
		baseCtx:      ctx,
		log:          log.With().Str("component", "answer_store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed loads previously saved answers and flags without triggering saves.
func (s *AnswerStore) Seed(saved map[BaseQuestionID]SavedAnswer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range saved {
		if a.SelectedChoice != nil && *a.SelectedChoice != "" {
			s.answers[id] = *a.SelectedChoice
		}
		if a.IsFlagged {
			s.flagged[id] = struct{}{}
		}
	}
}

// SetAnswer records an answer for an exam question and schedules a debounced
// save. Unknown ids are logged and ignored.
func (s *AnswerStore) SetAnswer(examQuestionID ExamQuestionID, value string) {
	baseID, ok := s.resolve().ResolveBaseID(examQuestionID)
	if !ok {
		s.log.Warn().Str("exam_question_id", string(examQuestionID)).Msg("SetAnswer: exam question not in tree")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		s.log.Debug().Str("question_id", string(baseID)).Msg("SetAnswer after submission ignored")
		return
	}

	s.answers[baseID] = value

	if p, ok := s.pending[baseID]; ok {
		p.cancel()
	}
	s.seq++
	seq := s.seq
	cancel := s.schedule(s.window, func() { s.firePending(baseID, seq) })
	s.pending[baseID] = pendingSave{cancel: cancel, seq: seq}
}

// ToggleFlag flips the flag on a question and saves it immediately.
// It returns the new flag state.
func (s *AnswerStore) ToggleFlag(baseID BaseQuestionID) bool {
	if !s.resolve().HasBaseID(baseID) {
		s.log.Warn().Str("question_id", string(baseID)).Msg("ToggleFlag: question not in tree")
		return false
	}

	s.mu.Lock()
	if s.frozen {
		_, flagged := s.flagged[baseID]
		s.mu.Unlock()
		return flagged
	}
	_, flagged := s.flagged[baseID]
	if flagged {
		delete(s.flagged, baseID)
	} else {
		s.flagged[baseID] = struct{}{}
	}
	rec := s.recordLocked(baseID)
	s.inflight.Add(1)
	s.mu.Unlock()

	go s.save(rec)
	return !flagged
}

// Answer returns the current answer for a base question.
func (s *AnswerStore) Answer(baseID BaseQuestionID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.answers[baseID]
	return v, ok
}

// IsFlagged reports whether a base question is flagged.
func (s *AnswerStore) IsFlagged(baseID BaseQuestionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flagged[baseID]
	return ok
}

// IsAnswered reports whether a base question holds a non-empty answer.
func (s *AnswerStore) IsAnswered(baseID BaseQuestionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers[baseID] != ""
}

// CountAnswered counts answered questions within scope.
func (s *AnswerStore) CountAnswered(scope []BaseQuestionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range scope {
		if s.answers[id] != "" {
			n++
		}
	}
	return n
}

// CountFlagged counts flagged questions within scope.
func (s *AnswerStore) CountFlagged(scope []BaseQuestionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range scope {
		if _, ok := s.flagged[id]; ok {
			n++
		}
	}
	return n
}

// Records returns a copy of every answer or flag held by the store.
func (s *AnswerStore) Records() map[BaseQuestionID]AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[BaseQuestionID]AnswerRecord, len(s.answers)+len(s.flagged))
	for id := range s.answers {
		out[id] = s.recordLocked(id)
	}
	for id := range s.flagged {
		out[id] = s.recordLocked(id)
	}
	return out
}

// Flagged returns the flagged base ids.
func (s *AnswerStore) Flagged() []BaseQuestionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BaseQuestionID, 0, len(s.flagged))
	for id := range s.flagged {
		out = append(out, id)
	}
	return out
}

// PendingCount returns the number of debounced saves not yet sent.
func (s *AnswerStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// FlushPending sends every pending debounced save now and waits for all
// in-flight saves to resolve.
func (s *AnswerStore) FlushPending(ctx context.Context) {
	s.mu.Lock()
	recs := make([]AnswerRecord, 0, len(s.pending))
	for id, p := range s.pending {
		// A timer that already fired finds its slot gone and backs off.
		p.cancel()
		recs = append(recs, s.recordLocked(id))
		s.inflight.Add(1)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		go s.save(rec)
	}
	s.waitCtx(ctx)
}

// Wait blocks until in-flight saves finish.
func (s *AnswerStore) Wait() {
	s.inflight.Wait()
}

// Freeze makes the store read-only and drops pending saves.
func (s *AnswerStore) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	for id, p := range s.pending {
		p.cancel()
		delete(s.pending, id)
	}
}

func (s *AnswerStore) waitCtx(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *AnswerStore) firePending(baseID BaseQuestionID, seq uint64) {
	s.mu.Lock()
	p, ok := s.pending[baseID]
	if !ok || p.seq != seq {
		// superseded or flushed
		s.mu.Unlock()
		return
	}
	delete(s.pending, baseID)
	rec := s.recordLocked(baseID)
	s.inflight.Add(1)
	s.mu.Unlock()

	s.save(rec)
}

func (s *AnswerStore) recordLocked(baseID BaseQuestionID) AnswerRecord {
	rec := AnswerRecord{BaseQuestionID: baseID}
	if v, ok := s.answers[baseID]; ok {
		val := v
		rec.SelectedChoice = &val
	}
	_, rec.IsFlagged = s.flagged[baseID]
	return rec
}

func (s *AnswerStore) save(rec AnswerRecord) {
	defer s.inflight.Done()

	if err := s.persist.SaveAnswer(s.baseCtx, s.assignmentID, rec); err != nil {
		s.log.Error().Err(err).
			Str("assignment_id", string(s.assignmentID)).
			Str("question_id", string(rec.BaseQuestionID)).
			Msg("Save answer failed")
		s.notifier.Notify(Notice{Level: NoticeError, Message: "Failed to save answer. Retrying...", Transient: true})
		return
	}
	s.log.Debug().Str("question_id", string(rec.BaseQuestionID)).Msg("Answer saved")
}
