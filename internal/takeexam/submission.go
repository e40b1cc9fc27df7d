package takeexam

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// SubmissionState only moves forward, except that a failed submit call
// returns to NotSubmitted so it can be retried.
type SubmissionState string

const (
	NotSubmitted SubmissionState = "NOT_SUBMITTED"
	Submitting   SubmissionState = "SUBMITTING"
	Submitted    SubmissionState = "SUBMITTED"
)

// Trigger records why a submission happened.
type Trigger string

const (
	TriggerUser  Trigger = "user"
	TriggerTimer Trigger = "timer"
	TriggerRetry Trigger = "retry"
)

// ReviewSummary counts what is still open before a user submission.
type ReviewSummary struct {
	Unanswered      int       `json:"unanswered"`
	Flagged         int       `json:"flagged"`
	FirstUnanswered *Position `json:"first_unanswered,omitempty"`
	FirstFlagged    *Position `json:"first_flagged,omitempty"`
}

// PromptKind is the gate shown before a user submission.
type PromptKind string

const (
	PromptNone    PromptKind = ""
	PromptReview  PromptKind = "REVIEW"
	PromptConfirm PromptKind = "CONFIRM"
)

// Prompt is returned by Request for the host to show.
type Prompt struct {
	Kind    PromptKind    `json:"kind"`
	Summary ReviewSummary `json:"summary"`
	Message string        `json:"message"`
}

const confirmMessage = "Are you sure you want to submit this exam? You cannot change your answers after submission."

// SubmitMetricFunc observes finished submit calls.
type SubmitMetricFunc func(trigger Trigger, ok bool)

// Submitter finalizes an attempt exactly once.
type Submitter struct {
	mu    sync.Mutex
	state SubmissionState

	examInfo     ExamInfo
	assignmentID AssignmentID
	api          SubmissionAPI
	store        *AnswerStore
	cache        ResultsCache
	nav          Navigator
	notifier     Notifier
	observe      SubmitMetricFunc
	onSubmitted  func()
	log          zerolog.Logger
}

// SubmitterConfig groups the collaborators of a Submitter.
type SubmitterConfig struct {
	Exam         ExamInfo
	AssignmentID AssignmentID
	API          SubmissionAPI
	Store        *AnswerStore
	Cache        ResultsCache
	Navigator    Navigator
	Notifier     Notifier
	Observe      SubmitMetricFunc
	// OnSubmitted runs after a successful submit, before navigation.
	OnSubmitted func()
}

// NewSubmitter creates a Submitter in the NotSubmitted state.
func NewSubmitter(cfg SubmitterConfig, log zerolog.Logger) *Submitter {
	s := &Submitter{
		state:        NotSubmitted,
		examInfo:     cfg.Exam,
		assignmentID: cfg.AssignmentID,
		api:          cfg.API,
		store:        cfg.Store,
		cache:        cfg.Cache,
		nav:          cfg.Navigator,
		notifier:     cfg.Notifier,
		observe:      cfg.Observe,
		onSubmitted:  cfg.OnSubmitted,
		log:          log.With().Str("component", "submitter").Logger(),
	}
	if s.nav == nil {
		s.nav = nopNavigator{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.cache == nil {
		s.cache = NewMemoryResultsCache(DefaultResultsTTL)
	}
	return s
}

// State returns the current submission state.
func (s *Submitter) State() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request is the user-initiated entry point. It never submits by itself:
// the host shows the returned prompt and calls Confirm when accepted.
func (s *Submitter) Request(summary ReviewSummary) (Prompt, error) {
	switch s.State() {
	case Submitting:
		return Prompt{}, ErrSubmissionInFlight
	case Submitted:
		return Prompt{}, ErrAlreadySubmitted
	}
	if summary.Unanswered > 0 || summary.Flagged > 0 {
		return Prompt{
			Kind:    PromptReview,
			Summary: summary,
			Message: fmt.Sprintf("%d unanswered, %d flagged", summary.Unanswered, summary.Flagged),
		}, nil
	}
	return Prompt{Kind: PromptConfirm, Summary: summary, Message: confirmMessage}, nil
}

// Confirm submits after the student accepted a prompt.
func (s *Submitter) Confirm(ctx context.Context) error {
	return s.submit(ctx, TriggerUser)
}

// Force submits without any gate, for timer expiry.
func (s *Submitter) Force(ctx context.Context) error {
	return s.submit(ctx, TriggerTimer)
}

// Retry resubmits without gates after a failed attempt.
func (s *Submitter) Retry(ctx context.Context) error {
	return s.submit(ctx, TriggerRetry)
}

// Abort leaves the exam without submitting anything.
func (s *Submitter) Abort() {
	s.log.Info().Str("assignment_id", string(s.assignmentID)).Msg("Attempt aborted without submission")
	s.nav.ToDashboard()
}

func (s *Submitter) submit(ctx context.Context, trigger Trigger) error {
	s.mu.Lock()
	if s.state != NotSubmitted {
		s.mu.Unlock()
		s.log.Debug().Str("trigger", string(trigger)).Msg("Submit ignored, already submitting or submitted")
		return nil
	}
	s.state = Submitting
	s.mu.Unlock()

	log := s.log.With().
		Str("assignment_id", string(s.assignmentID)).
		Str("trigger", string(trigger)).
		Logger()

	if s.store != nil {
		s.store.FlushPending(ctx)
	}

	results, err := s.api.Submit(ctx, s.assignmentID)
	if err != nil {
		s.mu.Lock()
		s.state = NotSubmitted
		s.mu.Unlock()

		log.Error().Err(err).Msg("Submit failed")
		s.notifier.Notify(Notice{Level: NoticeError, Message: "Failed to submit exam. Please try again."})
		if s.observe != nil {
			s.observe(trigger, false)
		}
		return fmt.Errorf("submit: %w", err)
	}

	s.mu.Lock()
	s.state = Submitted
	s.mu.Unlock()

	if s.store != nil {
		s.store.Freeze()
	}
	s.cache.Put(s.examInfo.ID, ReviewResults{Results: *results, Exam: s.examInfo})
	if s.observe != nil {
		s.observe(trigger, true)
	}
	if s.onSubmitted != nil {
		s.onSubmitted()
	}

	log.Info().Int("correct", results.CorrectAnswers).Msg("Exam submitted")
	s.nav.ToReview(s.examInfo.ID)
	return nil
}
