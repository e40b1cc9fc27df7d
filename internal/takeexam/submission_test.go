package takeexam

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSubmitter(api SubmissionAPI, store *AnswerStore, nav Navigator, notifier Notifier, cache ResultsCache) *Submitter {
	return NewSubmitter(SubmitterConfig{
		Exam:         ExamInfo{ID: "exam-1", Title: "Practice Test", Type: "PRACTICE", AllowRetakes: true},
		AssignmentID: "asg-1",
		API:          api,
		Store:        store,
		Cache:        cache,
		Navigator:    nav,
		Notifier:     notifier,
	}, testLogger())
}

func TestSubmitterRequestGates(t *testing.T) {
	s := newTestSubmitter(&fakeSubmitAPI{}, nil, nil, nil, nil)

	p, err := s.Request(ReviewSummary{Unanswered: 2, Flagged: 1})
	require.NoError(t, err)
	require.Equal(t, PromptReview, p.Kind)
	require.Equal(t, "2 unanswered, 1 flagged", p.Message)

	p, err = s.Request(ReviewSummary{})
	require.NoError(t, err)
	require.Equal(t, PromptConfirm, p.Kind)
	require.Equal(t, "Are you sure you want to submit this exam? You cannot change your answers after submission.", p.Message)
	require.Equal(t, NotSubmitted, s.State())
}

func TestSubmitterSingleFlight(t *testing.T) {
	api := &fakeSubmitAPI{entered: make(chan struct{}, 1), release: make(chan struct{})}
	nav := &recordingNavigator{}
	s := newTestSubmitter(api, nil, nav, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, s.Confirm(context.Background()))
	}()
	<-api.entered

	require.Equal(t, Submitting, s.State())
	require.NoError(t, s.Force(context.Background()))
	_, err := s.Request(ReviewSummary{})
	require.ErrorIs(t, err, ErrSubmissionInFlight)

	close(api.release)
	wg.Wait()

	require.Equal(t, 1, api.count())
	require.Equal(t, Submitted, s.State())
	require.Equal(t, 1, nav.reviewCount())

	require.NoError(t, s.Force(context.Background()))
	require.Equal(t, 1, api.count())
	_, err = s.Request(ReviewSummary{})
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitterFailureAllowsRetry(t *testing.T) {
	api := &fakeSubmitAPI{errs: []error{errors.New("503 service unavailable")}}
	nav := &recordingNavigator{}
	notices := &noticeRecorder{}
	cache := NewMemoryResultsCache(DefaultResultsTTL)
	s := newTestSubmitter(api, nil, nav, notices, cache)

	err := s.Confirm(context.Background())
	require.Error(t, err)
	require.Equal(t, NotSubmitted, s.State())
	require.Equal(t, []string{"Failed to submit exam. Please try again."}, notices.messages())
	require.Zero(t, nav.reviewCount())

	require.NoError(t, s.Retry(context.Background()))
	require.Equal(t, Submitted, s.State())
	require.Equal(t, 2, api.count())

	res, ok := cache.Get("exam-1")
	require.True(t, ok)
	require.Equal(t, 4, res.CorrectAnswers)
	require.Equal(t, "PRACTICE", res.Exam.Type)
	require.True(t, res.Exam.AllowRetakes)
}

func TestSubmitterFlushesPendingSavesFirst(t *testing.T) {
	var trace []string
	p := &recordingPersister{trace: &trace}
	store, _ := newTestStore(t, p)
	api := &fakeSubmitAPI{trace: &trace}
	s := newTestSubmitter(api, store, nil, nil, nil)

	store.SetAnswer("eq-1", "A")
	require.NoError(t, s.Confirm(context.Background()))

	require.Equal(t, []string{"save:q1", "submit"}, trace)

	store.SetAnswer("eq-2", "B")
	_, ok := store.Answer("q2")
	require.False(t, ok)
}

func TestSubmitterAbortDoesNotSubmit(t *testing.T) {
	api := &fakeSubmitAPI{}
	nav := &recordingNavigator{}
	s := newTestSubmitter(api, nil, nav, nil, nil)

	s.Abort()

	require.Zero(t, api.count())
	require.Equal(t, 1, nav.dashboard)
	require.Equal(t, NotSubmitted, s.State())
}
