package takeexam

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, p *recordingPersister, opts ...AnswerStoreOption) (*AnswerStore, *manualScheduler) {
	t.Helper()
	tree := linearTree()
	sched := &manualScheduler{}
	opts = append([]AnswerStoreOption{WithScheduler(sched.schedule)}, opts...)
	store := NewAnswerStore(context.Background(), "asg-1", func() *ExamTree { return tree }, p, testLogger(), opts...)
	return store, sched
}

func TestAnswerStoreDebounceCollapsesRapidEdits(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.SetAnswer("eq-1", "A")
	store.SetAnswer("eq-1", "B")
	store.SetAnswer("eq-1", "C")

	v, ok := store.Answer("q1")
	require.True(t, ok)
	require.Equal(t, "C", v)
	require.Equal(t, 1, store.PendingCount())
	require.Empty(t, p.saved())

	sched.fire()
	store.Wait()

	saved := p.saved()
	require.Len(t, saved, 1)
	require.Equal(t, BaseQuestionID("q1"), saved[0].BaseQuestionID)
	require.Equal(t, "C", *saved[0].SelectedChoice)
	require.Zero(t, store.PendingCount())
}

func TestAnswerStoreDebounceIsPerQuestion(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.SetAnswer("eq-1", "A")
	store.SetAnswer("eq-2", "B")
	require.Equal(t, 2, store.PendingCount())

	sched.fire()
	store.Wait()
	require.Len(t, p.saved(), 2)
}

func TestAnswerStoreKeysByBaseQuestion(t *testing.T) {
	p := &recordingPersister{}
	store, _ := newTestStore(t, p)

	store.SetAnswer("eq-2", "B")

	_, ok := store.Answer("eq-2")
	require.False(t, ok)
	v, ok := store.Answer("q2")
	require.True(t, ok)
	require.Equal(t, "B", v)
	require.Equal(t, 1, store.CountAnswered([]BaseQuestionID{"q1", "q2", "q3"}))
}

func TestAnswerStoreUnknownQuestionIgnored(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.SetAnswer("eq-missing", "A")
	require.False(t, store.ToggleFlag("missing"))

	sched.fire()
	store.Wait()
	require.Zero(t, store.PendingCount())
	require.Empty(t, store.Records())
	require.Empty(t, p.saved())
}

func TestAnswerStoreToggleFlagSavesImmediately(t *testing.T) {
	p := &recordingPersister{}
	store, _ := newTestStore(t, p)

	store.Seed(map[BaseQuestionID]SavedAnswer{"q3": {SelectedChoice: strPtr("C")}})

	require.True(t, store.ToggleFlag("q3"))
	store.Wait()

	saved := p.saved()
	require.Len(t, saved, 1)
	require.True(t, saved[0].IsFlagged)
	require.Equal(t, "C", *saved[0].SelectedChoice)

	require.False(t, store.ToggleFlag("q3"))
	store.Wait()
	require.False(t, store.IsFlagged("q3"))
	require.Len(t, p.saved(), 2)
}

func TestAnswerStoreSeedDoesNotSave(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.Seed(map[BaseQuestionID]SavedAnswer{
		"q1": {SelectedChoice: strPtr("A"), IsFlagged: true},
		"q2": {SelectedChoice: strPtr("")},
	})

	sched.fire()
	store.Wait()
	require.Empty(t, p.saved())
	require.True(t, store.IsFlagged("q1"))
	_, ok := store.Answer("q2")
	require.False(t, ok)
}

func TestAnswerStoreSaveFailureKeepsLocalAnswer(t *testing.T) {
	p := &recordingPersister{err: errors.New("connection reset")}
	notices := &noticeRecorder{}
	store, sched := newTestStore(t, p, WithStoreNotifier(notices))

	store.SetAnswer("eq-1", "A")
	sched.fire()
	store.Wait()

	v, ok := store.Answer("q1")
	require.True(t, ok)
	require.Equal(t, "A", v)
	require.Equal(t, []string{"Failed to save answer. Retrying..."}, notices.messages())
}

func TestAnswerStoreFlushPendingSendsNow(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.SetAnswer("eq-1", "A")
	store.SetAnswer("eq-4", "D")
	store.FlushPending(context.Background())

	require.Len(t, p.saved(), 2)
	require.Zero(t, store.PendingCount())

	// the cancelled timers must not send again
	sched.fire()
	store.Wait()
	require.Len(t, p.saved(), 2)
}

func TestAnswerStoreFreezeDropsEdits(t *testing.T) {
	p := &recordingPersister{}
	store, sched := newTestStore(t, p)

	store.SetAnswer("eq-1", "A")
	store.Freeze()
	store.SetAnswer("eq-1", "B")

	sched.fire()
	store.Wait()

	v, _ := store.Answer("q1")
	require.Equal(t, "A", v)
	require.Empty(t, p.saved())
}

func TestAnswerStoreEmptyAnswerIsUnanswered(t *testing.T) {
	p := &recordingPersister{}
	store, _ := newTestStore(t, p)

	store.SetAnswer("eq-1", "A")
	store.SetAnswer("eq-2", "")

	require.True(t, store.IsAnswered("q1"))
	require.False(t, store.IsAnswered("q2"))
	require.False(t, store.IsAnswered("q3"))
	require.Equal(t, 1, store.CountAnswered([]BaseQuestionID{"q1", "q2", "q3"}))
}
