package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/config"
	"github.com/stemsi/exstem-sat/internal/metrics"
	"github.com/stemsi/exstem-sat/internal/model"
)

const (
	answerPollTimeout = time.Second
	answerRetryDelay  = 5 * time.Second
)

// AnswerUpserter persists one answer.
type AnswerUpserter interface {
	Upsert(ctx context.Context, a model.StudentAnswer) error
}

// AutosaveWorker consumes the answer queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	answers    AnswerUpserter
	rdb        *redis.Client
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerUpserter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		answers:    answers,
		rdb:        rdb,
		retryDelay: answerRetryDelay,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start runs the worker loop until ctx is cancelled, then drains the queue.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, answerPollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.handle(ctx, result[1]); err != nil {
		// ctx may be cancelled mid-persist; the retry must still be queued.
		w.requeue(context.Background(), result[1])
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// handle persists one raw queue item. Undecodable items are dropped.
func (w *AutosaveWorker) handle(ctx context.Context, raw string) error {
	var item model.AnswerQueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error, dropping item")
		return nil
	}

	err := w.answers.Upsert(ctx, model.StudentAnswer{
		AssignmentID:   item.AssignmentID,
		QuestionID:     item.QuestionID,
		SelectedChoice: item.SelectedChoice,
		IsFlagged:      item.IsFlagged,
		UpdatedAt:      time.UnixMilli(item.SavedAt),
	})
	if err != nil {
		metrics.PersistFailures().WithLabelValues("autosave").Inc()
		w.log.Error().Err(err).
			Str("assignment_id", item.AssignmentID.String()).
			Str("question_id", item.QuestionID.String()).
			Msg("Persist error, retrying")
	}
	return err
}

func (w *AutosaveWorker) requeue(ctx context.Context, raw string) {
	if err := w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw).Err(); err != nil {
		w.log.Error().Err(err).Msg("Requeue failed, answer stays in the Redis hash only")
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		if err := w.handle(ctx, raw); err != nil {
			w.requeue(ctx, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
