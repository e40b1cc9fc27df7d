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
	"github.com/stemsi/exstem-sat/internal/repository"
)

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
)

// ScoreWriter persists final scores.
type ScoreWriter interface {
	CompleteBatch(ctx context.Context, batch []repository.CompletedScore) error
	Complete(ctx context.Context, s repository.CompletedScore) error
}

// ScoringWorker batches the score queue into bulk assignment updates.
type ScoringWorker struct {
	scores ScoreWriter
	rdb    *redis.Client
	log    zerolog.Logger
}

func NewScoringWorker(scores ScoreWriter, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		scores: scores,
		rdb:    rdb,
		log:    log.With().Str("component", "scoring_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]model.ScoreQueueItem, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, ScorePollTimeout, config.WorkerKey.PersistScoresQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			var p model.ScoreQueueItem
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, p)
		}
	}
}

// ----------------------------------------------------------------
// Batch update with single-row fallback
// ----------------------------------------------------------------

func (w *ScoringWorker) flushSafe(ctx context.Context, batch []model.ScoreQueueItem) {
	if len(batch) == 0 {
		return
	}

	rows := make([]repository.CompletedScore, len(batch))
	for i, p := range batch {
		rows[i] = repository.CompletedScore{AssignmentID: p.AssignmentID, Score: p.Score, CompletedAt: p.CompletedAt}
	}

	if err := w.scores.CompleteBatch(ctx, rows); err == nil {
		w.clearAutosavedAnswers(ctx, batch)
		w.log.Debug().Int("count", len(batch)).Msg("Scores persisted")
		return
	} else {
		w.log.Warn().Err(err).Msg("bulk score update failed, using fallback")
	}

	done := make([]model.ScoreQueueItem, 0, len(batch))
	for i, p := range batch {
		if err := w.scores.Complete(ctx, rows[i]); err != nil {
			metrics.PersistFailures().WithLabelValues("scoring").Inc()
			w.log.Error().Err(err).Str("assignment_id", p.AssignmentID.String()).Msg("persist score failed, requeueing")
			raw, _ := json.Marshal(p)
			w.rdb.RPush(context.Background(), config.WorkerKey.PersistScoresQueue, raw)
			continue
		}
		done = append(done, p)
	}
	w.clearAutosavedAnswers(ctx, done)
}

// clearAutosavedAnswers drops the fast-lane answer hashes of completed
// attempts. The stored result keeps serving repeat submits.
func (w *ScoringWorker) clearAutosavedAnswers(ctx context.Context, batch []model.ScoreQueueItem) {
	if len(batch) == 0 {
		return
	}
	pipe := w.rdb.Pipeline()
	for _, p := range batch {
		pipe.Del(ctx, config.CacheKey.AssignmentAnswersKey(p.AssignmentID.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear autosaved answers")
	}
}
