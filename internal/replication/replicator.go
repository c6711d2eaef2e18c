package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/notifyd/internal/model"
)

// ChangesFetcher は変更フィードの取得インターフェース。
// テスト時にモックに差し替え可能。
type ChangesFetcher interface {
	Changes(ctx context.Context, collection model.Collection, since string) (*ChangesResult, error)
}

// Mirror は複製先のローカルミラーのうち、レプリケータが使う操作。
type Mirror interface {
	Apply(ctx context.Context, collection model.Collection, docs []model.Document) error
	Checkpoint(ctx context.Context, collection model.Collection) (string, error)
	SaveCheckpoint(ctx context.Context, collection model.Collection, seq string) error
}

// Recorder はレプリケーションのメトリクス記録インターフェース。
type Recorder interface {
	RecordBatchApplied(collection string, docs int)
	RecordFeedError(collection string)
}

// Replicator は1つのコレクションの変更フィードを読み続け、ローカルミラーに適用する。
// 適用のたびにChangeBatchを出力チャネルへ送る。
type Replicator struct {
	collection model.Collection
	client     ChangesFetcher
	mirror     Mirror
	out        chan<- model.ChangeBatch
	limiter    *rate.Limiter
	metrics    Recorder
	logger     *slog.Logger

	// sleep はバックオフ待機。テスト時に差し替え可能。
	sleep func(ctx context.Context, d time.Duration) error

	mu                sync.RWMutex
	since             string
	consecutiveErrors int
}

// NewReplicator はReplicatorの新しいインスタンスを生成する。
// limiterとmetricsはnilでもよい。
func NewReplicator(
	collection model.Collection,
	client ChangesFetcher,
	mirror Mirror,
	out chan<- model.ChangeBatch,
	limiter *rate.Limiter,
	metrics Recorder,
	logger *slog.Logger,
) *Replicator {
	return &Replicator{
		collection: collection,
		client:     client,
		mirror:     mirror,
		out:        out,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Collection は複製対象のコレクション名を返す。
func (r *Replicator) Collection() model.Collection {
	return r.collection
}

// LastSeq は最後にミラーへ適用したシーケンスを返す。
func (r *Replicator) LastSeq() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.since
}

// Run はコンテキストがキャンセルされるまで変更フィードを読み続ける。
// エラーはFeedErrorとしてログに記録し、指数バックオフで再試行する。
// キャンセルは正常終了として扱い、完了をログに記録する。
func (r *Replicator) Run(ctx context.Context) {
	seq, err := r.mirror.Checkpoint(ctx, r.collection)
	if err != nil {
		r.logger.Warn("チェックポイントの読み込みに失敗したため先頭から複製します",
			slog.String("collection", string(r.collection)),
			slog.String("error", err.Error()),
		)
	}
	r.mu.Lock()
	r.since = seq
	r.mu.Unlock()

	r.logger.Info("レプリケーションを開始しました",
		slog.String("collection", string(r.collection)),
		slog.String("since", seq),
	)

	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				break
			}
		}

		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := r.handleError(err)
			if err := r.sleep(ctx, delay); err != nil {
				break
			}
			continue
		}

		if ctx.Err() != nil {
			break
		}
	}

	r.logger.Info("レプリケーションが完了しました",
		slog.String("collection", string(r.collection)),
		slog.String("last_seq", r.LastSeq()),
	)
}

// RunOnce は変更フィードを1回読み、ミラーへの適用、チェックポイントの保存、
// ChangeBatchの送出を行う。変更がなかった場合は何も送らない。
func (r *Replicator) RunOnce(ctx context.Context) error {
	since := r.LastSeq()

	result, err := r.client.Changes(ctx, r.collection, since)
	if err != nil {
		return model.NewFeedError(r.collection, err)
	}

	if len(result.Documents) > 0 {
		if err := r.mirror.Apply(ctx, r.collection, result.Documents); err != nil {
			return model.NewFeedError(r.collection, fmt.Errorf("failed to apply changes to mirror: %w", err))
		}
	}

	if result.LastSeq != "" && result.LastSeq != since {
		if err := r.mirror.SaveCheckpoint(ctx, r.collection, result.LastSeq); err != nil {
			return model.NewFeedError(r.collection, fmt.Errorf("failed to save checkpoint: %w", err))
		}
		r.mu.Lock()
		r.since = result.LastSeq
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()

	if len(result.Documents) == 0 {
		return nil
	}

	if r.metrics != nil {
		r.metrics.RecordBatchApplied(string(r.collection), len(result.Documents))
	}

	batch := model.ChangeBatch{
		Collection: r.collection,
		Seq:        result.LastSeq,
		Count:      len(result.Documents),
		Pending:    result.Pending,
	}

	select {
	case r.out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// handleError はエラーをログに記録し、次の再試行までの待機時間を返す。
func (r *Replicator) handleError(err error) time.Duration {
	r.mu.Lock()
	delay := CalculateBackoff(r.consecutiveErrors)
	r.consecutiveErrors++
	attempts := r.consecutiveErrors
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordFeedError(string(r.collection))
	}

	level := slog.LevelWarn
	if IsPermanent(err) {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "レプリケーションでエラーが発生しました",
		slog.String("collection", string(r.collection)),
		slog.String("category", model.Category(err)),
		slog.String("error", err.Error()),
		slog.Int("consecutive_errors", attempts),
		slog.Duration("retry_after", delay),
	)

	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
