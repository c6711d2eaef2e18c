// Package reconcile はレプリケーションされたコレクションをスナップショットと突き合わせ、
// ドメインイベント（UserCreated、PlanChanged）を導出する。
// スナップショットの更新はイベント導出と同期して行うため、
// 同じバッチを再度突き合わせても同じイベントは発生しない。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/snapshot"
)

// DocumentSource はローカルミラーから全ドキュメントを取得するインターフェース。
type DocumentSource interface {
	AllDocs(ctx context.Context, collection model.Collection) ([]model.Document, error)
}

// Publisher はドメインイベントの送出先。呼び出し元をブロックしてはならない。
type Publisher interface {
	Publish(ctx context.Context, event model.Event)
}

// Recorder はリコンサイルのメトリクス記録インターフェース。
type Recorder interface {
	RecordReconcile(collection string, duration time.Duration, events int)
	SetSnapshotSize(collection string, size int)
}

// Options はリコンサイラの動作設定。
type Options struct {
	// DetectAllPlanChanges がtrueの場合、1サイクルで全てのプラン変更を検出する。
	// falseの場合は最初に見つかった1件のみを検出する。
	DetectAllPlanChanges bool
	Filter               StatisticsFilter
}

// Reconciler はコレクションごとの突き合わせ処理を行う。
// 各コレクションのスナップショットに書き込むのはReconcilerのみ。
type Reconciler struct {
	store     *snapshot.Store
	source    DocumentSource
	publisher Publisher
	metrics   Recorder
	logger    *slog.Logger
	opts      Options
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewReconciler(
	store *snapshot.Store,
	source DocumentSource,
	publisher Publisher,
	metrics Recorder,
	logger *slog.Logger,
	opts Options,
) *Reconciler {
	return &Reconciler{
		store:     store,
		source:    source,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Run はコレクションの変更バッチを順番に処理する。
// チャネルがクローズされるかコンテキストがキャンセルされるまでブロックする。
// 処理中のエラーやpanicはログに記録し、他のコレクションには影響させない。
func (r *Reconciler) Run(ctx context.Context, collection model.Collection, batches <-chan model.ChangeBatch) {
	r.logger.Info("リコンサイラを開始しました",
		slog.String("collection", string(collection)),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("リコンサイラを停止しました",
				slog.String("collection", string(collection)),
			)
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			r.handleSafely(ctx, batch)
		}
	}
}

func (r *Reconciler) handleSafely(ctx context.Context, batch model.ChangeBatch) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("リコンサイル中にpanicが発生しました",
				slog.String("collection", string(batch.Collection)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := r.Handle(ctx, batch); err != nil {
		r.logger.Error("リコンサイルに失敗しました",
			slog.String("collection", string(batch.Collection)),
			slog.String("seq", batch.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// Handle は1つの変更バッチを処理する。
// ミラーから現在のビューを構築し、コレクションに応じた突き合わせを行う。
// 空のバッチは何もしない。
func (r *Reconciler) Handle(ctx context.Context, batch model.ChangeBatch) error {
	if batch.Empty() {
		return nil
	}

	// 初回同期が追いつくまではベースラインを確定させない
	if batch.Collection == model.CollectionUsers && len(r.store.Users()) == 0 && batch.Pending > 0 {
		r.logger.Info("初回同期中のためユーザーのベースライン確定を保留します",
			slog.String("seq", batch.Seq),
			slog.Int("pending", batch.Pending),
		)
		return nil
	}

	start := time.Now()

	docs, err := r.source.AllDocs(ctx, batch.Collection)
	if err != nil {
		return fmt.Errorf("failed to load %s from mirror: %w", batch.Collection, err)
	}

	var events []model.Event
	var size int

	switch batch.Collection {
	case model.CollectionUsers:
		events = r.ReconcileUsers(MaterializeUsers(docs))
		size = len(r.store.Users())
	case model.CollectionStatistics:
		r.ReconcileStatistics(MaterializeStatistics(docs))
		size = len(r.store.Statistics())
	case model.CollectionDeployments:
		r.ReconcileDeployments(MaterializeDeployments(docs))
		size = len(r.store.Deployments())
	default:
		return fmt.Errorf("unknown collection: %s", batch.Collection)
	}

	for _, ev := range events {
		r.publisher.Publish(ctx, ev)
	}

	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordReconcile(string(batch.Collection), duration, len(events))
		r.metrics.SetSnapshotSize(string(batch.Collection), size)
	}

	r.logger.Info("リコンサイルが完了しました",
		slog.String("collection", string(batch.Collection)),
		slog.String("seq", batch.Seq),
		slog.Int("changes", batch.Count),
		slog.Int("snapshot_size", size),
		slog.Int("events", len(events)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Prime はミラーに保存済みのドキュメントから全コレクションのスナップショットを復元する。
// レプリケーション開始前に1回だけ呼び出す。ユーザーはベースラインとして採用し、イベントは発生させない。
// 再起動後の最初のバッチで既存ユーザーと新規ユーザーを区別できるようにするために必要となる。
func (r *Reconciler) Prime(ctx context.Context) error {
	for _, c := range model.Collections() {
		docs, err := r.source.AllDocs(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to load %s from mirror: %w", c, err)
		}

		var size int
		switch c {
		case model.CollectionUsers:
			if users := MaterializeUsers(docs); len(users) > 0 {
				r.store.ReplaceUsers(users)
			}
			size = len(r.store.Users())
		case model.CollectionStatistics:
			r.ReconcileStatistics(MaterializeStatistics(docs))
			size = len(r.store.Statistics())
		case model.CollectionDeployments:
			r.ReconcileDeployments(MaterializeDeployments(docs))
			size = len(r.store.Deployments())
		}

		if r.metrics != nil {
			r.metrics.SetSnapshotSize(string(c), size)
		}
		r.logger.Info("ミラーからスナップショットを復元しました",
			slog.String("collection", string(c)),
			slog.Int("snapshot_size", size),
		)
	}
	return nil
}

// ReconcileUsers はユーザービューを現在のスナップショットと突き合わせ、
// 導出したイベントを返す。スナップショットはイベント導出と同時に更新される。
//
// スナップショットが空の場合は履歴なしとみなし、ビューをそのままベースラインとして
// 採用してイベントは発生させない（起動直後のウェルカムメール大量送信を防ぐ）。
func (r *Reconciler) ReconcileUsers(view []model.User) []model.Event {
	view = model.UniqueUsersByID(view)
	previous := r.store.Users()

	if len(previous) == 0 {
		if len(view) > 0 {
			r.store.ReplaceUsers(view)
		}
		return nil
	}

	known := make(map[string]struct{}, len(previous))
	for _, u := range previous {
		known[u.ID] = struct{}{}
	}

	var events []model.Event
	var created []model.User
	for _, u := range view {
		if _, ok := known[u.ID]; ok {
			continue
		}
		created = append(created, u)
		events = append(events, model.NewUserCreated(u.ID))
	}

	// previousは共有スナップショットのため、連結結果は新しいスライスに作る
	merged := make([]model.User, 0, len(previous)+len(created))
	merged = append(merged, previous...)
	merged = append(merged, created...)
	baseline := model.UniqueUsersByID(merged)

	index := make(map[string]int, len(baseline))
	for i, u := range baseline {
		index[u.ID] = i
	}

	for _, u := range view {
		i, ok := index[u.ID]
		if !ok || baseline[i].Plan == u.Plan {
			continue
		}
		baseline[i].Plan = u.Plan
		events = append(events, model.NewPlanChanged(u.ID, u.Plan))
		if !r.opts.DetectAllPlanChanges {
			break
		}
	}

	r.store.ReplaceUsers(baseline)
	return events
}

// ReconcileStatistics は統計ビューに環境フィルタを適用してスナップショットを置き換える。
// 統計はレポートの入力であり、イベントは発生させない。
func (r *Reconciler) ReconcileStatistics(view []model.StatisticsRecord) {
	r.store.ReplaceStatistics(r.opts.Filter.Apply(view))
}

// ReconcileDeployments はデプロイビューでスナップショットを置き換える。
func (r *Reconciler) ReconcileDeployments(view []model.DeploymentRecord) {
	r.store.ReplaceDeployments(view)
}
