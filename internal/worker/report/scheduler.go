// Package report は日次利用レポートのスケジューリングを提供する。
// 短い間隔のティックで現在時刻を評価し、暦日が切り替わった最初のティックで
// 1日1回だけレポートサイクルを実行する。
package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

const dateLayout = "2006-01-02"

// SnapshotReader はレポート生成に必要なスナップショットの読み取りインターフェース。
type SnapshotReader interface {
	Users() []model.User
	Statistics() []model.StatisticsRecord
	Deployments() []model.DeploymentRecord
}

// Publisher はレポートイベントの送出先。呼び出し元をブロックしてはならない。
type Publisher interface {
	Publish(ctx context.Context, event model.Event)
}

// Recorder はレポートサイクルのメトリクス記録インターフェース。
type Recorder interface {
	RecordReportCycle(reports int)
}

// Scheduler は日次レポートの発火を管理する。
// 最後に発火した日付を保持し、同じ暦日に2回以上発火しない。
type Scheduler struct {
	snapshots SnapshotReader
	publisher Publisher
	metrics   Recorder
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time

	mu        sync.Mutex
	lastFired string
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// locationがnilの場合はtime.Localを使用する。metricsはnilでもよい。
func NewScheduler(
	snapshots SnapshotReader,
	publisher Publisher,
	metrics Recorder,
	logger *slog.Logger,
	location *time.Location,
) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		snapshots: snapshots,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		location:  location,
		now:       time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("日次レポートスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.String("location", s.location.String()),
	)

	// 起動直後に基準日を記録する
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("日次レポートスケジューラを停止しました")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick は現在時刻を評価し、発火すべきであればレポートサイクルを実行する。
// 発火した場合はtrueを返す。
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.Evaluate(s.now()) {
		return false
	}
	s.RunOnce(ctx)
	return true
}

// Evaluate は指定時刻で発火すべきかを判定し、発火する場合は最終発火日を更新する。
// 初回の評価は基準日の記録のみを行い発火しない。
// ティックの欠落や日付の飛びがあっても、日付が変わるごとに1回だけtrueを返す。
func (s *Scheduler) Evaluate(now time.Time) bool {
	today := now.In(s.location).Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFired == "" {
		s.lastFired = today
		return false
	}
	if today == s.lastFired {
		return false
	}
	s.lastFired = today
	return true
}

// RunOnce は現在のスナップショットから全ユーザーのレポートを生成して送出する。
// 送出したレポート数を返す。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()

	reports := BuildReports(
		s.snapshots.Users(),
		s.snapshots.Statistics(),
		s.snapshots.Deployments(),
	)

	for _, r := range reports {
		s.publisher.Publish(ctx, model.NewDailyUsage(r))
	}

	if s.metrics != nil {
		s.metrics.RecordReportCycle(len(reports))
	}

	s.logger.Info("日次レポートサイクルが完了しました",
		slog.Int("report_count", len(reports)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return len(reports)
}
