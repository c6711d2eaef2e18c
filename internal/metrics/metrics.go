// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// レプリケーション、リコンサイラ、スケジューラ、ディスパッチャから利用する。
type MetricsCollector interface {
	RecordBatchApplied(collection string, docs int)
	RecordFeedError(collection string)
	RecordReconcile(collection string, duration time.Duration, events int)
	SetSnapshotSize(collection string, size int)
	RecordReportCycle(reports int)
	RecordEvent(kind string)
	RecordEmailSent(template string, duration time.Duration)
	RecordEmailFailed(template string, category string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	docsApplied      *prometheus.CounterVec
	feedErrors       *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	reconcileEvents  *prometheus.CounterVec
	snapshotSize     *prometheus.GaugeVec
	reportCycles     prometheus.Counter
	reportsBuilt     prometheus.Counter
	events           *prometheus.CounterVec
	emailsSent       *prometheus.CounterVec
	emailsFailed     *prometheus.CounterVec
	sendLatency      prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		docsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_replication_docs_applied_total",
			Help: "ローカルミラーに適用したドキュメントの合計数",
		}, []string{"collection"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_replication_errors_total",
			Help: "レプリケーションフィードのエラー合計数",
		}, []string{"collection"}),
		reconcileLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifyd_reconcile_duration_seconds",
			Help:    "リコンサイル1回あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),
		reconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_reconcile_events_total",
			Help: "リコンサイルで導出したイベントの合計数",
		}, []string{"collection"}),
		snapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyd_snapshot_size",
			Help: "スナップショットのエンティティ数",
		}, []string{"collection"}),
		reportCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_report_cycles_total",
			Help: "日次レポートサイクルの実行回数",
		}),
		reportsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_reports_built_total",
			Help: "生成した日次利用レポートの合計数",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_events_total",
			Help: "種別ごとのドメインイベント数",
		}, []string{"kind"}),
		emailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_emails_sent_total",
			Help: "テンプレート別の送信成功メール数",
		}, []string{"template"}),
		emailsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_emails_failed_total",
			Help: "テンプレートとエラーカテゴリ別の送信失敗メール数",
		}, []string{"template", "category"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyd_email_send_duration_seconds",
			Help:    "メール1通あたりの送信時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.docsApplied,
		c.feedErrors,
		c.reconcileLatency,
		c.reconcileEvents,
		c.snapshotSize,
		c.reportCycles,
		c.reportsBuilt,
		c.events,
		c.emailsSent,
		c.emailsFailed,
		c.sendLatency,
	)

	return c
}

// RecordBatchApplied はミラーに適用したドキュメント数を記録する。
func (c *Collector) RecordBatchApplied(collection string, docs int) {
	c.docsApplied.WithLabelValues(collection).Add(float64(docs))
}

// RecordFeedError はレプリケーションフィードのエラーを記録する。
func (c *Collector) RecordFeedError(collection string) {
	c.feedErrors.WithLabelValues(collection).Inc()
}

// RecordReconcile はリコンサイルの処理時間と導出したイベント数を記録する。
func (c *Collector) RecordReconcile(collection string, duration time.Duration, events int) {
	c.reconcileLatency.WithLabelValues(collection).Observe(duration.Seconds())
	c.reconcileEvents.WithLabelValues(collection).Add(float64(events))
}

// SetSnapshotSize はスナップショットのエンティティ数を設定する。
func (c *Collector) SetSnapshotSize(collection string, size int) {
	c.snapshotSize.WithLabelValues(collection).Set(float64(size))
}

// RecordReportCycle は日次レポートサイクルの実行を記録する。
func (c *Collector) RecordReportCycle(reports int) {
	c.reportCycles.Inc()
	c.reportsBuilt.Add(float64(reports))
}

// RecordEvent はドメインイベントを記録する。
func (c *Collector) RecordEvent(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// RecordEmailSent は送信成功を記録する。
func (c *Collector) RecordEmailSent(template string, duration time.Duration) {
	c.emailsSent.WithLabelValues(template).Inc()
	c.sendLatency.Observe(duration.Seconds())
}

// RecordEmailFailed は送信失敗を記録する。
func (c *Collector) RecordEmailFailed(template string, category string) {
	c.emailsFailed.WithLabelValues(template, category).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
