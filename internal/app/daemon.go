package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/notifyd/internal/config"
	"github.com/hitoshi/notifyd/internal/database"
	"github.com/hitoshi/notifyd/internal/handler"
	"github.com/hitoshi/notifyd/internal/mail"
	"github.com/hitoshi/notifyd/internal/metrics"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/notify"
	"github.com/hitoshi/notifyd/internal/reconcile"
	"github.com/hitoshi/notifyd/internal/render"
	"github.com/hitoshi/notifyd/internal/replication"
	"github.com/hitoshi/notifyd/internal/repository"
	"github.com/hitoshi/notifyd/internal/security"
	"github.com/hitoshi/notifyd/internal/snapshot"
	"github.com/hitoshi/notifyd/internal/worker/cleanup"
	"github.com/hitoshi/notifyd/internal/worker/report"
)

const (
	cleanupInterval = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
	// ロングポーリングの待ち時間に加えてレスポンス受信に使える猶予。
	pollGrace = 30 * time.Second
)

// Daemon は通知デーモンの全コンポーネントを保持する。
// コレクションごとにレプリケータとリコンサイラのgoroutineを1本ずつ起動し、
// 日次レポートスケジューラ、通知ディスパッチャ、運用HTTPサーバーを並行して動かす。
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	store       *snapshot.Store
	replicators []*replication.Replicator
	batches     map[model.Collection]chan model.ChangeBatch
	reconciler  *reconcile.Reconciler
	scheduler   *report.Scheduler
	renderer    *render.Renderer
	dispatcher  *notify.Dispatcher
	cleanupJob  *cleanup.CleanupJob
	router      http.Handler
}

// NewDaemon は設定から全依存関係をワイヤリングしたDaemonを生成する。
// DATABASE_URLが設定されている場合はPostgreSQLのミラーを使用し、それ以外はインメモリミラーを使用する。
func NewDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   snapshot.NewStore(),
		batches: make(map[model.Collection]chan model.ChangeBatch),
	}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. ローカルミラー
	var mirror repository.Mirror
	var health handler.HealthChecker
	if cfg.UsesDatabase() {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("database connection established")

		d.db = db
		mirror = repository.NewPostgresMirror(db)
		health = db

		d.cleanupJob = cleanup.NewCleanupJob(db, logger)
		d.cleanupJob.RetentionDays = cfg.MirrorRetentionDays
	} else {
		mirror = repository.NewMemoryMirror()
	}

	// 3. レプリケーション
	guard := security.NewEgressGuard(cfg.SyncStrictEgress)
	base, err := guard.ValidateBaseURL(cfg.SyncBaseURL)
	if err != nil {
		d.Close()
		return nil, model.NewInvalidConfigError(fmt.Errorf("SYNC_BASE_URL: %w", err))
	}
	client := replication.NewClient(
		guard.NewClient(base, cfg.SyncPollTimeout+pollGrace),
		base, cfg.SyncBatchSize, cfg.SyncPollTimeout, logger,
	)
	collections := model.Collections()
	limiter := rate.NewLimiter(rate.Limit(cfg.SyncRequestRate), len(collections))

	// 4. 通知
	renderer, err := render.New(cfg.TemplateDir, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	d.renderer = renderer

	catalog, err := notify.DefaultCatalog()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load notification catalog: %w", err)
	}
	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		FromName: cfg.FromName,
		FromAddr: cfg.FromEmail,
		TLS:      cfg.SMTPTLS,
		Timeout:  cfg.SMTPTimeout,
	}, logger)
	d.dispatcher = notify.NewDispatcher(
		catalog, renderer, sender, security.NewPlainTextConverter(),
		collector, logger, cfg.SendMaxConcurrent,
	)

	// 5. リコンサイラと日次レポート
	d.reconciler = reconcile.NewReconciler(d.store, mirror, d.dispatcher, collector, logger, reconcile.Options{
		DetectAllPlanChanges: cfg.DetectAllPlanChanges(),
		Filter: reconcile.StatisticsFilter{
			Production:   cfg.IsProduction(),
			AdminAccount: cfg.AdminAccount,
			TestAccount:  cfg.TestAccount,
		},
	})
	d.scheduler = report.NewScheduler(d.store, d.dispatcher, collector, logger, cfg.Location())

	seqs := make([]handler.SeqReporter, 0, len(collections))
	for _, c := range collections {
		ch := make(chan model.ChangeBatch)
		rep := replication.NewReplicator(c, client, mirror, ch, limiter, collector, logger)
		d.batches[c] = ch
		d.replicators = append(d.replicators, rep)
		seqs = append(seqs, rep)
	}

	// 6. 運用エンドポイント
	d.router = handler.NewRouter(&handler.RouterDeps{
		Logger:        logger,
		HealthChecker: health,
		Snapshots:     d.store,
		Replicators:   seqs,
		Gatherer:      reg,
	})

	return d, nil
}

// Handler は運用エンドポイントのHTTPハンドラを返す。
func (d *Daemon) Handler() http.Handler {
	return d.router
}

// Snapshots はデーモンが保持するスナップショットストアを返す。
func (d *Daemon) Snapshots() *snapshot.Store {
	return d.store
}

// Run はミラーからスナップショットを復元した後、全コンポーネントを起動し、
// コンテキストがキャンセルされるまでブロックする。
// 停止時はHTTPサーバーをシャットダウンし、全goroutineと送信中のメールの完了を待つ。
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 再起動時はチェックポイントから再開するため、先にミラーの内容をスナップショットに戻す
	if err := d.reconciler.Prime(ctx); err != nil {
		return fmt.Errorf("failed to restore snapshots from mirror: %w", err)
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	for _, rep := range d.replicators {
		batches := d.batches[rep.Collection()]
		spawn(func() { d.reconciler.Run(ctx, rep.Collection(), batches) })
		spawn(func() { rep.Run(ctx) })
	}

	spawn(func() { d.scheduler.Start(ctx, d.cfg.ReportTick) })

	spawn(func() {
		if err := d.renderer.Watch(ctx); err != nil {
			d.logger.Error("テンプレート監視を開始できませんでした", slog.String("error", err.Error()))
		}
	})

	if d.cleanupJob != nil {
		spawn(func() { d.cleanupJob.Start(ctx, cleanupInterval) })
	}

	server := &http.Server{
		Addr:         ":" + d.cfg.ServerPort,
		Handler:      d.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.logger.Info("notifyd started",
		slog.Int("collections", len(d.replicators)),
		slog.Duration("report_tick", d.cfg.ReportTick),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("ops server failed: %w", err)
		}
	}

	d.logger.Info("shutting down notifyd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	wg.Wait()
	d.dispatcher.Wait()

	d.logger.Info("notifyd stopped gracefully")
	return runErr
}

// Close はデータベース接続を解放する。
func (d *Daemon) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}
