// Package notify はドメインイベントをテンプレートメールに変換して送信する。
// 送信はリコンサイルやスケジューリングのループをブロックせずにバックグラウンドで行い、
// 失敗はログに記録するのみで再送しない。
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hitoshi/notifyd/internal/mail"
	"github.com/hitoshi/notifyd/internal/model"
)

// Renderer はテンプレートのレンダリングインターフェース。
type Renderer interface {
	Render(name string, data any) (string, error)
}

// TextConverter はHTML本文からプレーンテキストの代替本文を生成する。
type TextConverter interface {
	PlainText(html string) string
}

// Recorder は通知送信のメトリクス記録インターフェース。
type Recorder interface {
	RecordEvent(kind string)
	RecordEmailSent(template string, duration time.Duration)
	RecordEmailFailed(template string, category string)
}

// Job は1通のメール送信ジョブ。
type Job struct {
	ID       string
	Kind     model.EventKind
	To       string
	Template string
	Subject  string
	Data     TemplateData
}

// TemplateData はメールテンプレートと件名に渡すコンテキスト。
type TemplateData struct {
	To    string
	Plan  string
	Usage *model.UsageReport
}

// Dispatcher はイベントを送信ジョブに変換し、非同期に送信する。
// 同時送信数はセマフォで制限するが、Publish自体はブロックしない。
type Dispatcher struct {
	catalog  *Catalog
	renderer Renderer
	sender   mail.Sender
	text     TextConverter
	metrics  Recorder
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。textとmetricsはnilでもよい。
func NewDispatcher(
	catalog *Catalog,
	renderer Renderer,
	sender mail.Sender,
	text TextConverter,
	metrics Recorder,
	logger *slog.Logger,
	maxConcurrency int,
) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Dispatcher{
		catalog:  catalog,
		renderer: renderer,
		sender:   sender,
		text:     text,
		metrics:  metrics,
		logger:   logger,
		sem:      make(chan struct{}, maxConcurrency),
	}
}

// Publish はイベントを送信ジョブに変換して投入する。
// ジョブを構築できないイベントはログに記録して破棄する。
func (d *Dispatcher) Publish(ctx context.Context, event model.Event) {
	if d.metrics != nil {
		d.metrics.RecordEvent(string(event.Kind))
	}

	job, err := d.Build(event)
	if err != nil {
		d.logger.Error("通知ジョブの構築に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.String("to", event.UserID),
			slog.String("error", err.Error()),
		)
		if d.metrics != nil {
			d.metrics.RecordEmailFailed(string(event.Kind), model.Category(err))
		}
		return
	}

	d.Submit(ctx, job)
}

// Build はイベントからテンプレート名、件名、コンテキストを決定する。
func (d *Dispatcher) Build(event model.Event) (Job, error) {
	entry, ok := d.catalog.Lookup(event.Kind)
	if !ok {
		return Job{}, model.NewUnknownTemplateError(string(event.Kind))
	}

	data := TemplateData{To: event.UserID, Usage: event.Report}
	if event.Kind == model.EventPlanChanged {
		// Caserは状態を持つためgoroutine間で共有しない
		data.Plan = cases.Upper(language.Und).String(model.User{Plan: event.Plan}.PlanOrDefault())
	}

	subject, err := entry.RenderSubject(data)
	if err != nil {
		return Job{}, model.NewRenderError(entry.Template, err)
	}

	return Job{
		ID:       event.ID,
		Kind:     event.Kind,
		To:       event.UserID,
		Template: entry.Template,
		Subject:  subject,
		Data:     data,
	}, nil
}

// Submit はジョブをバックグラウンドで送信する。呼び出し元はブロックされない。
// 送信は呼び出し元コンテキストのキャンセルの影響を受けずに完了まで実行される。
func (d *Dispatcher) Submit(ctx context.Context, job Job) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.sem <- struct{}{}        // semaphore取得
		defer func() { <-d.sem }() // semaphore解放

		d.deliver(ctx, job)
	}()
}

// Wait は投入済みの全ジョブの完了を待つ。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	start := time.Now()

	d.logger.Info("メールを送信します",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
		slog.String("to", job.To),
	)

	confirmation, err := d.send(ctx, job)
	if err != nil {
		d.logger.Error("メール送信に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("template", job.Template),
			slog.String("to", job.To),
			slog.String("category", model.Category(err)),
			slog.String("error", err.Error()),
		)
		if d.metrics != nil {
			d.metrics.RecordEmailFailed(job.Template, model.Category(err))
		}
		return
	}

	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.RecordEmailSent(job.Template, duration)
	}

	d.logger.Info("メール送信が完了しました",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
		slog.String("to", job.To),
		slog.String("confirmation", confirmation.String()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

func (d *Dispatcher) send(ctx context.Context, job Job) (mail.Confirmation, error) {
	html, err := d.renderer.Render(job.Template, job.Data)
	if err != nil {
		return mail.Confirmation{}, err
	}

	msg := mail.Message{
		To:      job.To,
		Subject: job.Subject,
		HTML:    html,
	}
	if d.text != nil {
		msg.Text = d.text.PlainText(html)
	}

	return d.sender.Send(ctx, msg)
}
