package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/notifyd/internal/mail"
	"github.com/hitoshi/notifyd/internal/model"
)

// --- モック定義 ---

type mockRenderer struct {
	renderFn func(name string, data any) (string, error)
}

func (m *mockRenderer) Render(name string, data any) (string, error) {
	if m.renderFn != nil {
		return m.renderFn(name, data)
	}
	return "<p>" + name + "</p>", nil
}

type mockSender struct {
	mu     sync.Mutex
	sent   []mail.Message
	sendFn func(ctx context.Context, msg mail.Message) (mail.Confirmation, error)
}

func (m *mockSender) Send(ctx context.Context, msg mail.Message) (mail.Confirmation, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return mail.Confirmation{To: msg.To, MessageID: "<id@test>"}, nil
}

func (m *mockSender) messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

type mockText struct{}

func (mockText) PlainText(html string) string {
	return strings.TrimSuffix(strings.TrimPrefix(html, "<p>"), "</p>")
}

type mockRecorder struct {
	mu     sync.Mutex
	events []string
	sent   []string
	failed []string
}

func (m *mockRecorder) RecordEvent(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, kind)
}

func (m *mockRecorder) RecordEmailSent(template string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, template)
}

func (m *mockRecorder) RecordEmailFailed(template string, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, template+":"+category)
}

// --- ヘルパー ---

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestDispatcher(t *testing.T, r Renderer, s mail.Sender, rec Recorder, buf *syncBuffer, n int) *Dispatcher {
	t.Helper()
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog がエラーを返した: %v", err)
	}
	return NewDispatcher(c, r, s, mockText{}, rec, newTestLogger(buf), n)
}

// --- テスト ---

func TestNewDispatcher_DefaultConcurrency(t *testing.T) {
	var buf syncBuffer
	d := newTestDispatcher(t, &mockRenderer{}, &mockSender{}, nil, &buf, 0)
	if cap(d.sem) != 4 {
		t.Errorf("デフォルトの同時送信数 = %d, want 4", cap(d.sem))
	}
}

func TestBuild_TemplatesAndSubjects(t *testing.T) {
	var buf syncBuffer
	d := newTestDispatcher(t, &mockRenderer{}, &mockSender{}, nil, &buf, 1)

	report := model.UsageReport{UserID: "c@example.com"}

	tests := []struct {
		name     string
		event    model.Event
		template string
		subject  string
		plan     string
	}{
		{"user created", model.NewUserCreated("a@example.com"), "welcome", "Welcome to Awesomeness!", ""},
		{"plan changed", model.NewPlanChanged("b@example.com", "pro"), "plan", "PRO Plan Activated!", "PRO"},
		{"plan cleared", model.NewPlanChanged("b@example.com", ""), "plan", "FREE Plan Activated!", "FREE"},
		{"daily usage", model.NewDailyUsage(report), "daily-usage", "Daily Usage Statistics", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := d.Build(tt.event)
			if err != nil {
				t.Fatalf("Build がエラーを返した: %v", err)
			}
			if job.Template != tt.template {
				t.Errorf("Template = %q, want %q", job.Template, tt.template)
			}
			if job.Subject != tt.subject {
				t.Errorf("Subject = %q, want %q", job.Subject, tt.subject)
			}
			if job.Data.Plan != tt.plan {
				t.Errorf("Data.Plan = %q, want %q", job.Data.Plan, tt.plan)
			}
			if job.To != tt.event.UserID || job.ID != tt.event.ID {
				t.Errorf("宛先またはIDがイベントと一致しない: %+v", job)
			}
		})
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	var buf syncBuffer
	d := newTestDispatcher(t, &mockRenderer{}, &mockSender{}, nil, &buf, 1)

	_, err := d.Build(model.Event{ID: "x", Kind: "unknown", UserID: "a@example.com"})
	if model.Category(err) != model.CategoryRender {
		t.Errorf("未登録のイベント種別は RenderError を返すべき: %v", err)
	}
}

func TestPublish_SendsRenderedMessage(t *testing.T) {
	var buf syncBuffer
	sender := &mockSender{}
	rec := &mockRecorder{}
	d := newTestDispatcher(t, &mockRenderer{}, sender, rec, &buf, 2)

	d.Publish(context.Background(), model.NewUserCreated("a@example.com"))
	d.Wait()

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("送信数 = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.To != "a@example.com" || msg.Subject != "Welcome to Awesomeness!" {
		t.Errorf("送信内容が不正: %+v", msg)
	}
	if msg.HTML != "<p>welcome</p>" || msg.Text != "welcome" {
		t.Errorf("本文が不正: HTML=%q Text=%q", msg.HTML, msg.Text)
	}
	if len(rec.events) != 1 || rec.events[0] != string(model.EventUserCreated) {
		t.Errorf("イベントのメトリクスが記録されていない: %v", rec.events)
	}
	if len(rec.sent) != 1 || rec.sent[0] != "welcome" {
		t.Errorf("送信成功のメトリクスが記録されていない: %v", rec.sent)
	}
	if !strings.Contains(buf.String(), "Email sent to a@example.com") {
		t.Errorf("送信確認がログに出力されていない: %s", buf.String())
	}
}

func TestPublish_DoesNotBlock(t *testing.T) {
	var buf syncBuffer
	release := make(chan struct{})
	sender := &mockSender{
		sendFn: func(ctx context.Context, msg mail.Message) (mail.Confirmation, error) {
			<-release
			return mail.Confirmation{To: msg.To}, nil
		},
	}
	d := newTestDispatcher(t, &mockRenderer{}, sender, nil, &buf, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(context.Background(), model.NewUserCreated("a@example.com"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("送信が完了していなくても Publish はブロックしてはならない")
	}

	close(release)
	d.Wait()

	if got := len(sender.messages()); got != 10 {
		t.Errorf("送信数 = %d, want 10", got)
	}
}

func TestSubmit_RespectsConcurrencyLimit(t *testing.T) {
	var buf syncBuffer
	var mu sync.Mutex
	var current, peak int
	sender := &mockSender{
		sendFn: func(ctx context.Context, msg mail.Message) (mail.Confirmation, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return mail.Confirmation{To: msg.To}, nil
		},
	}
	d := newTestDispatcher(t, &mockRenderer{}, sender, nil, &buf, 2)

	for i := 0; i < 8; i++ {
		d.Publish(context.Background(), model.NewUserCreated("a@example.com"))
	}
	d.Wait()

	if peak > 2 {
		t.Errorf("同時送信数の最大値 = %d, 上限 2 を超えてはならない", peak)
	}
}

func TestSubmit_SurvivesCallerCancellation(t *testing.T) {
	var buf syncBuffer
	sender := &mockSender{
		sendFn: func(ctx context.Context, msg mail.Message) (mail.Confirmation, error) {
			if err := ctx.Err(); err != nil {
				return mail.Confirmation{}, err
			}
			return mail.Confirmation{To: msg.To}, nil
		},
	}
	rec := &mockRecorder{}
	d := newTestDispatcher(t, &mockRenderer{}, sender, rec, &buf, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Publish(ctx, model.NewUserCreated("a@example.com"))
	d.Wait()

	if len(rec.failed) != 0 {
		t.Errorf("呼び出し元のキャンセルで送信が失敗してはならない: %v", rec.failed)
	}
}

func TestPublish_DeliveryFailureIsLogged(t *testing.T) {
	var buf syncBuffer
	sender := &mockSender{
		sendFn: func(ctx context.Context, msg mail.Message) (mail.Confirmation, error) {
			return mail.Confirmation{}, model.NewDeliveryError(msg.To, errors.New("connection refused"))
		},
	}
	rec := &mockRecorder{}
	d := newTestDispatcher(t, &mockRenderer{}, sender, rec, &buf, 1)

	d.Publish(context.Background(), model.NewPlanChanged("b@example.com", "pro"))
	d.Wait()

	if len(sender.messages()) != 1 {
		t.Errorf("失敗したメールは再送してはならない: 送信試行 %d 回", len(sender.messages()))
	}
	if len(rec.failed) != 1 || rec.failed[0] != "plan:delivery" {
		t.Errorf("送信失敗のメトリクス = %v, want [plan:delivery]", rec.failed)
	}
	out := buf.String()
	if !strings.Contains(out, "メール送信に失敗しました") || !strings.Contains(out, "connection refused") {
		t.Errorf("送信失敗がログに出力されていない: %s", out)
	}
}

func TestPublish_RenderFailureSkipsSend(t *testing.T) {
	var buf syncBuffer
	sender := &mockSender{}
	rec := &mockRecorder{}
	renderer := &mockRenderer{
		renderFn: func(name string, data any) (string, error) {
			return "", model.NewRenderError(name, errors.New("boom"))
		},
	}
	d := newTestDispatcher(t, renderer, sender, rec, &buf, 1)

	d.Publish(context.Background(), model.NewUserCreated("a@example.com"))
	d.Wait()

	if len(sender.messages()) != 0 {
		t.Error("レンダリングに失敗した場合は送信してはならない")
	}
	if len(rec.failed) != 1 || rec.failed[0] != "welcome:render" {
		t.Errorf("送信失敗のメトリクス = %v, want [welcome:render]", rec.failed)
	}
}

func TestPublish_UnknownKindIsDropped(t *testing.T) {
	var buf syncBuffer
	sender := &mockSender{}
	rec := &mockRecorder{}
	d := newTestDispatcher(t, &mockRenderer{}, sender, rec, &buf, 1)

	d.Publish(context.Background(), model.Event{ID: "x", Kind: "unknown", UserID: "a@example.com"})
	d.Wait()

	if len(sender.messages()) != 0 {
		t.Error("未登録のイベント種別は送信してはならない")
	}
	if !strings.Contains(buf.String(), "通知ジョブの構築に失敗しました") {
		t.Errorf("ジョブ構築の失敗がログに出力されていない: %s", buf.String())
	}
}
