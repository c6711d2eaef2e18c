package replication

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

// --- モック定義 ---

type mockFetcher struct {
	mu        sync.Mutex
	calls     []string
	changesFn func(ctx context.Context, collection model.Collection, since string) (*ChangesResult, error)
}

func (m *mockFetcher) Changes(ctx context.Context, collection model.Collection, since string) (*ChangesResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, since)
	m.mu.Unlock()
	return m.changesFn(ctx, collection, since)
}

func (m *mockFetcher) sinceValues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

type mockMirror struct {
	mu         sync.Mutex
	applied    []model.Document
	checkpoint string
	applyErr   error
	loadErr    error
	saveErr    error
	savedSeqs  []string
}

func (m *mockMirror) Apply(ctx context.Context, collection model.Collection, docs []model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, docs...)
	return nil
}

func (m *mockMirror) Checkpoint(ctx context.Context, collection model.Collection) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, m.loadErr
}

func (m *mockMirror) SaveCheckpoint(ctx context.Context, collection model.Collection, seq string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.checkpoint = seq
	m.savedSeqs = append(m.savedSeqs, seq)
	return nil
}

type mockRecorder struct {
	mu      sync.Mutex
	applied int
	errors  int
}

func (m *mockRecorder) RecordBatchApplied(collection string, docs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied += docs
}

func (m *mockRecorder) RecordFeedError(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// --- テスト ---

func TestRunOnce_AppliesAndEmitsBatch(t *testing.T) {
	fetcher := &mockFetcher{
		changesFn: func(ctx context.Context, c model.Collection, since string) (*ChangesResult, error) {
			return &ChangesResult{
				Documents: []model.Document{{ID: "a@example.com"}, {ID: "b@example.com"}},
				LastSeq:   "2-abc",
				Pending:   3,
			}, nil
		},
	}
	mirror := &mockMirror{}
	rec := &mockRecorder{}
	out := make(chan model.ChangeBatch, 1)

	var buf bytes.Buffer
	r := NewReplicator(model.CollectionUsers, fetcher, mirror, out, nil, rec, newTestLogger(&buf))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}

	if len(mirror.applied) != 2 {
		t.Errorf("ミラーに適用された件数 = %d, want 2", len(mirror.applied))
	}
	if mirror.checkpoint != "2-abc" {
		t.Errorf("チェックポイント = %q, want %q", mirror.checkpoint, "2-abc")
	}
	if r.LastSeq() != "2-abc" {
		t.Errorf("LastSeq() = %q, want %q", r.LastSeq(), "2-abc")
	}
	if rec.applied != 2 {
		t.Errorf("メトリクスの適用件数 = %d, want 2", rec.applied)
	}

	select {
	case batch := <-out:
		want := model.ChangeBatch{Collection: model.CollectionUsers, Seq: "2-abc", Count: 2, Pending: 3}
		if batch != want {
			t.Errorf("batch = %+v, want %+v", batch, want)
		}
	default:
		t.Fatal("ChangeBatch が送出されていない")
	}
}

func TestRunOnce_NoChangesEmitsNothing(t *testing.T) {
	fetcher := &mockFetcher{
		changesFn: func(ctx context.Context, c model.Collection, since string) (*ChangesResult, error) {
			return &ChangesResult{LastSeq: since}, nil
		},
	}
	mirror := &mockMirror{}
	out := make(chan model.ChangeBatch, 1)

	var buf bytes.Buffer
	r := NewReplicator(model.CollectionStatistics, fetcher, mirror, out, nil, nil, newTestLogger(&buf))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if len(out) != 0 {
		t.Error("変更がない場合は ChangeBatch を送出してはならない")
	}
	if len(mirror.savedSeqs) != 0 {
		t.Error("シーケンスが進んでいない場合はチェックポイントを保存してはならない")
	}
}

func TestRunOnce_FetchErrorIsFeedError(t *testing.T) {
	fetcher := &mockFetcher{
		changesFn: func(ctx context.Context, c model.Collection, since string) (*ChangesResult, error) {
			return nil, errors.New("connection reset")
		},
	}
	out := make(chan model.ChangeBatch, 1)

	var buf bytes.Buffer
	r := NewReplicator(model.CollectionDeployments, fetcher, &mockMirror{}, out, nil, nil, newTestLogger(&buf))

	err := r.RunOnce(context.Background())
	if model.Category(err) != model.CategoryFeed {
		t.Errorf("取得失敗は FeedError であるべき: %v", err)
	}
}

func TestRunOnce_ApplyErrorKeepsSequence(t *testing.T) {
	fetcher := &mockFetcher{
		changesFn: func(ctx context.Context, c model.Collection, since string) (*ChangesResult, error) {
			return &ChangesResult{Documents: []model.Document{{ID: "x"}}, LastSeq: "9"}, nil
		},
	}
	mirror := &mockMirror{applyErr: errors.New("disk full")}
	out := make(chan model.ChangeBatch, 1)

	var buf bytes.Buffer
	r := NewReplicator(model.CollectionUsers, fetcher, mirror, out, nil, nil, newTestLogger(&buf))

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("ミラーへの適用失敗はエラーを返すべき")
	}
	if r.LastSeq() != "" {
		t.Errorf("適用に失敗した場合はシーケンスを進めてはならない: %q", r.LastSeq())
	}
	if len(out) != 0 {
		t.Error("適用に失敗した場合は ChangeBatch を送出してはならない")
	}
}

func TestRun_ResumesFromCheckpointAndRetries(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	fetcher := &mockFetcher{
		changesFn: func(ctx context.Context, c model.Collection, since string) (*ChangesResult, error) {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()
			switch n {
			case 1:
				return nil, errors.New("temporary failure")
			case 2:
				return &ChangesResult{Documents: []model.Document{{ID: "a@example.com"}}, LastSeq: "11"}, nil
			default:
				<-ctx.Done()
				return nil, ctx.Err()
			}
		},
	}
	mirror := &mockMirror{checkpoint: "10"}
	rec := &mockRecorder{}
	out := make(chan model.ChangeBatch, 1)

	var buf bytes.Buffer
	r := NewReplicator(model.CollectionUsers, fetcher, mirror, out, nil, rec, newTestLogger(&buf))

	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case batch := <-out:
		if batch.Seq != "11" {
			t.Errorf("batch.Seq = %q, want %q", batch.Seq, "11")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ChangeBatch が送出されなかった")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Run が終了しなかった")
	}

	since := fetcher.sinceValues()
	if len(since) < 2 || since[0] != "10" || since[1] != "10" {
		t.Errorf("チェックポイントから再開していない: %v", since)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("バックオフ = %v, want [1s]", delays)
	}
	if rec.errors != 1 {
		t.Errorf("フィードエラーのメトリクス = %d, want 1", rec.errors)
	}

	logs := buf.String()
	if !strings.Contains(logs, "レプリケーションでエラーが発生しました") {
		t.Errorf("フィードエラーがログに出力されていない: %s", logs)
	}
	if !strings.Contains(logs, "レプリケーションが完了しました") {
		t.Errorf("完了がログに出力されていない: %s", logs)
	}
}
