package repository

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/hitoshi/notifyd/internal/model"
)

// MemoryMirror はプロセス内メモリに保持するMirror実装。
// DATABASE_URLが未設定の場合に使用し、再起動時は先頭から複製し直す。
type MemoryMirror struct {
	mu          sync.RWMutex
	docs        map[model.Collection]map[string]model.Document
	checkpoints map[model.Collection]string
}

// NewMemoryMirror はMemoryMirrorを生成する。
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		docs:        make(map[model.Collection]map[string]model.Document),
		checkpoints: make(map[model.Collection]string),
	}
}

// Apply は変更フィードから取得したドキュメントを適用する。
// 削除済みドキュメントはメモリから取り除く。
func (m *MemoryMirror) Apply(_ context.Context, collection model.Collection, docs []model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string]model.Document)
		m.docs[collection] = coll
	}

	for _, d := range docs {
		if d.Deleted {
			delete(coll, d.ID)
			continue
		}
		d.Body = maps.Clone(d.Body)
		coll[d.ID] = d
	}
	return nil
}

// AllDocs はコレクションの全ドキュメントをID順に返す。
func (m *MemoryMirror) AllDocs(_ context.Context, collection model.Collection) ([]model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll := m.docs[collection]
	out := make([]model.Document, 0, len(coll))
	for _, d := range coll {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Checkpoint は保存済みのシーケンスを返す。
func (m *MemoryMirror) Checkpoint(_ context.Context, collection model.Collection) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[collection], nil
}

// SaveCheckpoint はシーケンスを保存する。
func (m *MemoryMirror) SaveCheckpoint(_ context.Context, collection model.Collection, seq string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[collection] = seq
	return nil
}

// compile-time interface check
var _ Mirror = (*MemoryMirror)(nil)
