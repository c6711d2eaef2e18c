// Package snapshot はレプリケーション済みコレクションの最新スナップショットを保持する。
// 書き込みはコレクション全体の置き換えのみで、読み取り側は常に置き換え済みの
// 一貫したスライスを参照する（アトミックなポインタ差し替え）。
package snapshot

import (
	"sync/atomic"

	"github.com/hitoshi/notifyd/internal/model"
)

// Snapshot は1コレクション分のスナップショット。
// Getが返すスライスは共有されるため、呼び出し元は変更してはならない。
type Snapshot[T any] struct {
	current atomic.Pointer[[]T]
}

// Get は現在のスナップショットを返す。未設定の場合はnilを返す。
func (s *Snapshot[T]) Get() []T {
	p := s.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Replace はスナップショット全体を置き換える。
// 引数のスライスはコピーしてから公開するため、呼び出し元が後で変更しても影響しない。
func (s *Snapshot[T]) Replace(entities []T) {
	cp := make([]T, len(entities))
	copy(cp, entities)
	s.current.Store(&cp)
}

// Len は現在のスナップショットの件数を返す。
func (s *Snapshot[T]) Len() int {
	return len(s.Get())
}

// Store は3コレクションのスナップショットをまとめて所有する。
// 書き込みはコレクションごとに単一のリコンサイラ、読み取りはスケジューラ等が行う。
type Store struct {
	users       Snapshot[model.User]
	statistics  Snapshot[model.StatisticsRecord]
	deployments Snapshot[model.DeploymentRecord]
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{}
}

// Users は現在のユーザースナップショットを返す。
func (s *Store) Users() []model.User { return s.users.Get() }

// Statistics は現在の統計スナップショットを返す。
func (s *Store) Statistics() []model.StatisticsRecord { return s.statistics.Get() }

// Deployments は現在のデプロイスナップショットを返す。
func (s *Store) Deployments() []model.DeploymentRecord { return s.deployments.Get() }

// ReplaceUsers はユーザースナップショットを置き換える。
func (s *Store) ReplaceUsers(users []model.User) { s.users.Replace(users) }

// ReplaceStatistics は統計スナップショットを置き換える。
func (s *Store) ReplaceStatistics(records []model.StatisticsRecord) { s.statistics.Replace(records) }

// ReplaceDeployments はデプロイスナップショットを置き換える。
func (s *Store) ReplaceDeployments(records []model.DeploymentRecord) { s.deployments.Replace(records) }

// Sizes はコレクションごとの件数を返す。
func (s *Store) Sizes() map[model.Collection]int {
	return map[model.Collection]int{
		model.CollectionUsers:       s.users.Len(),
		model.CollectionStatistics:  s.statistics.Len(),
		model.CollectionDeployments: s.deployments.Len(),
	}
}
