// Package repository はレプリケーションで取得したドキュメントのローカルミラーを提供する。
package repository

import (
	"context"

	"github.com/hitoshi/notifyd/internal/model"
)

// Mirror はリモートコレクションのローカルミラーの永続化インターフェース。
// 変更フィードの取り込み（Apply、SaveCheckpoint）とリコンサイル時の全件読み出し（AllDocs）に使用される。
type Mirror interface {
	// Apply は変更フィードから取得したドキュメントを適用する。
	// 削除済みドキュメントは以降のAllDocsに含まれなくなる。同一IDは後勝ち。
	Apply(ctx context.Context, collection model.Collection, docs []model.Document) error

	// AllDocs はコレクションの削除されていない全ドキュメントをID順に返す。
	AllDocs(ctx context.Context, collection model.Collection) ([]model.Document, error)

	// Checkpoint は保存済みの変更フィードのシーケンスを返す。未保存の場合は空文字列。
	Checkpoint(ctx context.Context, collection model.Collection) (string, error)

	// SaveCheckpoint は変更フィードのシーケンスを保存する。
	SaveCheckpoint(ctx context.Context, collection model.Collection, seq string) error
}
