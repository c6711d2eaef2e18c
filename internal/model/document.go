package model

// Collection はレプリケーション対象のコレクション名。
type Collection string

const (
	CollectionUsers       Collection = "users"
	CollectionStatistics  Collection = "statistics"
	CollectionDeployments Collection = "deployments"
)

// Collections はレプリケーション対象の全コレクションを返す。
func Collections() []Collection {
	return []Collection{CollectionUsers, CollectionStatistics, CollectionDeployments}
}

// Document はローカルミラーに保持されるレプリケーション済みドキュメント。
// Bodyには_id/_revを除いたドキュメント本体が入る。
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Body    map[string]any
}

// ChangeBatch はフィードアダプタがリコンサイラへ渡す変更通知トークン。
// 内容はローカルミラーに適用済みであり、リコンサイラはミラーから全件を再構築する。
type ChangeBatch struct {
	Collection Collection
	Seq        string
	Count      int
	// Pending はリモート側に残っている未取得の変更数。0なら初回同期が追いついている。
	Pending int
}

// Empty は変更を含まないバッチかどうかを返す。
func (b ChangeBatch) Empty() bool {
	return b.Count == 0
}
