package model

// DeploymentRecord はサービスのデプロイ情報を表す。
// 日次レポート生成時にServiceUsageと結合される参照データであり、
// 同期のたびに全件置き換えられる。
type DeploymentRecord struct {
	ServiceName string
	Fields      map[string]any
}
