package reconcile

import "github.com/hitoshi/notifyd/internal/model"

// StatisticsFilter は環境に応じて統計レコードを絞り込む。
// 本番環境では管理アカウントを除外し、それ以外の環境ではテストアカウントのみを残す。
type StatisticsFilter struct {
	Production   bool
	AdminAccount string
	TestAccount  string
}

// Apply はフィルタを適用した新しいスライスを返す。
func (f StatisticsFilter) Apply(records []model.StatisticsRecord) []model.StatisticsRecord {
	out := make([]model.StatisticsRecord, 0, len(records))
	for _, r := range records {
		if f.Production {
			if r.ID == f.AdminAccount {
				continue
			}
		} else if r.ID != f.TestAccount {
			continue
		}
		out = append(out, r)
	}
	return out
}
