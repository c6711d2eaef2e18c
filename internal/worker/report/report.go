package report

import (
	"github.com/hitoshi/notifyd/internal/model"
)

// BuildReports はユーザースナップショットの各ユーザーについて日次利用レポートを構築する。
// 統計レコードを持たないユーザーはスキップする。
// 結合結果は新しいマップとして生成し、スナップショットには書き戻さない。
func BuildReports(
	users []model.User,
	statistics []model.StatisticsRecord,
	deployments []model.DeploymentRecord,
) []model.UsageReport {
	byUser := make(map[string]model.StatisticsRecord, len(statistics))
	for _, r := range statistics {
		if _, ok := byUser[r.ID]; !ok {
			byUser[r.ID] = r
		}
	}

	byService := make(map[string]model.DeploymentRecord, len(deployments))
	for _, d := range deployments {
		if _, ok := byService[d.ServiceName]; !ok {
			byService[d.ServiceName] = d
		}
	}

	reports := make([]model.UsageReport, 0, len(users))
	for _, u := range users {
		record, ok := byUser[u.ID]
		if !ok {
			continue
		}
		reports = append(reports, model.UsageReport{
			UserID:   u.ID,
			Services: JoinServices(record, byService),
		})
	}
	return reports
}

// JoinServices は統計レコードの各サービスにサービス名が一致するデプロイ情報を結合する。
// 同名のフィールドはデプロイ情報側の値で上書きされる。サービスはキー順に並ぶ。
func JoinServices(record model.StatisticsRecord, deployments map[string]model.DeploymentRecord) []model.ServiceUsage {
	services := make([]model.ServiceUsage, 0, len(record.Services))
	for _, key := range record.ServiceKeys() {
		usage := record.Services[key]
		merged := make(model.ServiceUsage, len(usage))
		for k, v := range usage {
			merged[k] = v
		}
		if d, ok := deployments[usage.Name()]; ok {
			for k, v := range d.Fields {
				merged[k] = v
			}
		}
		services = append(services, merged)
	}
	return services
}
