package reconcile

import (
	"strings"

	"github.com/hitoshi/notifyd/internal/model"
)

// MaterializeUsers はミラーのドキュメントからユーザービューを構築する。
// IDはドキュメントの_id、プランとメタデータはmetadataフィールドから取得する。
// 削除済みドキュメントは除外し、IDで重複を除く。
func MaterializeUsers(docs []model.Document) []model.User {
	users := make([]model.User, 0, len(docs))
	for _, doc := range docs {
		if doc.Deleted || doc.ID == "" {
			continue
		}
		metadata := copyFields(asFields(doc.Body["metadata"]))
		plan, _ := metadata["plan"].(string)
		users = append(users, model.User{
			ID:       doc.ID,
			Plan:     plan,
			Metadata: metadata,
		})
	}
	return model.UniqueUsersByID(users)
}

// MaterializeStatistics はミラーのドキュメントから統計ビューを構築する。
// servicesフィールドの各要素をServiceUsageとして取り込む。
// nameフィールドを持たないサービスにはキーをnameとして補完する。
func MaterializeStatistics(docs []model.Document) []model.StatisticsRecord {
	records := make([]model.StatisticsRecord, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if doc.Deleted || doc.ID == "" {
			continue
		}
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		seen[doc.ID] = struct{}{}

		services := make(map[string]model.ServiceUsage)
		for key, raw := range asFields(doc.Body["services"]) {
			fields := copyFields(asFields(raw))
			if _, ok := fields["name"]; !ok {
				fields["name"] = key
			}
			services[key] = model.ServiceUsage(fields)
		}
		records = append(records, model.StatisticsRecord{ID: doc.ID, Services: services})
	}
	return records
}

// MaterializeDeployments はミラーのドキュメントからデプロイビューを構築する。
// ドキュメント本体の全フィールドに加えてidを保持し、serviceNameで重複を除く。
func MaterializeDeployments(docs []model.Document) []model.DeploymentRecord {
	records := make([]model.DeploymentRecord, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if doc.Deleted {
			continue
		}
		serviceName, _ := doc.Body["serviceName"].(string)
		if serviceName == "" {
			continue
		}
		if _, ok := seen[serviceName]; ok {
			continue
		}
		seen[serviceName] = struct{}{}

		fields := copyFields(doc.Body)
		// 旧バージョンで保存されたミラー行には_revなどが残っている
		for k := range fields {
			if strings.HasPrefix(k, "_") {
				delete(fields, k)
			}
		}
		fields["id"] = doc.ID
		records = append(records, model.DeploymentRecord{ServiceName: serviceName, Fields: fields})
	}
	return records
}

func asFields(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func copyFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
