package model

import "sort"

// ServiceUsage はサービス単位の利用状況カウンタを表す。
// フィールドはリモートのドキュメントに依存するためマップで保持する。
type ServiceUsage map[string]any

// Name はサービス名（nameフィールド）を返す。
func (s ServiceUsage) Name() string {
	name, _ := s["name"].(string)
	return name
}

// StatisticsRecord はユーザー単位の利用統計を表す。
// IDはユーザーID（メールアドレス）。
type StatisticsRecord struct {
	ID       string
	Services map[string]ServiceUsage
}

// ServiceKeys はServicesのキーをソートして返す。
func (r StatisticsRecord) ServiceKeys() []string {
	keys := make([]string, 0, len(r.Services))
	for k := range r.Services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
