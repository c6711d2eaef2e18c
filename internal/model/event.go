package model

import "github.com/google/uuid"

// EventKind はドメインイベントの種別。
type EventKind string

const (
	EventUserCreated EventKind = "user_created"
	EventPlanChanged EventKind = "plan_changed"
	EventDailyUsage  EventKind = "daily_usage"
)

// Event はスナップショットの状態遷移から導出されたドメインイベント。
type Event struct {
	ID     string
	Kind   EventKind
	UserID string
	Plan   string
	Report *UsageReport
}

// NewUserCreated はUserCreatedイベントを生成する。
func NewUserCreated(userID string) Event {
	return Event{ID: uuid.NewString(), Kind: EventUserCreated, UserID: userID}
}

// NewPlanChanged はPlanChangedイベントを生成する。
func NewPlanChanged(userID, plan string) Event {
	return Event{ID: uuid.NewString(), Kind: EventPlanChanged, UserID: userID, Plan: plan}
}

// NewDailyUsage はDailyUsageイベントを生成する。
func NewDailyUsage(report UsageReport) Event {
	return Event{ID: uuid.NewString(), Kind: EventDailyUsage, UserID: report.UserID, Report: &report}
}

// UsageReport は日次利用レポートのペイロード。
// ServiceUsageとDeploymentRecordの結合結果であり、スナップショットには書き戻さない。
type UsageReport struct {
	UserID   string
	Services []ServiceUsage
}
