// Package model はドメインモデルを定義する。
package model

// User はレプリケーションされたユーザーアカウントを表す。
// IDはメールアドレスであり、スナップショット内で一意なキーとなる。
type User struct {
	ID       string
	Plan     string
	Metadata map[string]any
}

// DefaultPlan はプランが未設定のユーザーに適用されるプラン名。
const DefaultPlan = "free"

// PlanOrDefault はプラン名を返す。未設定の場合はDefaultPlanを返す。
func (u User) PlanOrDefault() string {
	if u.Plan == "" {
		return DefaultPlan
	}
	return u.Plan
}

// UniqueUsersByID はIDで重複を除いたユーザー一覧を返す。
// 最初に出現したユーザーを残し、出現順を保持する。
func UniqueUsersByID(users []User) []User {
	seen := make(map[string]struct{}, len(users))
	out := make([]User, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out
}
