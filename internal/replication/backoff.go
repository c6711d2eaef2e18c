package replication

import (
	"errors"
	"net/http"
	"time"
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 5 * time.Minute
)

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回1秒、2倍ずつ増加、最大5分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// IsPermanent は再試行しても回復しないと判断できるエラーかを返す。
// 認証エラー、存在しないデータベース、上限を超えるレスポンスが該当する。
// 呼び出し元は再試行を続けるが、ログのレベルを上げて運用者に知らせる。
func IsPermanent(err error) bool {
	if errors.Is(err, ErrResponseTooLarge) {
		return true
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}
