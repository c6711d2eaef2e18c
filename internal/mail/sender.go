// Package mail はSMTPによるメール送信を提供する。
package mail

import (
	"context"
	"fmt"
)

// Message は送信するメール1通分の内容。
// Textが空でなければHTML本文の代替として添付される。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Confirmation は送信成功時の確認情報。
type Confirmation struct {
	To        string
	MessageID string
}

// String はログ出力用の文字列表現を返す。
func (c Confirmation) String() string {
	if c.MessageID == "" {
		return fmt.Sprintf("Email sent to %s.", c.To)
	}
	return fmt.Sprintf("Email sent to %s (%s).", c.To, c.MessageID)
}

// Sender はメール送信のインターフェース。
// 失敗は接続・認証・送信拒否のいずれであっても*model.DeliveryErrorとして返す。
type Sender interface {
	Send(ctx context.Context, msg Message) (Confirmation, error)
}
