// Package security はアプリケーションのセキュリティ機能を提供する。
//
// PlainTextConverter はレンダリング済みのHTMLメール本文からタグを除去し、
// text/plainの代替本文を生成する。bluemondayのStrictPolicyで全てのタグを落とすため、
// テンプレートに埋め込まれた値がマークアップとして残ることはない。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// PlainTextConverter はHTMLからプレーンテキストを生成する。
// bluemondayのポリシーはスレッドセーフなので複数の送信goroutineから共有できる。
type PlainTextConverter struct {
	policy *bluemonday.Policy
}

// NewPlainTextConverter はPlainTextConverterの新しいインスタンスを生成する。
func NewPlainTextConverter() *PlainTextConverter {
	return &PlainTextConverter{
		policy: bluemonday.StrictPolicy(),
	}
}

// PlainText はHTMLから全てのタグを除去し、空行を詰めたテキストを返す。
// エンティティはデコードして返す。
func (c *PlainTextConverter) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	stripped := html.UnescapeString(c.policy.Sanitize(rawHTML))

	lines := strings.Split(stripped, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
