package render

import (
	"encoding/json"
	"html/template"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Field はテンプレートで表示するキーと値の組。
type Field struct {
	Key   string
	Value any
	// Bytes は値がバイト数を表すフィールドかどうか。
	Bytes bool
}

// bytesSuffixes はバイト数として表示するフィールド名の接尾辞。
var bytesSuffixes = []string{"bytes", "Bytes", "memory", "Memory", "transfer", "Transfer"}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"upper":  upper,
		"number": number,
		"bytes":  formatBytes,
		"fields": fields,
	}
}

func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}

// number は数値を桁区切り付きで整形する。数値以外はそのまま文字列化する。
func number(v any) string {
	p := message.NewPrinter(language.English)
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return p.Sprintf("%d", int64(n))
		}
		return p.Sprintf("%.2f", n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return p.Sprintf("%d", i)
		}
		return n.String()
	case int, int64, int32, uint, uint64, uint32:
		return p.Sprintf("%d", n)
	default:
		return p.Sprint(v)
	}
}

// formatBytes はバイト数を人間が読みやすい単位に整形する。
func formatBytes(v any) string {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return number(v)
		}
		return humanize.Bytes(uint64(n))
	case int:
		if n < 0 {
			return number(v)
		}
		return humanize.Bytes(uint64(n))
	case int64:
		if n < 0 {
			return number(v)
		}
		return humanize.Bytes(uint64(n))
	case uint64:
		return humanize.Bytes(n)
	case json.Number:
		if i, err := n.Int64(); err == nil && i >= 0 {
			return humanize.Bytes(uint64(i))
		}
		return number(v)
	default:
		return number(v)
	}
}

// fields はマップのエントリをキー順に並べて返す。nameフィールドは見出しで使うため除外する。
func fields(m map[string]any) []Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "name" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, Field{Key: k, Value: m[k], Bytes: isBytesField(k)})
	}
	return out
}

func isBytesField(key string) bool {
	for _, s := range bytesSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}
