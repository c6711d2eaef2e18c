package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/notifyd/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry はイベント種別に対応する通知定義。
type Entry struct {
	Template string `yaml:"template"`
	Subject  string `yaml:"subject"`

	subject *template.Template
}

// Catalog はイベント種別から通知定義を引くためのカタログ。
type Catalog struct {
	entries map[model.EventKind]*Entry
}

type catalogFile struct {
	Notifications map[model.EventKind]*Entry `yaml:"notifications"`
}

// DefaultCatalog は埋め込みのカタログを読み込む。
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog はYAML形式のカタログを解析する。
// 件名テンプレートはここで事前にパースする。
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse notification catalog: %w", err)
	}

	for kind, e := range f.Notifications {
		if e == nil || e.Template == "" {
			return nil, fmt.Errorf("notification %s has no template", kind)
		}
		tmpl, err := template.New(string(kind)).Option("missingkey=error").Parse(e.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subject of %s: %w", kind, err)
		}
		e.subject = tmpl
	}

	return &Catalog{entries: f.Notifications}, nil
}

// Lookup はイベント種別に対応する通知定義を返す。
func (c *Catalog) Lookup(kind model.EventKind) (*Entry, bool) {
	e, ok := c.entries[kind]
	return e, ok
}

// RenderSubject は件名テンプレートを評価する。
func (e *Entry) RenderSubject(data any) (string, error) {
	var buf bytes.Buffer
	if err := e.subject.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
