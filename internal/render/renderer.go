// Package render はメールテンプレートのレンダリングを提供する。
// テンプレートは論理名（welcome、plan、daily-usage）で参照し、
// 組み込みテンプレートまたは指定ディレクトリの <name>.tpl.html から読み込む。
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hitoshi/notifyd/internal/model"
)

const templateSuffix = ".tpl.html"

//go:embed templates/*.tpl.html
var embeddedTemplates embed.FS

// Renderer はHTMLメールテンプレートを保持し、名前を指定してレンダリングする。
// ディレクトリから読み込んだ場合はWatchでファイル変更時に再読み込みできる。
type Renderer struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New はRendererを生成し、テンプレートを読み込む。
// dirが空の場合は組み込みテンプレートを使用する。
func New(dir string, logger *slog.Logger) (*Renderer, error) {
	r := &Renderer{dir: dir, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Render は指定テンプレートをdataで評価したHTMLを返す。
// 失敗した場合は*model.RenderErrorを返す。
func (r *Renderer) Render(name string, data any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return "", model.NewUnknownTemplateError(name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", model.NewRenderError(name, err)
	}
	return buf.String(), nil
}

// Names は読み込み済みのテンプレート名を返す。
func (r *Renderer) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Reload はテンプレートを全て読み込み直す。
// パースに失敗した場合は既存のテンプレートを維持してエラーを返す。
func (r *Renderer) Reload() error {
	var fsys fs.FS = embeddedTemplates
	root := "templates"
	if r.dir != "" {
		fsys = os.DirFS(r.dir)
		root = "."
	}

	loaded, err := loadTemplates(fsys, root)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()

	return nil
}

func loadTemplates(fsys fs.FS, root string) (map[string]*template.Template, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	loaded := make(map[string]*template.Template)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), templateSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), templateSuffix)

		content, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap()).Parse(string(content))
		if err != nil {
			return nil, model.NewRenderError(name, err)
		}
		loaded[name] = tmpl
	}

	if len(loaded) == 0 {
		return nil, fmt.Errorf("no templates found")
	}
	return loaded, nil
}

// Watch はテンプレートディレクトリを監視し、変更があれば再読み込みする。
// 組み込みテンプレートを使用している場合は何もせずに返る。
// コンテキストがキャンセルされるまでブロックする。
func (r *Renderer) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch template directory: %w", err)
	}

	r.logger.Info("テンプレートディレクトリの監視を開始しました",
		slog.String("dir", r.dir),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, templateSuffix) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("テンプレートの再読み込みに失敗しました",
					slog.String("file", ev.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.logger.Info("テンプレートを再読み込みしました",
				slog.String("file", ev.Name),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("テンプレート監視でエラーが発生しました",
				slog.String("error", err.Error()),
			)
		}
	}
}
