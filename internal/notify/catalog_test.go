package notify

import (
	"testing"

	"github.com/hitoshi/notifyd/internal/model"
)

func TestDefaultCatalog_Entries(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog がエラーを返した: %v", err)
	}

	tests := []struct {
		kind     model.EventKind
		template string
		data     TemplateData
		subject  string
	}{
		{model.EventUserCreated, "welcome", TemplateData{}, "Welcome to Awesomeness!"},
		{model.EventPlanChanged, "plan", TemplateData{Plan: "PRO"}, "PRO Plan Activated!"},
		{model.EventDailyUsage, "daily-usage", TemplateData{}, "Daily Usage Statistics"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e, ok := c.Lookup(tt.kind)
			if !ok {
				t.Fatalf("%s がカタログに登録されていない", tt.kind)
			}
			if e.Template != tt.template {
				t.Errorf("Template = %q, want %q", e.Template, tt.template)
			}
			got, err := e.RenderSubject(tt.data)
			if err != nil {
				t.Fatalf("RenderSubject がエラーを返した: %v", err)
			}
			if got != tt.subject {
				t.Errorf("RenderSubject() = %q, want %q", got, tt.subject)
			}
		})
	}
}

func TestCatalog_LookupUnknown(t *testing.T) {
	c, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog がエラーを返した: %v", err)
	}
	if _, ok := c.Lookup("unknown"); ok {
		t.Error("未登録のイベント種別は見つからないべき")
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "notifications: [\n"},
		{"missing template", "notifications:\n  user_created:\n    subject: hi\n"},
		{"bad subject", "notifications:\n  user_created:\n    template: welcome\n    subject: \"{{ .Plan \"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.data)); err == nil {
				t.Error("不正なカタログはエラーを返すべき")
			}
		})
	}
}
