package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/notifyd/internal/model"
)

// プラン変更の検出モード
const (
	PlanChangeFirst = "first"
	PlanChangeAll   = "all"
)

const productionEnv = "production"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Environment
	AppEnv string `env:"APP_ENV,required,notEmpty"`

	// SMTP
	SMTPHost     string        `env:"SMTP_HOST,required,notEmpty"`
	SMTPPort     int           `env:"SMTP_PORT,required,notEmpty"`
	SMTPUsername string        `env:"SMTP_USERNAME,required,notEmpty"`
	SMTPPassword string        `env:"SMTP_PASSWORD,required,notEmpty"`
	FromEmail    string        `env:"FROM_EMAIL,required,notEmpty"`
	FromName     string        `env:"FROM_NAME" envDefault:"DROPSTACK | CLOUD"`
	SMTPTimeout  time.Duration `env:"SMTP_TIMEOUT" envDefault:"30s"`
	SMTPTLS      bool          `env:"SMTP_TLS" envDefault:"true"`

	// Replication
	SyncBaseURL      string        `env:"SYNC_BASE_URL,required,notEmpty"`
	SyncBatchSize    int           `env:"SYNC_BATCH_SIZE" envDefault:"1000"`
	SyncPollTimeout  time.Duration `env:"SYNC_POLL_TIMEOUT" envDefault:"60s"`
	SyncRequestRate  float64       `env:"SYNC_REQUEST_RATE" envDefault:"2"`
	SyncStrictEgress bool          `env:"SYNC_STRICT_EGRESS" envDefault:"false"`

	// Mirror
	DatabaseURL         string `env:"DATABASE_URL"`
	MirrorRetentionDays int    `env:"MIRROR_RETENTION_DAYS" envDefault:"30"`

	// Report
	ReportTick     time.Duration `env:"REPORT_TICK" envDefault:"250ms"`
	ReportTimezone string        `env:"REPORT_TIMEZONE"`

	// Notification
	SendMaxConcurrent int    `env:"SEND_MAX_CONCURRENT" envDefault:"4"`
	PlanChangeMode    string `env:"PLAN_CHANGE_MODE" envDefault:"first"`
	TemplateDir       string `env:"TEMPLATE_DIR"`

	// Statistics filter
	AdminAccount string `env:"ADMIN_ACCOUNT" envDefault:"admin"`
	TestAccount  string `env:"TEST_ACCOUNT" envDefault:"go@dropstack.run"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"9090"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	location *time.Location
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数名を全て含む*model.ConfigurationErrorを返す。
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom は指定したマップを環境変数として扱いConfigを読み込む。
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		if missing := missingKeys(err); len(missing) > 0 {
			return nil, model.NewMissingConfigError(missing)
		}
		return nil, model.NewInvalidConfigError(fmt.Errorf("parse env: %w", err))
	}

	if err := cfg.validate(); err != nil {
		return nil, model.NewInvalidConfigError(err)
	}
	return cfg, nil
}

// missingKeys はパースエラーから未設定・空の必須変数名を取り出す。
func missingKeys(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}

	var missing []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		}
	}
	return missing
}

func (c *Config) validate() error {
	switch c.PlanChangeMode {
	case PlanChangeFirst, PlanChangeAll:
	default:
		return fmt.Errorf("PLAN_CHANGE_MODE must be %q or %q, got %q", PlanChangeFirst, PlanChangeAll, c.PlanChangeMode)
	}

	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive: %d", c.SyncBatchSize)
	}
	if c.SyncRequestRate <= 0 {
		return fmt.Errorf("SYNC_REQUEST_RATE must be positive: %v", c.SyncRequestRate)
	}
	if c.ReportTick <= 0 {
		return fmt.Errorf("REPORT_TICK must be positive: %v", c.ReportTick)
	}

	c.location = time.Local
	if c.ReportTimezone != "" {
		loc, err := time.LoadLocation(c.ReportTimezone)
		if err != nil {
			return fmt.Errorf("invalid REPORT_TIMEZONE: %w", err)
		}
		c.location = loc
	}
	return nil
}

// IsProduction はAPP_ENVが本番環境を示すかどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == productionEnv
}

// DetectAllPlanChanges は1サイクルで全てのプラン変更を検出するかどうかを返す。
func (c *Config) DetectAllPlanChanges() bool {
	return c.PlanChangeMode == PlanChangeAll
}

// Location は日次レポートの暦日判定に使うタイムゾーンを返す。
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// UsesDatabase はローカルミラーにPostgreSQLを使用するかどうかを返す。
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// LogValue は起動時ログ用に秘匿情報をマスクした設定値を返す。
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("app_env", c.AppEnv),
		slog.String("smtp_host", c.SMTPHost),
		slog.Int("smtp_port", c.SMTPPort),
		slog.String("smtp_username", c.SMTPUsername),
		slog.String("smtp_password", mask(c.SMTPPassword)),
		slog.Bool("smtp_tls", c.SMTPTLS),
		slog.String("from", fmt.Sprintf("%s <%s>", c.FromName, c.FromEmail)),
		slog.String("sync_base_url", redactURL(c.SyncBaseURL)),
		slog.Bool("sync_strict_egress", c.SyncStrictEgress),
		slog.Bool("database", c.UsesDatabase()),
		slog.String("report_timezone", c.Location().String()),
		slog.String("plan_change_mode", c.PlanChangeMode),
		slog.String("template_dir", c.TemplateDir),
		slog.String("server_port", c.ServerPort),
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 8)
}

// redactURL はURLに含まれるパスワードをマスクする。
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return mask(raw)
	}
	return u.Redacted()
}
