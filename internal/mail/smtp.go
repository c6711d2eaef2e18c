package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"golang.org/x/net/idna"

	"github.com/hitoshi/notifyd/internal/model"
)

// SMTPConfig はSMTP接続の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	FromName string
	FromAddr string
	// TLS がtrueの場合は接続時からTLSを使用する（SMTPS）。
	TLS     bool
	Timeout time.Duration
}

// SMTPSender はSMTPサーバー経由でメールを送信するSender実装。
// 送信ごとに接続・認証・送信・切断を行う。
type SMTPSender struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender はSMTPSenderの新しいインスタンスを生成する。
func NewSMTPSender(config SMTPConfig, logger *slog.Logger) *SMTPSender {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPSender{config: config, logger: logger}
}

// Send はメールを1通送信する。
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Confirmation, error) {
	m, err := s.buildMessage(msg)
	if err != nil {
		return Confirmation{}, model.NewDeliveryError(msg.To, err)
	}

	client, err := gomail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return Confirmation{}, model.NewDeliveryError(msg.To, fmt.Errorf("failed to create smtp client: %w", err))
	}

	s.logger.Debug("connecting to smtp server",
		slog.String("host", s.config.Host),
		slog.Int("port", s.config.Port),
		slog.Bool("tls", s.config.TLS),
	)

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return Confirmation{}, model.NewDeliveryError(msg.To, err)
	}

	confirmation := Confirmation{To: msg.To}
	if ids := m.GetGenHeader(gomail.HeaderMessageID); len(ids) > 0 {
		confirmation.MessageID = ids[0]
	}
	return confirmation, nil
}

func (s *SMTPSender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.config.Port),
		gomail.WithTimeout(s.config.Timeout),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.config.Username),
		gomail.WithPassword(s.config.Password),
	}
	if s.config.TLS {
		opts = append(opts, gomail.WithSSL())
	}
	return opts
}

func (s *SMTPSender) buildMessage(msg Message) (*gomail.Msg, error) {
	to, err := NormalizeAddress(msg.To)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMsg()
	if err := m.FromFormat(s.config.FromName, s.config.FromAddr); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	if msg.Text != "" {
		m.AddAlternativeString(gomail.TypeTextPlain, msg.Text)
	}

	return m, nil
}

// NormalizeAddress はメールアドレスのドメイン部をIDNA(Punycode)形式に変換する。
// ローカル部は変更しない。
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", fmt.Errorf("invalid email address: %q", addr)
	}

	domain, err := idna.Lookup.ToASCII(addr[at+1:])
	if err != nil {
		return "", fmt.Errorf("invalid email domain %q: %w", addr[at+1:], err)
	}
	return addr[:at+1] + domain, nil
}
