// Package mailer は認証フローで使用するメール送信を提供する。
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

// Message は送信するテキストメールを表す。
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender はメール送信インターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// mailgunClient はMailgunSenderが使用するmailgun.Mailgunの部分集合。
type mailgunClient interface {
	NewMessage(from, subject, text string, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// MailgunConfig はMailgun送信の設定。
type MailgunConfig struct {
	Domain  string
	APIKey  string
	From    string
	Timeout time.Duration
}

// MailgunSender はMailgun APIでメールを送信する。
type MailgunSender struct {
	mg      mailgunClient
	from    string
	timeout time.Duration
}

// NewMailgunSender はMailgunSenderを生成する。
func NewMailgunSender(cfg MailgunConfig) (*MailgunSender, error) {
	if cfg.Domain == "" || cfg.APIKey == "" || cfg.From == "" {
		return nil, fmt.Errorf("mailgun: domain, api key and from are required")
	}
	return newMailgunSender(mailgun.NewMailgun(cfg.Domain, cfg.APIKey), cfg.From, cfg.Timeout), nil
}

func newMailgunSender(mg mailgunClient, from string, timeout time.Duration) *MailgunSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MailgunSender{mg: mg, from: from, timeout: timeout}
}

// Send はメールを送信する。
func (s *MailgunSender) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := s.mg.NewMessage(s.from, msg.Subject, msg.Text, msg.To)
	_, id, err := s.mg.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("mailgun: failed to send message: %w", err)
	}

	slog.Info("mail queued",
		slog.String("provider", "mailgun"),
		slog.String("message_id", id),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// LogSender はメールを送信せず、構造化ログに出力する。ローカル開発用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send はメール内容をログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("mail (log provider)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}

// compile-time interface checks
var (
	_ Sender = (*MailgunSender)(nil)
	_ Sender = (*LogSender)(nil)
)
