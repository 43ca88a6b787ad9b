package mail

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/observability"
)

// Mailer delivers a single HTML email
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPMailer delivers mail over plain SMTP
type SMTPMailer struct {
	cfg config.MailConfig
}

// NewSMTPMailer creates a mailer from SMTP settings
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers a single HTML message to one recipient
func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)

	mime := "MIME-version: 1.0;\r\nContent-Type: text/html; charset=\"UTF-8\";\r\n\r\n"
	msg := []byte(fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\n%s%s",
		to, m.cfg.From, subject, mime, htmlBody))

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// DisabledMailer drops all mail. Used when outbound email is switched off,
// typically in development environments.
type DisabledMailer struct {
	logger *observability.Logger
}

// NewDisabledMailer creates a mailer that logs and drops every message
func NewDisabledMailer(logger *observability.Logger) *DisabledMailer {
	return &DisabledMailer{logger: logger}
}

// Send logs the message instead of delivering it
func (m *DisabledMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.logger.WithFields(map[string]interface{}{
		"to":      to,
		"subject": subject,
	}).Info("outbound email disabled, dropping message")
	return nil
}

// NewMailer returns an SMTP mailer, or a disabled one when email is off
func NewMailer(cfg config.MailConfig, logger *observability.Logger) Mailer {
	if !cfg.Enabled {
		return NewDisabledMailer(logger)
	}
	return NewSMTPMailer(cfg)
}
