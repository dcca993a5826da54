// Package mailer sends reply emails for email triggers.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a plain-text email. InReplyTo and References thread it under an earlier message.
type Message struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	// Sender is used when a message has no From address.
	Sender string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	cfg    SMTPConfig
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
	logger *slog.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	var auth smtp.Auth

	if cfg.Username != "" && cfg.Password != "" {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}

		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}

	return &SMTPMailer{
		cfg:    cfg,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger.With("module", "smtp_mailer"),
	}
}

// Send has no cancellable variant in net/smtp; ctx is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if msg.From == "" {
		msg.From = m.cfg.Sender
	}

	if msg.From == "" || msg.To == "" {
		return fmt.Errorf("email needs a sender and a recipient")
	}

	if err := m.send(m.cfg.Addr, m.auth, address(msg.From), []string{address(msg.To)}, m.build(msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	m.logger.InfoContext(ctx, "Email sent", "to", msg.To, "in_reply_to", msg.InReplyTo)

	return nil
}

func (m *SMTPMailer) build(msg Message) []byte {
	var b strings.Builder

	header := func(name, value string) {
		if value != "" {
			b.WriteString(name + ": " + sanitize(value) + "\r\n")
		}
	}

	header("From", msg.From)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", sanitize(msg.Subject)))
	header("Date", m.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@"+domain(msg.From)+">")
	header("In-Reply-To", msg.InReplyTo)
	header("References", strings.TrimSpace(strings.Join([]string{msg.References, msg.InReplyTo}, " ")))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")

	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	return []byte(b.String())
}

// ReplySubject prefixes subject with "Re:" unless it already carries one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}

	return "Re: " + subject
}

func sanitize(value string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(value)
}

func address(value string) string {
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.LastIndex(value, ">"); end > start {
			return value[start+1 : end]
		}
	}

	return strings.TrimSpace(value)
}

func domain(from string) string {
	addr := address(from)
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}

	return "localhost"
}

var _ Mailer = (*SMTPMailer)(nil)
