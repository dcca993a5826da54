package mailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestMailer(c *captured, err error) *SMTPMailer {
	m := NewSMTPMailer(SMTPConfig{Addr: "smtp.example.com:587", Sender: "doc@hooks.example.com"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)

		return err
	}

	return m
}

func TestSMTPMailer_SendThreadsReply(t *testing.T) {
	var c captured

	err := newTestMailer(&c, nil).Send(context.Background(), Message{
		To:         "Alice <alice@x.com>",
		Subject:    ReplySubject("Weekly report"),
		Body:       "line one\nline two",
		InReplyTo:  "<m2@x.com>",
		References: "<m1@x.com>",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", c.addr)
	assert.Equal(t, "doc@hooks.example.com", c.from)
	assert.Equal(t, []string{"alice@x.com"}, c.to)
	assert.Contains(t, c.msg, "Subject: Re: Weekly report\r\n")
	assert.Contains(t, c.msg, "In-Reply-To: <m2@x.com>\r\n")
	assert.Contains(t, c.msg, "References: <m1@x.com> <m2@x.com>\r\n")
	assert.Contains(t, c.msg, "Message-ID: <")
	assert.True(t, strings.HasSuffix(c.msg, "\r\n\r\nline one\r\nline two"))
}

func TestSMTPMailer_StripsHeaderInjection(t *testing.T) {
	var c captured

	err := newTestMailer(&c, nil).Send(context.Background(), Message{
		To:      "bob@x.com",
		Subject: "hi\r\nBcc: evil@x.com",
		Body:    "body",
	})
	require.NoError(t, err)
	assert.NotContains(t, c.msg, "\r\nBcc:")
}

func TestSMTPMailer_SendError(t *testing.T) {
	var c captured

	err := newTestMailer(&c, errors.New("connection refused")).Send(context.Background(), Message{To: "bob@x.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: hello", ReplySubject("hello"))
	assert.Equal(t, "RE: hello", ReplySubject("RE: hello"))
}
