package delivery

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/notify"
)

// SMTPConfig is the outgoing mail server.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SendFunc has the signature of smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers e-mail notices over SMTP.
type Email struct {
	cfg  SMTPConfig
	send SendFunc
}

// NewEmail creates an SMTP deliverer. A nil send uses smtp.SendMail.
func NewEmail(cfg SMTPConfig, send SendFunc) *Email {
	if send == nil {
		send = smtp.SendMail
	}
	return &Email{cfg: cfg, send: send}
}

// Deliver implements notify.Deliverer.
//
// Malformed addresses and 5xx replies are permanent; everything else is
// retried by the scheduler.
func (e *Email) Deliver(ctx context.Context, msg notify.Message) error {
	if msg.Channel != domain.ChannelEmail {
		return notify.Permanent(fmt.Errorf("email deliverer cannot send %s", msg.Channel))
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return notify.Permanent(fmt.Errorf("recipient %q: %w", msg.To, err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	raw := e.compose(to, msg)
	if err := e.send(e.cfg.Addr(), auth, e.cfg.From, []string{to.Address}, raw); err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return notify.Permanent(fmt.Errorf("smtp: %w", err))
		}
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

func (e *Email) compose(to *mail.Address, msg notify.Message) []byte {
	if msg.RecipientName != "" && to.Name == "" {
		to = &mail.Address{Name: msg.RecipientName, Address: to.Address}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	fmt.Fprintf(&b, "X-Reajuste-Notification: %s\r\n", msg.RecordID)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
