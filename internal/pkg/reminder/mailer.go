// Package reminder mails members whose grace period is about to end.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/config"
)

// ErrNoRecipient is returned for members without an email address.
var ErrNoRecipient = errors.New("member has no email address")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends grace reminders via SMTP.
type Mailer struct {
	cfg     config.SMTPConfig
	baseURL string
	send    sendFunc
}

func NewMailer(cfg config.SMTPConfig, baseURL string) *Mailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Reminder] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &Mailer{cfg: cfg, baseURL: strings.TrimRight(baseURL, "/"), send: smtp.SendMail}
}

// SendGraceReminder tells the member when their paid access ends.
func (m *Mailer) SendGraceReminder(ctx context.Context, member *models.Member, entry models.GracePeriodEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(member.Email)
	if to == "" {
		return fmt.Errorf("%w (member %d)", ErrNoRecipient, member.ID)
	}

	subject := "Your membership ends on " + entry.EndsAt.UTC().Format("January 2, 2006")
	return m.sendMail(to, subject, reminderBody(member, entry.EndsAt, m.baseURL))
}

func (m *Mailer) sendMail(to, subject, body string) error {
	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	log.Infof("[Reminder] Email sent to %s via %s", to, addr)
	return nil
}

func reminderBody(member *models.Member, endsAt time.Time, baseURL string) string {
	name := member.Username
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hi %s,</p>", html.EscapeString(name))
	fmt.Fprintf(&b, "<p>Your subscription has ended and your member role stays active until <strong>%s UTC</strong>.</p>",
		endsAt.UTC().Format("2006-01-02 15:04"))
	b.WriteString("<p>Renew before then to keep your access without interruption.</p>")
	if baseURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, html.EscapeString(baseURL), html.EscapeString(baseURL))
	}
	return b.String()
}
