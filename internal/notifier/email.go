package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
	"time"

	"recurd/internal/storage"
)

// SMTPConfig configures outbound mail.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	StartTLS bool
	Timeout  time.Duration
}

// Mailer sends one fully rendered RFC 5322 message.
type Mailer interface {
	Send(ctx context.Context, to, msg string) error
}

// ContactStore resolves user ids to email addresses.
type ContactStore interface {
	FetchUserContacts(ctx context.Context, userIDs []string) ([]storage.Contact, error)
}

// Email sends one digest per recipient.
type Email struct {
	store    ContactStore
	mailer   Mailer
	from     string
	fromName string
}

func NewEmail(store ContactStore, mailer Mailer, from, fromName string) *Email {
	if fromName == "" {
		fromName = "Recurring Tasks"
	}
	return &Email{store: store, mailer: mailer, from: from, fromName: fromName}
}

func (c *Email) Name() string { return ChannelEmail }

// Wants is true only for users who opted in.
func (c *Email) Wants(p storage.NotificationPreference) bool { return isTrue(p.Email) }

func (c *Email) Deliver(ctx context.Context, d Delivery, lim Limiter) (int, error) {
	if c.mailer == nil {
		return 0, errors.New("no mailer configured")
	}
	contacts, err := c.store.FetchUserContacts(ctx, d.Users)
	if err != nil {
		return 0, fmt.Errorf("fetch contacts: %w", err)
	}
	subject := EmailSubject(d.TemplateName)
	body := EmailBody(d.TemplateName, d.Tasks)

	sent := 0
	var errs []error
	for _, ct := range contacts {
		if ct.Email == "" {
			continue
		}
		if err := waitFor(ctx, lim); err != nil {
			return sent, errors.Join(append(errs, err)...)
		}
		msg := c.buildMessage(ct, subject, body)
		if err := c.mailer.Send(ctx, ct.Email, msg); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", ct.UserID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func EmailSubject(templateName string) string {
	return "New Recurring Tasks Created: " + templateName
}

// EmailBody renders the HTML digest.
func EmailBody(templateName string, tasks []storage.TaskRef) string {
	var b strings.Builder
	b.WriteString("<h3>Recurring Tasks Created</h3>\r\n")
	fmt.Fprintf(&b, "<p>%d new tasks have been created from template &quot;%s&quot;:</p>\r\n", len(tasks), html.EscapeString(templateName))
	b.WriteString("<ul>\r\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "<li>%s</li>\r\n", html.EscapeString(t.Name))
	}
	b.WriteString("</ul>\r\n")
	return b.String()
}

func (c *Email) buildMessage(to storage.Contact, subject, body string) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", c.fromName, c.from)
	if to.Name != "" {
		fmt.Fprintf(&msg, "To: %s <%s>\r\n", to.Name, to.Email)
	} else {
		fmt.Fprintf(&msg, "To: %s\r\n", to.Email)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// SMTPMailer delivers over a plain SMTP session, upgrading with STARTTLS
// when configured.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, msg string) error {
	cfg := m.cfg
	if cfg.Host == "" {
		return errors.New("smtp host not configured")
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	// The message is accepted once DATA closes.
	_ = client.Quit()
	return nil
}
