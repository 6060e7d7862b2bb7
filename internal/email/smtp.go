package email

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"

	"MailRota/internal/models"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// InsecureSkipVerify is meant for local relays such as MailHog.
	InsecureSkipVerify bool
}

// SMTPTransport sends through one relay. Each send opens its own connection
// so a broken session never leaks into the next task.
type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) dialer() *gomail.Dialer {
	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)
	if t.cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

func (t *SMTPTransport) Send(ctx context.Context, sender models.SenderAccount, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", fromAddress(sender))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.TaskID != "" {
		m.SetHeader("X-Task-ID", msg.TaskID)
	}
	m.SetBody("text/html", msg.HTML)

	// gomail has no context support; the dial and send run aside and the
	// caller stops waiting when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- t.deliver(sender.Email, msg.To, m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &DeliveryError{Kind: Transient, Err: fmt.Errorf("smtp send interrupted: %w", ctx.Err())}
	}
}

func (t *SMTPTransport) deliver(from, to string, m *gomail.Message) error {
	sc, err := t.dialer().Dial()
	if err != nil {
		// connect, TLS and login all happen in Dial; none is the recipient's fault
		return &DeliveryError{
			Kind: SenderFault,
			Err:  fmt.Errorf("smtp dial %s:%d: %w", t.cfg.Host, t.cfg.Port, err),
		}
	}
	defer sc.Close()

	// SendCloser keeps the server's reply intact for classification.
	if err := sc.Send(from, []string{to}, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
