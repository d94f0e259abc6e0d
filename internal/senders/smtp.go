package senders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"survey-dispatch/internal/provider"
)

// SMTPConfig holds the relay used as the last email fallback.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP sends email through a plain SMTP relay.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
	send   func(*gomail.Message) error
}

// NewSMTP returns an SMTP sender.
func NewSMTP(cfg SMTPConfig) *SMTP {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	s := &SMTP{dialer: d, from: cfg.From}
	s.send = func(m *gomail.Message) error { return d.DialAndSend(m) }
	return s
}

// Send implements provider.Sender. gomail has no context support, so the
// dial runs in its own goroutine and ctx only bounds how long we wait.
func (s *SMTP) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	subject := msg.Subject
	if subject == "" {
		subject = "Pesquisa"
	}
	id := uuid.NewString()

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetAddressHeader("To", msg.Contact, msg.RecipientName)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", "<"+id+"@survey-dispatch>")
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", textToHTML(msg.Body))

	done := make(chan error, 1)
	go func() { done <- s.send(m) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("smtp send: %w", err)
		}
	}
	return &provider.Receipt{MessageID: id, Status: "sent"}, nil
}
