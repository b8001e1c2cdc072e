package notify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// mailSender is satisfied by *mail.Client.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailConfig configures an EmailSink.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailSink mails each message separately to every address.
type EmailSink struct {
	from   string
	to     []string
	sender mailSender
}

// NewEmailSink creates an EmailSink delivering through cfg.Host. STARTTLS is
// used when the server offers it.
func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	opts := []mail.Option{mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating mail client: %w", err)
	}
	return newEmailSink(cfg.From, cfg.To, client), nil
}

func newEmailSink(from string, to []string, sender mailSender) *EmailSink {
	return &EmailSink{from: from, to: to, sender: sender}
}

// Name implements Sink.
func (s *EmailSink) Name() string { return "email" }

// Send implements Sink. Every address gets its own message so one bad
// recipient does not block the rest; the first error is returned.
func (s *EmailSink) Send(ctx context.Context, msg Message) error {
	var firstErr error
	for _, addr := range s.to {
		m, err := s.build(addr, msg)
		if err == nil {
			err = s.sender.DialAndSendWithContext(ctx, m)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mailing %s: %w", addr, err)
		}
	}
	return firstErr
}

func (s *EmailSink) build(addr string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := m.To(addr); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	for _, a := range msg.Attachments {
		if err := m.AttachReader(a.Name, bytes.NewReader(a.Data)); err != nil {
			return nil, fmt.Errorf("attaching %s: %w", a.Name, err)
		}
	}
	return m, nil
}
