package mail

import (
	"context"
	"fmt"
	"html"

	gomail "github.com/wneessen/go-mail"
)

// Message is the transport-neutral shape handed to a Sender.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

type Status struct {
	State string `json:"state"`
}

// Sender delivers a single message. A nil Sender in the wiring means email
// delivery is not configured, which callers must treat as a detected
// configuration state rather than an error in delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) (Status, error)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	client *gomail.Client
	from   string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.From}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (Status, error) {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return Status{}, err
	}
	if err := m.To(msg.To); err != nil {
		return Status{}, err
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	for k, v := range msg.Headers {
		m.SetGenHeader(gomail.Header(k), v)
	}

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return Status{}, err
	}
	return Status{State: "sent"}, nil
}

// InviteMessage builds the share-invite email with the redemption URL.
func InviteMessage(to, inviterEmail, listName, acceptURL string) Message {
	subject := fmt.Sprintf("%s shared the list %q with you", inviterEmail, listName)
	text := fmt.Sprintf(
		"%s invited you to copy the list %q into your own account.\n\n"+
			"Open this link to accept:\n%s\n\n"+
			"The invitation expires in 30 days. If you were not expecting it you can ignore this email.\n",
		inviterEmail, listName, acceptURL,
	)
	htmlBody := fmt.Sprintf(
		`<p>%s invited you to copy the list <strong>%s</strong> into your own account.</p>`+
			`<p><a href="%s">Accept the invitation</a></p>`+
			`<p>The invitation expires in 30 days. If you were not expecting it you can ignore this email.</p>`,
		html.EscapeString(inviterEmail), html.EscapeString(listName), acceptURL,
	)
	return Message{
		To:      to,
		Subject: subject,
		Text:    text,
		HTML:    htmlBody,
		Headers: map[string]string{"X-Listkeep-Notification": "share-invite"},
	}
}
