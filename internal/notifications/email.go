package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/mail"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// mailDialer is the part of gomail.Dialer the email adapter uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	from   string
	dialer mailDialer
}

func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

const emailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #{{.Color}}; color: white; padding: 20px; border-radius: 5px; }
        .body { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; white-space: pre-wrap; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.Subject}}</h1>
        <p>Priority: {{.Priority}}</p>
    </div>
    <div class="body">{{.Body}}</div>
    <hr>
    <p><small>Alert {{.AlertID}}</small></p>
</body>
</html>
`

var emailHTML = template.Must(template.New("email").Parse(emailTemplate))

func buildEmailHTML(msg Message) (string, error) {
	color, ok := priorityColors[msg.Priority]
	if !ok {
		color = priorityColors[models.PriorityNormal]
	}

	var buf bytes.Buffer
	err := emailHTML.Execute(&buf, struct {
		Message
		Color string
	}{msg, color})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *EmailSender) Send(ctx context.Context, msg Message) (string, error) {
	const op = "email send"

	if _, err := mail.ParseAddress(msg.Recipient); err != nil {
		return "", faults.Permanent(op, "invalid recipient %q: %v", msg.Recipient, err)
	}

	htmlBody, err := buildEmailHTML(msg)
	if err != nil {
		return "", faults.Wrap(faults.KindPermanent, op, fmt.Errorf("failed to build email HTML: %w", err))
	}

	messageID := fmt.Sprintf("<%s@mention-pipeline>", msg.IdempotencyKey)

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.Priority == models.PriorityUrgent || msg.Priority == models.PriorityHigh {
		m.SetHeader("X-Priority", "1")
	}
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", htmlBody)

	// gomail has no context support; the dial runs in the background and the
	// attempt is abandoned when ctx ends.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			if isPermanentSMTP(err.Error()) {
				return "", faults.Wrap(faults.KindPermanent, op, err)
			}
			return "", faults.Wrap(faults.KindTransient, op, err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", faults.Wrap(faults.KindTransient, op, ctx.Err())
	}
}

// isPermanentSMTP recognises 5xx mailbox rejections in gomail's error text.
func isPermanentSMTP(text string) bool {
	for _, code := range []string{"550", "551", "553", "554"} {
		if strings.Contains(text, code) {
			return true
		}
	}
	return false
}
