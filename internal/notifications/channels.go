package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// NewSenders builds the adapters the configuration enables. Webhook, Slack
// and Teams need no process configuration since their recipients are URLs.
func NewSenders(smtp config.SMTPConfig, channels config.ChannelsConfig) map[models.Channel]Sender {
	client := resty.New().SetTimeout(channels.HTTPTimeout)

	senders := map[models.Channel]Sender{
		models.ChannelWebhook: NewWebhookSender(client),
		models.ChannelSlack:   NewSlackSender(client),
		models.ChannelTeams:   NewTeamsSender(client),
	}
	if smtp.Host != "" {
		senders[models.ChannelEmail] = NewEmailSender(smtp)
	}
	if channels.SMSGatewayURL != "" {
		senders[models.ChannelSMS] = NewSMSSender(client, channels.SMSGatewayURL, channels.SMSAPIKey)
	}
	return senders
}

// classifyResponse maps an HTTP outcome onto the sender error contract.
func classifyResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return faults.Wrap(faults.KindTransient, op, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return faults.Transient(op, "endpoint returned status %d", code)
	default:
		return faults.Permanent(op, "endpoint returned status %d: %s", code, truncate(string(resp.Body()), 200))
	}
}

func validateURL(op, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return faults.Permanent(op, "invalid endpoint %q", raw)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// WebhookSender posts a JSON document to the recipient URL.
type WebhookSender struct {
	client *resty.Client
}

type webhookPayload struct {
	ID       string    `json:"id"`
	AlertID  string    `json:"alert_id"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Priority string    `json:"priority"`
	SentAt   time.Time `json:"sent_at"`
}

func NewWebhookSender(client *resty.Client) *WebhookSender {
	return &WebhookSender{client: client}
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) (string, error) {
	const op = "webhook send"
	if err := validateURL(op, msg.Recipient); err != nil {
		return "", err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", msg.IdempotencyKey).
		SetBody(webhookPayload{
			ID:       msg.IdempotencyKey,
			AlertID:  msg.AlertID,
			Subject:  msg.Subject,
			Body:     msg.Body,
			Priority: string(msg.Priority),
			SentAt:   time.Now().UTC(),
		}).
		Post(msg.Recipient)

	if err := classifyResponse(op, resp, err); err != nil {
		return "", err
	}
	return resp.Header().Get("X-Request-Id"), nil
}

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	client *resty.Client
}

func NewSlackSender(client *resty.Client) *SlackSender {
	return &SlackSender{client: client}
}

func (s *SlackSender) Send(ctx context.Context, msg Message) (string, error) {
	const op = "slack send"
	if err := validateURL(op, msg.Recipient); err != nil {
		return "", err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"text": fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
		}).
		Post(msg.Recipient)

	return "", classifyResponse(op, resp, err)
}

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	Facts         []TeamsFact `json:"facts,omitempty"`
	Markdown      bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var priorityColors = map[models.Priority]string{
	models.PriorityUrgent: "d13438",
	models.PriorityHigh:   "ff8c00",
	models.PriorityNormal: "0078d4",
	models.PriorityLow:    "605e5c",
}

// TeamsSender posts a MessageCard to a Teams incoming webhook.
type TeamsSender struct {
	client *resty.Client
}

func NewTeamsSender(client *resty.Client) *TeamsSender {
	return &TeamsSender{client: client}
}

func (s *TeamsSender) Send(ctx context.Context, msg Message) (string, error) {
	const op = "teams send"
	if err := validateURL(op, msg.Recipient); err != nil {
		return "", err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(buildTeamsMessage(msg)).
		Post(msg.Recipient)

	return "", classifyResponse(op, resp, err)
}

func buildTeamsMessage(msg Message) *TeamsMessage {
	return &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: priorityColors[msg.Priority],
		Title:      msg.Subject,
		Text:       strings.ReplaceAll(msg.Body, "\n", "\n\n"),
		Sections: []TeamsSection{{
			ActivityTitle: "Details",
			Facts: []TeamsFact{
				{Name: "Priority", Value: string(msg.Priority)},
				{Name: "Alert", Value: msg.AlertID},
			},
			Markdown: true,
		}},
	}
}

// SMSSender sends text messages through an HTTP gateway.
type SMSSender struct {
	client     *resty.Client
	gatewayURL string
	apiKey     string
}

type smsResponse struct {
	ID string `json:"id"`
}

func NewSMSSender(client *resty.Client, gatewayURL, apiKey string) *SMSSender {
	return &SMSSender{client: client, gatewayURL: gatewayURL, apiKey: apiKey}
}

func (s *SMSSender) Send(ctx context.Context, msg Message) (string, error) {
	const op = "sms send"
	if !strings.HasPrefix(msg.Recipient, "+") || len(msg.Recipient) < 8 {
		return "", faults.Permanent(op, "recipient %q is not an E.164 number", msg.Recipient)
	}

	var result smsResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.apiKey).
		SetHeader("Idempotency-Key", msg.IdempotencyKey).
		SetBody(map[string]string{
			"to":        msg.Recipient,
			"message":   msg.Body,
			"reference": msg.IdempotencyKey,
		}).
		SetResult(&result).
		Post(s.gatewayURL)

	if err := classifyResponse(op, resp, err); err != nil {
		return "", err
	}
	return result.ID, nil
}
