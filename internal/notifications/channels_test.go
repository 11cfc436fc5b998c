package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

func testMessage(recipient string) Message {
	return Message{
		Channel:        models.ChannelWebhook,
		Recipient:      recipient,
		Subject:        "[HIGH] Launch: sentiment",
		Body:           "average sentiment -0.80",
		Priority:       models.PriorityHigh,
		AlertID:        "alert-1",
		IdempotencyKey: "delivery-1",
	}
}

func TestNewSenders(t *testing.T) {
	senders := NewSenders(config.SMTPConfig{}, config.ChannelsConfig{HTTPTimeout: time.Second})
	assert.Contains(t, senders, models.ChannelWebhook)
	assert.Contains(t, senders, models.ChannelSlack)
	assert.Contains(t, senders, models.ChannelTeams)
	assert.NotContains(t, senders, models.ChannelEmail)
	assert.NotContains(t, senders, models.ChannelSMS)
	assert.NotContains(t, senders, models.ChannelPush)

	senders = NewSenders(
		config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"},
		config.ChannelsConfig{SMSGatewayURL: "https://sms.example.com/send", HTTPTimeout: time.Second},
	)
	assert.Contains(t, senders, models.ChannelEmail)
	assert.Contains(t, senders, models.ChannelSMS)
}

func TestWebhookSender(t *testing.T) {
	var got webhookPayload
	var key string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(resty.New())
	id, err := sender.Send(context.Background(), testMessage(server.URL))

	require.NoError(t, err)
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "delivery-1", key)
	assert.Equal(t, "alert-1", got.AlertID)
	assert.Equal(t, "high", got.Priority)
}

func TestWebhookSenderStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   faults.Kind
	}{
		{http.StatusBadRequest, faults.KindPermanent},
		{http.StatusNotFound, faults.KindPermanent},
		{http.StatusGone, faults.KindPermanent},
		{http.StatusRequestTimeout, faults.KindTransient},
		{http.StatusTooManyRequests, faults.KindTransient},
		{http.StatusInternalServerError, faults.KindTransient},
		{http.StatusServiceUnavailable, faults.KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewWebhookSender(resty.New()).Send(context.Background(), testMessage(server.URL))
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
		})
	}
}

func TestWebhookSenderInvalidURL(t *testing.T) {
	_, err := NewWebhookSender(resty.New()).Send(context.Background(), testMessage("ftp://example.com/hook"))
	assert.True(t, faults.IsKind(err, faults.KindPermanent))
}

func TestWebhookSenderUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewWebhookSender(resty.New()).Send(context.Background(), testMessage(url))
	assert.True(t, faults.IsTransient(err))
}

func TestSlackSender(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := NewSlackSender(resty.New()).Send(context.Background(), testMessage(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "*[HIGH] Launch: sentiment*\naverage sentiment -0.80", got["text"])
}

func TestTeamsSender(t *testing.T) {
	var got TeamsMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := NewTeamsSender(resty.New()).Send(context.Background(), testMessage(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "MessageCard", got.Type)
	assert.Equal(t, "[HIGH] Launch: sentiment", got.Title)
	assert.Equal(t, priorityColors[models.PriorityHigh], got.ThemeColor)
	require.Len(t, got.Sections, 1)
	assert.Equal(t, "alert-1", got.Sections[0].Facts[1].Value)
}

func TestSMSSender(t *testing.T) {
	var auth string
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sms-9"}`))
	}))
	defer server.Close()

	sender := NewSMSSender(resty.New(), server.URL, "secret")
	msg := testMessage("+15551234567")
	msg.Channel = models.ChannelSMS

	id, err := sender.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "sms-9", id)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "+15551234567", got["to"])
	assert.Equal(t, "delivery-1", got["reference"])
}

func TestSMSSenderRejectsNonE164(t *testing.T) {
	sender := NewSMSSender(resty.New(), "http://127.0.0.1:1", "")
	_, err := sender.Send(context.Background(), testMessage("555-1234"))
	assert.True(t, faults.IsKind(err, faults.KindPermanent))
}
