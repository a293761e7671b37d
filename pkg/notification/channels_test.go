package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsignal/alerting-engine/pkg/alerting"
)

func testRecord(recipient string) *NotificationRecord {
	return &NotificationRecord{
		ID:        "rec-1",
		AlertID:   "alert-1",
		Channel:   ChannelWebhook,
		Recipient: recipient,
		Subject:   "[CRITICAL] High CPU",
		Content:   "cpu_usage above threshold",
		Status:    StatusPending,
		Priority:  alerting.PriorityUrgent,
	}
}

func TestWebhookHandlerPostsJSON(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("X-Auth"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewWebhookHandler(WebhookConfig{Headers: map[string]string{"X-Auth": "token"}})
	require.NoError(t, h.Send(context.Background(), testRecord(server.URL)))

	assert.Equal(t, "alert-1", received["alert_id"])
	assert.Equal(t, "[CRITICAL] High CPU", received["subject"])
	assert.Equal(t, "urgent", received["priority"])
}

func TestWebhookHandlerFixedURLOverridesRecipient(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := NewWebhookHandler(WebhookConfig{URL: server.URL})
	require.NoError(t, h.Send(context.Background(), testRecord("https://ignored.example.com")))
	assert.Equal(t, 1, hits)
}

func TestWebhookHandlerRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewWebhookHandler(WebhookConfig{})
	err := h.Send(context.Background(), testRecord(server.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEmailHandlerBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	h := NewEmailHandler(EmailConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "alerts@example.com",
	})
	h.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	rec := testRecord("ops@example.com")
	rec.Channel = ChannelEmail
	require.NoError(t, h.Send(context.Background(), rec))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "alerts@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: [CRITICAL] High CPU")
	assert.Contains(t, string(gotMsg), "cpu_usage above threshold")
}

func TestEmailHandlerPropagatesError(t *testing.T) {
	h := NewEmailHandler(EmailConfig{Host: "smtp.example.com", Port: 25})
	h.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := h.Send(context.Background(), testRecord("ops@example.com"))
	assert.ErrorContains(t, err, "connection refused")
}

func TestGatewayHandlerContract(t *testing.T) {
	var received map[string]any
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	h := NewSMSHandler(GatewayConfig{Endpoint: server.URL, APIKey: "secret"})
	assert.Equal(t, ChannelSMS, h.Channel())

	rec := testRecord("+15550100")
	rec.Channel = ChannelSMS
	require.NoError(t, h.Send(context.Background(), rec))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "sms", received["channel"])
	assert.Equal(t, "+15550100", received["recipient"])
}

func TestGatewayHandlerChannels(t *testing.T) {
	assert.Equal(t, ChannelIM, NewIMHandler(GatewayConfig{}).Channel())
	assert.Equal(t, ChannelPhone, NewPhoneHandler(GatewayConfig{}).Channel())
}
