package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ChannelHandler delivers one notification record over a medium. One
// implementation exists per channel; configuration is injected at
// construction rather than branched on at send time.
type ChannelHandler interface {
	Channel() Channel
	Send(ctx context.Context, record *NotificationRecord) error
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// EmailHandler sends notifications over SMTP.
type EmailHandler struct {
	config EmailConfig

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailHandler creates an SMTP-backed email handler.
func NewEmailHandler(config EmailConfig) *EmailHandler {
	return &EmailHandler{config: config, sendMail: smtp.SendMail}
}

func (h *EmailHandler) Channel() Channel { return ChannelEmail }

// Send delivers the record as a plain-text email.
func (h *EmailHandler) Send(ctx context.Context, record *NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", h.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", record.Recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", record.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(record.Content)

	var auth smtp.Auth
	if h.config.Username != "" {
		auth = smtp.PlainAuth("", h.config.Username, h.config.Password, h.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	done := make(chan error, 1)
	go func() {
		done <- h.sendMail(addr, auth, h.config.From, []string{record.Recipient}, []byte(msg.String()))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	}
}

// WebhookConfig configures HTTP webhook delivery. The recipient on the
// record is the target URL unless a fixed URL is configured.
type WebhookConfig struct {
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// WebhookHandler posts the record as JSON to an HTTP endpoint.
type WebhookHandler struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookHandler creates a webhook handler with a sane client.
func NewWebhookHandler(config WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *WebhookHandler) Channel() Channel { return ChannelWebhook }

// Send posts a JSON payload describing the notification.
func (h *WebhookHandler) Send(ctx context.Context, record *NotificationRecord) error {
	url := h.config.URL
	if url == "" {
		url = record.Recipient
	}

	payload, err := json.Marshal(map[string]any{
		"alert_id":  record.AlertID,
		"subject":   record.Subject,
		"content":   record.Content,
		"priority":  string(record.Priority),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// GatewayConfig configures a provider-agnostic HTTP gateway used for
// SMS, IM and phone call delivery. The exact provider wire format is
// out of scope; the gateway accepts a uniform JSON contract.
type GatewayConfig struct {
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// GatewayHandler delivers sms/im/phone notifications through an
// operator-supplied HTTP gateway.
type GatewayHandler struct {
	channel Channel
	config  GatewayConfig
	client  *http.Client
}

// NewSMSHandler creates a gateway-backed SMS handler.
func NewSMSHandler(config GatewayConfig) *GatewayHandler {
	return newGatewayHandler(ChannelSMS, config)
}

// NewIMHandler creates a gateway-backed instant-message handler.
func NewIMHandler(config GatewayConfig) *GatewayHandler {
	return newGatewayHandler(ChannelIM, config)
}

// NewPhoneHandler creates a gateway-backed voice-call handler.
func NewPhoneHandler(config GatewayConfig) *GatewayHandler {
	return newGatewayHandler(ChannelPhone, config)
}

func newGatewayHandler(channel Channel, config GatewayConfig) *GatewayHandler {
	return &GatewayHandler{
		channel: channel,
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *GatewayHandler) Channel() Channel { return h.channel }

// Send posts the uniform gateway contract for the channel.
func (h *GatewayHandler) Send(ctx context.Context, record *NotificationRecord) error {
	payload, err := json.Marshal(map[string]any{
		"channel":   string(h.channel),
		"recipient": record.Recipient,
		"subject":   record.Subject,
		"message":   record.Content,
		"priority":  string(record.Priority),
	})
	if err != nil {
		return fmt.Errorf("marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s gateway request failed: %w", h.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s gateway returned status %d", h.channel, resp.StatusCode)
	}
	return nil
}

// breakerFor wraps channel delivery in a circuit breaker so a dead
// provider fails fast instead of tying up workers.
func breakerFor(channel Channel) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + string(channel),
		MaxRequests: 10,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}
