// Package notification implements the delivery side of the alerting
// engine: channel-matched notification configs, template rendering,
// sliding-window rate limiting and a retrying dispatch pipeline with
// per-record delivery tracking.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsignal/alerting-engine/pkg/alerting"
)

// Sentinel errors for dispatch and confirmation lookups.
var (
	ErrRecordNotFound = errors.New("notification record not found")
	ErrConfigNotFound = errors.New("notification config not found")
	ErrInvalidConfig  = errors.New("invalid notification config")
	ErrQueueFull      = errors.New("notification queue is full")
)

// Channel identifies a delivery medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelIM      Channel = "im"
	ChannelPhone   Channel = "phone"
)

// Valid reports whether the channel is a known delivery medium.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook, ChannelIM, ChannelPhone:
		return true
	}
	return false
}

// RecordStatus is the delivery state of one notification record.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusSent      RecordStatus = "sent"
	StatusFailed    RecordStatus = "failed"
	StatusDelivered RecordStatus = "delivered"
	StatusConfirmed RecordStatus = "confirmed"
)

// NotificationTemplate renders the subject and body for a channel.
// Placeholders are named tokens of the form {name}, substituted from
// the flattened alert context.
type NotificationTemplate struct {
	ID       string            `json:"id" yaml:"id"`
	Channel  Channel           `json:"channel" yaml:"channel"`
	Level    alerting.Level    `json:"level,omitempty" yaml:"level,omitempty"`
	Category alerting.Category `json:"category,omitempty" yaml:"category,omitempty"`
	Subject  string            `json:"subject" yaml:"subject"`
	Body     string            `json:"body" yaml:"body"`
	Format   string            `json:"format" yaml:"format"` // text, markdown, html
}

// MatchConditions narrows which alerts a notification config applies
// to. Empty slices match everything.
type MatchConditions struct {
	Sources  []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	Tenants  []string `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Projects []string `json:"projects,omitempty" yaml:"projects,omitempty"`
	Metrics  []string `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NotificationConfig routes matching alerts to a channel's recipients.
type NotificationConfig struct {
	ID         string              `json:"id" yaml:"id"`
	Name       string              `json:"name" yaml:"name"`
	Channel    Channel             `json:"channel" yaml:"channel"`
	Enabled    bool                `json:"enabled" yaml:"enabled"`
	Levels     []alerting.Level    `json:"levels,omitempty" yaml:"levels,omitempty"`
	Categories []alerting.Category `json:"categories,omitempty" yaml:"categories,omitempty"`
	Recipients []string            `json:"recipients" yaml:"recipients"`
	TemplateID string              `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	MaxRetries int                 `json:"max_retries" yaml:"max_retries"`
	Conditions MatchConditions     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Validate rejects malformed configs before they can affect dispatch.
func (c *NotificationConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, c.Channel)
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("%w: config %q has no recipients", ErrInvalidConfig, c.Name)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: config %q has negative max retries", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Matches reports whether the config applies to the alert.
func (c *NotificationConfig) Matches(alert *alerting.Alert) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Levels) > 0 && !containsLevel(c.Levels, alert.Level) {
		return false
	}
	if len(c.Categories) > 0 && !containsCategory(c.Categories, alert.Category) {
		return false
	}
	if len(c.Conditions.Sources) > 0 && !containsString(c.Conditions.Sources, alert.Source) {
		return false
	}
	if len(c.Conditions.Metrics) > 0 && !containsString(c.Conditions.Metrics, alert.MetricName) {
		return false
	}
	if len(c.Conditions.Tenants) > 0 && !contextMatches(alert, "tenant", c.Conditions.Tenants) {
		return false
	}
	if len(c.Conditions.Projects) > 0 && !contextMatches(alert, "project", c.Conditions.Projects) {
		return false
	}
	if len(c.Conditions.Tags) > 0 && !anyTagMatches(c.Conditions.Tags, alert.Tags) {
		return false
	}
	return true
}

// NotificationRecord is the unit of delivery tracking for one
// (alert, channel, recipient) triple.
type NotificationRecord struct {
	ID           string            `json:"id"`
	AlertID      string            `json:"alert_id"`
	ConfigID     string            `json:"config_id,omitempty"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject"`
	Content      string            `json:"content"`
	Status       RecordStatus      `json:"status"`
	Priority     alerting.Priority `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
	ConfirmedAt  *time.Time        `json:"confirmed_at,omitempty"`
	ConfirmedBy  string            `json:"confirmed_by,omitempty"`
}

func containsLevel(levels []alerting.Level, l alerting.Level) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

func containsCategory(categories []alerting.Category, c alerting.Category) bool {
	for _, v := range categories {
		if v == c {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func contextMatches(alert *alerting.Alert, key string, allowed []string) bool {
	v, ok := alert.Context[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return containsString(allowed, s)
}

func anyTagMatches(wanted, tags []string) bool {
	for _, w := range wanted {
		if containsString(tags, w) {
			return true
		}
	}
	return false
}
