package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsignal/alerting-engine/pkg/alerting"
	"github.com/opsignal/alerting-engine/pkg/logging"
)

// fakeHandler fails the first failures sends and succeeds afterwards.
type fakeHandler struct {
	channel  Channel
	failures int

	mu    sync.Mutex
	calls int
}

func (h *fakeHandler) Channel() Channel { return h.channel }

func (h *fakeHandler) Send(_ context.Context, _ *NotificationRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.New("provider unavailable")
	}
	return nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.QueueSize = 16
	cfg.WorkersPerChannel = 1
	cfg.SendTimeout = time.Second
	cfg.ChannelRatePerSecond = 0 // no pacing in tests
	cfg.BackoffUnit = time.Millisecond
	cfg.RateLimitMax = 100
	cfg.RateLimitWindow = time.Minute
	return cfg
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, handler ChannelHandler) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, NewTemplateStore(), nil, logging.NewTestLogger())
	d.RegisterHandler(handler)
	return d
}

func dispatchAlert() *alerting.Alert {
	value := 95.0
	threshold := 90.0
	return &alerting.Alert{
		ID:         "alert-1",
		RuleID:     "rule-1",
		Category:   alerting.CategorySystem,
		Level:      alerting.LevelCritical,
		Priority:   alerting.PriorityUrgent,
		Title:      "High CPU",
		Message:    "cpu_usage above threshold",
		Source:     "node-1",
		Status:     alerting.StatusActive,
		MetricName: "cpu_usage",
		Value:      &value,
		Threshold:  &threshold,
		CreatedAt:  time.Now(),
	}
}

func webhookConfig(maxRetries int) *NotificationConfig {
	return &NotificationConfig{
		Name:       "ops webhook",
		Channel:    ChannelWebhook,
		Enabled:    true,
		Recipients: []string{"https://hooks.example.com/ops"},
		MaxRetries: maxRetries,
	}
}

func TestDispatchDeliversNotification(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 1)
	recordID := records[0].ID

	require.Eventually(t, func() bool {
		rec, err := d.Record(recordID)
		return err == nil && rec.Status == StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := d.Record(recordID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RetryCount)
	assert.NotNil(t, rec.SentAt)
	assert.Contains(t, rec.Subject, "High CPU")
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	// Two transient failures, success on the third attempt.
	handler := &fakeHandler{channel: ChannelWebhook, failures: 2}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 1)
	recordID := records[0].ID

	require.Eventually(t, func() bool {
		rec, err := d.Record(recordID)
		return err == nil && rec.Status == StatusSent
	}, 5*time.Second, 5*time.Millisecond)

	rec, _ := d.Record(recordID)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, handler.callCount())
}

func TestDispatchExhaustsRetries(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook, failures: 100}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(2)))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 1)
	recordID := records[0].ID

	require.Eventually(t, func() bool {
		rec, err := d.Record(recordID)
		return err == nil && rec.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	rec, _ := d.Record(recordID)
	assert.Equal(t, 2, rec.RetryCount, "initial attempt plus two retries")
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Len(t, d.RecordsByStatus(StatusFailed), 1, "failed records stay queryable")
}

func TestDispatchRateLimitDropsSilently(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.RateLimitMax = 1
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, cfg, handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	first := d.Dispatch(context.Background(), dispatchAlert())
	assert.Len(t, first, 1)

	second := d.Dispatch(context.Background(), dispatchAlert())
	assert.Empty(t, second, "rate limited sends produce no record")
	assert.Len(t, d.RecordsForAlert("alert-1"), 1)
}

func TestDispatchSkipsNonMatchingConfig(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)

	cfg := webhookConfig(3)
	cfg.Levels = []alerting.Level{alerting.LevelInfo}
	require.NoError(t, d.AddConfig(cfg))

	assert.Empty(t, d.Dispatch(context.Background(), dispatchAlert()),
		"critical alert does not match an info-only config")
}

func TestDispatchFansOutPerRecipient(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)

	cfg := webhookConfig(3)
	cfg.Recipients = []string{"https://a.example.com", "https://b.example.com"}
	require.NoError(t, d.AddConfig(cfg))

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].Recipient, records[1].Recipient)
}

func TestConfirmInvokesCallback(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	var confirmed []string
	d.SetConfirmCallback(func(record NotificationRecord, by string) {
		confirmed = append(confirmed, record.ID+"/"+by)
	})

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 1)

	require.NoError(t, d.Confirm(records[0].ID, "alice"))

	rec, _ := d.Record(records[0].ID)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, "alice", rec.ConfirmedBy)
	require.NotNil(t, rec.ConfirmedAt)
	assert.Equal(t, []string{records[0].ID + "/alice"}, confirmed)

	assert.ErrorIs(t, d.Confirm("missing", "alice"), ErrRecordNotFound)
}

func TestMarkDeliveredRequiresSent(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	records := d.Dispatch(context.Background(), dispatchAlert())
	require.Len(t, records, 1)

	// Still pending: delivery receipts only apply to sent records.
	assert.Error(t, d.MarkDelivered(records[0].ID))
	assert.ErrorIs(t, d.MarkDelivered("missing"), ErrRecordNotFound)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		rec, err := d.Record(records[0].ID)
		return err == nil && rec.Status == StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.MarkDelivered(records[0].ID))
	rec, _ := d.Record(records[0].ID)
	assert.Equal(t, StatusDelivered, rec.Status)
	require.NotNil(t, rec.DeliveredAt)
}

func TestDispatchWithoutHandlerSkipsConfig(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)

	emailCfg := &NotificationConfig{
		Name:       "ops email",
		Channel:    ChannelEmail,
		Enabled:    true,
		Recipients: []string{"ops@example.com"},
	}
	require.NoError(t, d.AddConfig(emailCfg))

	assert.Empty(t, d.Dispatch(context.Background(), dispatchAlert()),
		"configs for unregistered channels are skipped")
}

func TestRemoveConfig(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)

	cfg := webhookConfig(3)
	require.NoError(t, d.AddConfig(cfg))
	require.NoError(t, d.RemoveConfig(cfg.ID))
	assert.ErrorIs(t, d.RemoveConfig(cfg.ID), ErrConfigNotFound)

	assert.Empty(t, d.Dispatch(context.Background(), dispatchAlert()))
}

func TestNotifyReturnsRecordIDs(t *testing.T) {
	handler := &fakeHandler{channel: ChannelWebhook}
	d := newTestDispatcher(t, testDispatcherConfig(), handler)
	require.NoError(t, d.AddConfig(webhookConfig(3)))

	ids := d.Notify(context.Background(), dispatchAlert())
	require.Len(t, ids, 1)

	_, err := d.Record(ids[0])
	assert.NoError(t, err)
}
