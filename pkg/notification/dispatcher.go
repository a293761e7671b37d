package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/opsignal/alerting-engine/pkg/alerting"
	"github.com/opsignal/alerting-engine/pkg/logging"
)

// DispatcherConfig holds the dispatch pipeline settings.
type DispatcherConfig struct {
	// QueueSize bounds each channel's pending-record queue.
	QueueSize int `yaml:"queue_size"`

	// WorkersPerChannel sizes each channel's worker pool
	// independently so per-channel rate limits stay respected.
	WorkersPerChannel int `yaml:"workers_per_channel"`

	// SendTimeout bounds one handler call.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DefaultMaxRetries applies when a config does not set its own.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// RateLimitMax / RateLimitWindow shape the per-recipient sliding
	// window limiter.
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// ChannelRatePerSecond paces each channel's workers with a token
	// bucket; 0 disables pacing.
	ChannelRatePerSecond float64 `yaml:"channel_rate_per_second"`
	ChannelBurst         int     `yaml:"channel_burst"`

	// RecordCapacity bounds the in-memory delivery record store.
	RecordCapacity int `yaml:"record_capacity"`

	// BackoffUnit scales the exponential retry backoff. Production
	// keeps the default of one second.
	BackoffUnit time.Duration `yaml:"backoff_unit"`
}

// DefaultDispatcherConfig returns production dispatch settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:            1000,
		WorkersPerChannel:    4,
		SendTimeout:          30 * time.Second,
		DefaultMaxRetries:    3,
		RateLimitMax:         20,
		RateLimitWindow:      10 * time.Minute,
		ChannelRatePerSecond: 10,
		ChannelBurst:         20,
		RecordCapacity:       10000,
		BackoffUnit:          time.Second,
	}
}

// DispatcherMetrics holds prometheus instrumentation for dispatch.
type DispatcherMetrics struct {
	Sent             *prometheus.CounterVec
	Failed           *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	DeliveryDuration prometheus.Histogram
}

// NewDispatcherMetrics builds and registers the dispatcher metrics,
// reusing any collector already registered under the same descriptor.
func NewDispatcherMetrics(reg prometheus.Registerer) *DispatcherMetrics {
	return &DispatcherMetrics{
		Sent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_sent_total",
			Help: "Notifications delivered successfully",
		}, []string{"channel"})),
		Failed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_failed_total",
			Help: "Notifications terminally failed after retries",
		}, []string{"channel"})),
		Retries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Notification delivery retries",
		}, []string{"channel"})),
		RateLimited: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_rate_limited_total",
			Help: "Notifications dropped by the per-recipient rate limiter",
		}, []string{"channel"})),
		QueueDepth: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Pending notifications per channel queue",
		}, []string{"channel"})),
		DeliveryDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Duration of one channel handler call",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

// register adds the collector to the registerer, handing back the one
// already registered when the descriptor is taken.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// ConfirmCallback is invoked after a record is explicitly confirmed.
type ConfirmCallback func(record NotificationRecord, by string)

// Dispatcher matches alerts against notification configs, renders
// templates, and drains per-channel queues with bounded worker pools
// under retry/backoff and rate limiting.
type Dispatcher struct {
	logger    *logging.StructuredLogger
	config    DispatcherConfig
	templates *TemplateStore
	limiter   *SlidingWindowLimiter
	metrics   *DispatcherMetrics

	mu        sync.RWMutex
	configs   map[string]*NotificationConfig
	handlers  map[Channel]ChannelHandler
	breakers  map[Channel]*gobreaker.CircuitBreaker
	pacers    map[Channel]*rate.Limiter
	queues    map[Channel]chan *NotificationRecord
	records   map[string]*NotificationRecord
	order     []string
	onConfirm ConfirmCallback

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. metrics may be nil (tests).
func NewDispatcher(config DispatcherConfig, templates *TemplateStore, metrics *DispatcherMetrics, logger *logging.StructuredLogger) *Dispatcher {
	if config.BackoffUnit <= 0 {
		config.BackoffUnit = time.Second
	}
	return &Dispatcher{
		logger:    logger.WithComponent("notification-dispatcher"),
		config:    config,
		templates: templates,
		limiter:   NewSlidingWindowLimiter(config.RateLimitMax, config.RateLimitWindow),
		metrics:   metrics,
		configs:   make(map[string]*NotificationConfig),
		handlers:  make(map[Channel]ChannelHandler),
		breakers:  make(map[Channel]*gobreaker.CircuitBreaker),
		pacers:    make(map[Channel]*rate.Limiter),
		queues:    make(map[Channel]chan *NotificationRecord),
		records:   make(map[string]*NotificationRecord),
		stopCh:    make(chan struct{}),
	}
}

// RegisterHandler installs the delivery strategy for a channel and
// provisions its queue, breaker and pacer.
func (d *Dispatcher) RegisterHandler(handler ChannelHandler) {
	ch := handler.Channel()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[ch] = handler
	d.breakers[ch] = breakerFor(ch)
	if d.config.ChannelRatePerSecond > 0 {
		d.pacers[ch] = rate.NewLimiter(rate.Limit(d.config.ChannelRatePerSecond), d.config.ChannelBurst)
	}
	if _, ok := d.queues[ch]; !ok {
		d.queues[ch] = make(chan *NotificationRecord, d.config.QueueSize)
	}
}

// AddConfig validates and installs a notification config.
func (d *Dispatcher) AddConfig(cfg *NotificationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	d.mu.Lock()
	d.configs[cfg.ID] = cfg
	d.mu.Unlock()
	return nil
}

// RemoveConfig deletes a notification config.
func (d *Dispatcher) RemoveConfig(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.configs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	delete(d.configs, id)
	return nil
}

// SetConfirmCallback registers a callback invoked on Confirm.
func (d *Dispatcher) SetConfirmCallback(cb ConfirmCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConfirm = cb
}

// Start launches the per-channel worker pools and the limiter cleanup.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher already started")
	}

	for ch := range d.handlers {
		for i := 0; i < d.config.WorkersPerChannel; i++ {
			d.wg.Add(1)
			go d.worker(ctx, ch)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		cleanupCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-d.stopCh:
				cancel()
			case <-cleanupCtx.Done():
			}
		}()
		d.limiter.RunCleanup(cleanupCtx, d.config.RateLimitWindow)
	}()

	d.started = true
	d.logger.InfoWithContext("Notification dispatcher started",
		"channels", len(d.handlers),
		"workers_per_channel", d.config.WorkersPerChannel,
	)
	return nil
}

// Stop shuts the worker pools down and waits for them to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.logger.InfoWithContext("Notification dispatcher stopped")
}

// Dispatch fans an alert out to every matching config and recipient.
// Rate-limited sends are dropped silently (no record); everything else
// produces a PENDING record that the worker pool will deliver. The
// created records are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *alerting.Alert) []*NotificationRecord {
	d.mu.RLock()
	configs := make([]*NotificationConfig, 0, len(d.configs))
	for _, cfg := range d.configs {
		configs = append(configs, cfg)
	}
	d.mu.RUnlock()

	// Deterministic fan-out order.
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

	var created []*NotificationRecord
	for _, cfg := range configs {
		if !cfg.Matches(alert) {
			continue
		}

		d.mu.RLock()
		_, hasHandler := d.handlers[cfg.Channel]
		d.mu.RUnlock()
		if !hasHandler {
			d.logger.WarnWithContext("No handler registered for channel",
				"channel", string(cfg.Channel), "config_id", cfg.ID)
			continue
		}

		tmpl := d.templates.Select(cfg.TemplateID, cfg.Channel, alert.Level, alert.Category)
		if tmpl == nil {
			d.logger.WarnWithContext("No template matches channel",
				"channel", string(cfg.Channel), "alert_id", alert.ID)
			continue
		}

		for _, recipient := range cfg.Recipients {
			if !d.limiter.Allow(cfg.Channel, recipient) {
				if d.metrics != nil {
					d.metrics.RateLimited.WithLabelValues(string(cfg.Channel)).Inc()
				}
				continue
			}

			subject, content := d.templates.Render(tmpl, alert)
			maxRetries := cfg.MaxRetries
			if maxRetries == 0 {
				maxRetries = d.config.DefaultMaxRetries
			}

			record := &NotificationRecord{
				ID:         uuid.New().String(),
				AlertID:    alert.ID,
				ConfigID:   cfg.ID,
				Channel:    cfg.Channel,
				Recipient:  recipient,
				Subject:    subject,
				Content:    content,
				Status:     StatusPending,
				Priority:   alert.Priority,
				MaxRetries: maxRetries,
				CreatedAt:  time.Now(),
			}
			d.storeRecord(record)
			created = append(created, record)

			if err := d.enqueue(record); err != nil {
				d.failRecord(record, err)
			}
		}
	}
	return created
}

// Notify adapts Dispatch to the alerting engine's notifier contract,
// returning only the ids of the created records.
func (d *Dispatcher) Notify(ctx context.Context, alert *alerting.Alert) []string {
	records := d.Dispatch(ctx, alert)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

// enqueue is non-blocking; a full queue is an error routed into the
// record's failure state, never a silent drop.
func (d *Dispatcher) enqueue(record *NotificationRecord) error {
	d.mu.RLock()
	queue := d.queues[record.Channel]
	d.mu.RUnlock()

	select {
	case queue <- record:
		d.updateQueueGauge(record.Channel, queue)
		return nil
	default:
		return ErrQueueFull
	}
}

// worker drains one channel's queue until shutdown.
func (d *Dispatcher) worker(ctx context.Context, ch Channel) {
	defer d.wg.Done()

	d.mu.RLock()
	queue := d.queues[ch]
	pacer := d.pacers[ch]
	d.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case record := <-queue:
			d.updateQueueGauge(ch, queue)
			if pacer != nil {
				if err := pacer.Wait(ctx); err != nil {
					return
				}
			}
			d.deliver(ctx, record)
		}
	}
}

// deliver makes one delivery attempt and applies the retry policy. On
// failure the worker blocks for the backoff before re-enqueuing at the
// tail, so one record's attempts never overlap.
func (d *Dispatcher) deliver(ctx context.Context, record *NotificationRecord) {
	d.mu.RLock()
	handler := d.handlers[record.Channel]
	breaker := d.breakers[record.Channel]
	d.mu.RUnlock()

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	start := time.Now()
	_, err := breaker.Execute(func() (any, error) {
		return nil, handler.Send(sendCtx, record)
	})
	cancel()
	if d.metrics != nil {
		d.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		now := time.Now()
		d.mu.Lock()
		record.Status = StatusSent
		record.SentAt = &now
		record.ErrorMessage = ""
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.Sent.WithLabelValues(string(record.Channel)).Inc()
		}
		d.logger.DebugWithContext("Notification sent",
			"record_id", record.ID, "channel", string(record.Channel))
		return
	}

	d.mu.Lock()
	if record.RetryCount >= record.MaxRetries {
		d.mu.Unlock()
		d.failRecord(record, err)
		return
	}
	record.RetryCount++
	record.ErrorMessage = err.Error()
	retryCount := record.RetryCount
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Retries.WithLabelValues(string(record.Channel)).Inc()
	}
	d.logger.WarnWithContext("Notification delivery failed, retrying",
		"record_id", record.ID,
		"channel", string(record.Channel),
		"retry", retryCount,
		"max_retries", record.MaxRetries,
	)

	// Exponential backoff: 2^retry_count backoff units.
	backoff := time.Duration(1<<uint(retryCount)) * d.config.BackoffUnit
	select {
	case <-ctx.Done():
		return
	case <-d.stopCh:
		return
	case <-time.After(backoff):
	}

	if err := d.enqueue(record); err != nil {
		d.failRecord(record, err)
	}
}

// failRecord terminally fails a record. Failed records stay in the
// store so operators can inspect them.
func (d *Dispatcher) failRecord(record *NotificationRecord, err error) {
	d.mu.Lock()
	record.Status = StatusFailed
	record.ErrorMessage = err.Error()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Failed.WithLabelValues(string(record.Channel)).Inc()
	}
	d.logger.ErrorWithContext("Notification terminally failed", err,
		"record_id", record.ID,
		"channel", string(record.Channel),
		"retries", record.RetryCount,
	)
}

// Confirm marks a record explicitly confirmed by an operator or an
// external receipt, and invokes the registered callback.
func (d *Dispatcher) Confirm(recordID, by string) error {
	d.mu.Lock()
	record, ok := d.records[recordID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	now := time.Now()
	record.Status = StatusConfirmed
	record.ConfirmedAt = &now
	record.ConfirmedBy = by
	snapshot := *record
	cb := d.onConfirm
	d.mu.Unlock()

	if cb != nil {
		cb(snapshot, by)
	}
	return nil
}

// MarkDelivered records a delivery receipt for a sent notification.
func (d *Dispatcher) MarkDelivered(recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if record.Status != StatusSent {
		return fmt.Errorf("record %s is %s, only sent records can be delivered", recordID, record.Status)
	}
	now := time.Now()
	record.Status = StatusDelivered
	record.DeliveredAt = &now
	return nil
}

// Record returns a copy of the record with the given id.
func (d *Dispatcher) Record(recordID string) (NotificationRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, ok := d.records[recordID]
	if !ok {
		return NotificationRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	return *record, nil
}

// RecordsForAlert returns copies of every record created for an alert.
func (d *Dispatcher) RecordsForAlert(alertID string) []NotificationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []NotificationRecord
	for _, id := range d.order {
		if r := d.records[id]; r != nil && r.AlertID == alertID {
			out = append(out, *r)
		}
	}
	return out
}

// RecordsByStatus returns copies of every record in the given status.
func (d *Dispatcher) RecordsByStatus(status RecordStatus) []NotificationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []NotificationRecord
	for _, id := range d.order {
		if r := d.records[id]; r != nil && r.Status == status {
			out = append(out, *r)
		}
	}
	return out
}

func (d *Dispatcher) storeRecord(record *NotificationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records[record.ID] = record
	d.order = append(d.order, record.ID)
	if d.config.RecordCapacity > 0 && len(d.order) > d.config.RecordCapacity {
		evicted := d.order[0]
		d.order = d.order[1:]
		delete(d.records, evicted)
	}
}

func (d *Dispatcher) updateQueueGauge(ch Channel, queue chan *NotificationRecord) {
	if d.metrics != nil {
		d.metrics.QueueDepth.WithLabelValues(string(ch)).Set(float64(len(queue)))
	}
}
