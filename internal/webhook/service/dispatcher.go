package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	obsmetrics "github.com/hookline/hookline/internal/observability/metrics"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reconcileBatchSize = 200

	// pendingRecoveryAge is how long a pending delivery may sit untouched
	// before the sweep treats it as stranded (inserted but never attempted,
	// e.g. across a crash) and re-queues it.
	pendingRecoveryAge = time.Minute
)

// reservedHeaders cannot be shadowed by webhook-configured headers; receivers
// need them intact to verify the signature.
var reservedHeaders = map[string]struct{}{
	"Content-Type":        {},
	"X-Webhook-Event":     {},
	"X-Webhook-Signature": {},
	"X-Webhook-Timestamp": {},
	"X-Webhook-Id":        {},
}

type DispatcherParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Holder    *config.DeliveryConfigHolder
	Clock     clock.Clock
	Repo      webhookdomain.Repository
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher runs the asynchronous delivery state machine: signed dispatch,
// backoff retries, stats accumulation, and a periodic reconciliation sweep
// that re-queues due retries and stranded pending deliveries lost across
// restarts.
type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	holder  *config.DeliveryConfigHolder
	clock   clock.Clock
	repo    webhookdomain.Repository
	metrics *obsmetrics.Metrics
	client  *http.Client

	reconcileEvery time.Duration

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inflight map[snowflake.ID]struct{}
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	workers := p.Cfg.DeliveryWorkers
	if workers <= 0 {
		workers = 16
	}
	reconcileEvery := time.Duration(p.Cfg.DeliveryReconcileSecs) * time.Second
	if reconcileEvery <= 0 {
		reconcileEvery = 30 * time.Second
	}

	d := &Dispatcher{
		db:             p.DB,
		log:            p.Log.Named("webhook.dispatcher"),
		holder:         p.Holder,
		clock:          p.Clock,
		repo:           p.Repo,
		metrics:        p.Metrics,
		client:         &http.Client{},
		reconcileEvery: reconcileEvery,
		sem:            make(chan struct{}, workers),
		stopCh:         make(chan struct{}),
		inflight:       make(map[snowflake.ID]struct{}),
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				d.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				d.Stop()
				return nil
			},
		})
	}

	return d
}

// Start launches the reconciliation loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.reconcileLoop()
}

// Stop signals all workers and waits for them to drain. Deliveries waiting
// out a backoff stay persisted as retrying; their timers become no-ops and
// the next process picks them up through the reconciliation sweep.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Enqueue schedules one delivery for asynchronous dispatch. Duplicate
// enqueues of an in-flight delivery are dropped, and enqueues after Stop
// are no-ops.
func (d *Dispatcher) Enqueue(delivery *webhookdomain.WebhookDelivery) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if _, busy := d.inflight[delivery.ID]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[delivery.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, delivery.ID)
			d.mu.Unlock()
		}()

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.stopCh:
			return
		}

		d.deliver(delivery)
	}()
}

// deliver performs a single attempt for one delivery and releases its worker
// slot. A retry never holds a goroutine through its backoff: the next attempt
// is scheduled as a delayed re-enqueue, so sleeping deliveries cannot starve
// the worker pool.
func (d *Dispatcher) deliver(delivery *webhookdomain.WebhookDelivery) {
	ctx := context.Background()

	// Re-read the row so a timer and the sweep racing over the same delivery
	// cannot repeat a finished sequence off stale state.
	stored, err := d.repo.FindDeliveryByID(ctx, d.db, delivery.ID)
	if err != nil {
		d.log.Warn("delivery lookup failed, deferring to sweep",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
		return
	}
	if stored == nil {
		return
	}
	if stored.Status != webhookdomain.DeliveryStatusPending &&
		stored.Status != webhookdomain.DeliveryStatusRetrying {
		return
	}
	*delivery = *stored

	webhook, err := d.repo.Get(ctx, d.db, delivery.WebhookID)
	if err != nil {
		// Leave the row as-is; the reconciliation sweep re-queues it once
		// the lookup recovers.
		d.log.Warn("webhook lookup failed, deferring delivery to sweep",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
		return
	}
	// Deactivated or deleted mid-sequence: stop, leaving the last persisted
	// status in place.
	if webhook == nil || !webhook.IsActive {
		return
	}

	prev := delivery.Attempts
	res := d.attempt(ctx, webhook, delivery)

	now := d.clock.Now()
	delivery.Attempts = prev + 1
	delivery.ResponseStatus = res.responseStatus()
	delivery.ResponseBody = res.body
	delivery.Error = res.errorMessage()
	delivery.DurationMS = res.duration.Milliseconds()
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = now

	var delay time.Duration
	switch {
	case res.success:
		delivery.Status = webhookdomain.DeliveryStatusSuccess
	case prev < webhook.MaxRetries:
		delay = backoffDelay(webhook, prev, d.holder.Get().MaxBackoffDelay)
		next := now.Add(delay)
		delivery.Status = webhookdomain.DeliveryStatusRetrying
		delivery.NextRetryAt = &next
	default:
		delivery.Status = webhookdomain.DeliveryStatusFailed
	}

	if err := d.repo.UpdateDelivery(ctx, d.db, delivery); err != nil {
		d.log.Warn("delivery update failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
	}
	if err := d.repo.UpdateStats(ctx, d.db, webhook.ID, res.success, now); err != nil {
		d.log.Warn("webhook stats update failed",
			zap.String("webhook_id", webhook.ID.String()),
			zap.Error(err),
		)
	}
	d.metrics.RecordDeliveryAttempt(ctx, res.statusCode, res.duration)

	if delivery.Status == webhookdomain.DeliveryStatusRetrying {
		d.scheduleRetry(delivery, delay)
		return
	}

	d.metrics.RecordDeliveryOutcome(ctx, delivery.Status)
	d.log.Debug("delivery finished",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("status", delivery.Status),
		zap.Int("attempts", delivery.Attempts),
	)
}

// scheduleRetry re-enqueues the delivery once its backoff elapses. The timer
// holds no worker slot; if the process stops first, Enqueue drops the late
// firing and the persisted retrying row is recovered by the next sweep.
func (d *Dispatcher) scheduleRetry(delivery *webhookdomain.WebhookDelivery, delay time.Duration) {
	time.AfterFunc(delay, func() {
		d.Enqueue(delivery)
	})
}

type attemptResult struct {
	success    bool
	statusCode int // 0 when the call never completed
	body       string
	errMsg     string
	duration   time.Duration
}

func (r attemptResult) responseStatus() *int {
	if r.statusCode == 0 {
		return nil
	}
	code := r.statusCode
	return &code
}

func (r attemptResult) errorMessage() *string {
	if r.errMsg == "" {
		return nil
	}
	msg := r.errMsg
	return &msg
}

// attempt performs exactly one signed HTTP POST to the webhook endpoint.
func (d *Dispatcher) attempt(ctx context.Context, webhook *webhookdomain.Webhook, delivery *webhookdomain.WebhookDelivery) attemptResult {
	cfg := d.holder.Get()

	timestamp := d.clock.Now().UnixMilli()
	payload := []byte(delivery.Payload)
	signature := webhookdomain.Sign(webhook.SigningSecret, timestamp, payload)

	reqCtx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return attemptResult{errMsg: err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Webhook-ID", delivery.ID.String())
	d.applyCustomHeaders(req, webhook)

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return attemptResult{errMsg: err.Error(), duration: duration}
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(cfg.ResponseBodyLimit)))
	if readErr != nil {
		bodyBytes = nil
	}

	res := attemptResult{
		statusCode: resp.StatusCode,
		body:       string(bodyBytes),
		duration:   duration,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.success = true
	} else {
		res.errMsg = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return res
}

func (d *Dispatcher) applyCustomHeaders(req *http.Request, webhook *webhookdomain.Webhook) {
	if len(webhook.Headers) == 0 {
		return
	}
	custom := map[string]string{}
	if err := json.Unmarshal(webhook.Headers, &custom); err != nil {
		d.log.Warn("webhook headers unreadable, skipping",
			zap.String("webhook_id", webhook.ID.String()),
			zap.Error(err),
		)
		return
	}
	for k, v := range custom {
		if _, reserved := reservedHeaders[http.CanonicalHeaderKey(k)]; reserved {
			d.log.Warn("webhook header shadows a reserved name, ignored",
				zap.String("webhook_id", webhook.ID.String()),
				zap.String("header", k),
			)
			continue
		}
		req.Header.Set(k, v)
	}
}

// backoffDelay computes the wait before the next attempt:
// initialDelay * multiplier^attemptsSoFar, capped at maxDelay.
func backoffDelay(webhook *webhookdomain.Webhook, attemptsSoFar int, maxDelay time.Duration) time.Duration {
	initial := time.Duration(webhook.InitialDelayMS) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := webhook.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(attemptsSoFar)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (d *Dispatcher) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.reconcileEvery)
	defer ticker.Stop()

	// Immediate pass picks up deliveries orphaned by the previous run.
	d.reconcile()

	for {
		select {
		case <-ticker.C:
			d.reconcile()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) reconcile() {
	ctx := context.Background()

	now := d.clock.Now()
	due, err := d.repo.ListDueDeliveries(ctx, d.db, now, now.Add(-pendingRecoveryAge), reconcileBatchSize)
	if err != nil {
		d.log.Warn("delivery reconciliation query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	d.log.Info("re-queueing due deliveries", zap.Int("count", len(due)))
	for i := range due {
		delivery := due[i]
		d.Enqueue(&delivery)
	}
}
