package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"github.com/hookline/hookline/internal/webhook/repository"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type env struct {
	db     *gorm.DB
	node   *snowflake.Node
	holder *config.DeliveryConfigHolder
	repo   webhookdomain.Repository
	disp   *Dispatcher
	svc    webhookdomain.Service
	clock  clock.Clock
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&webhookdomain.Webhook{}, &webhookdomain.WebhookDelivery{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	holder := &config.DeliveryConfigHolder{}
	holder.Store(config.DefaultDeliveryConfig())

	clk := clock.NewSystem()
	repo := repository.Provide()

	cfg := config.Config{
		DeliveryWorkers:         4,
		DeliveryReconcileSecs:   1,
		DefaultMaxRetries:       3,
		DefaultInitialDelayMS:   1000,
		DefaultBackoffMultipler: 2,
	}

	disp := NewDispatcher(DispatcherParams{
		DB:     db,
		Log:    zap.NewNop(),
		Cfg:    cfg,
		Holder: holder,
		Clock:  clk,
		Repo:   repo,
	})
	t.Cleanup(disp.Stop)

	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Cfg:        cfg,
		Holder:     holder,
		GenID:      node,
		Clock:      clk,
		Repo:       repo,
		Dispatcher: disp,
	})

	return &env{db: db, node: node, holder: holder, repo: repo, disp: disp, svc: svc, clock: clk}
}

func (e *env) insertWebhook(t *testing.T, w *webhookdomain.Webhook) *webhookdomain.Webhook {
	t.Helper()
	now := e.clock.Now()
	if w.ID == 0 {
		w.ID = e.node.Generate()
	}
	if w.OrgID == 0 {
		w.OrgID = e.node.Generate()
	}
	if w.SigningSecret == "" {
		w.SigningSecret = "whsec_dispatchertest"
	}
	if len(w.Events) == 0 {
		w.Events = pq.StringArray{"order.created"}
	}
	w.CreatedAt = now
	w.UpdatedAt = now
	require.NoError(t, e.repo.Insert(context.Background(), e.db, w))
	return w
}

func (e *env) insertDelivery(t *testing.T, webhookID snowflake.ID, payload string) *webhookdomain.WebhookDelivery {
	t.Helper()
	now := e.clock.Now()
	d := &webhookdomain.WebhookDelivery{
		ID:        e.node.Generate(),
		WebhookID: webhookID,
		Event:     "order.created",
		Payload:   datatypes.JSON(payload),
		Status:    webhookdomain.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.repo.InsertDelivery(context.Background(), e.db, d))
	return d
}

func TestDeliverSuccess(t *testing.T) {
	e := newEnv(t)

	var mu sync.Mutex
	var gotHeader http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotHeader = r.Header.Clone()
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		Headers:           datatypes.JSON(`{"X-Custom-Token":"abc123","x-webhook-signature":"spoofed"}`),
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{"order_id":42}`)

	e.disp.deliver(delivery)

	assert.Equal(t, webhookdomain.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	require.NotNil(t, delivery.ResponseStatus)
	assert.Equal(t, http.StatusOK, *delivery.ResponseStatus)
	assert.Nil(t, delivery.Error)
	assert.Nil(t, delivery.NextRetryAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"order_id":42}`, string(gotBody))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "order.created", gotHeader.Get("X-Webhook-Event"))
	assert.Equal(t, delivery.ID.String(), gotHeader.Get("X-Webhook-ID"))
	assert.Equal(t, "abc123", gotHeader.Get("X-Custom-Token"))

	ts, err := strconv.ParseInt(gotHeader.Get("X-Webhook-Timestamp"), 10, 64)
	require.NoError(t, err)
	sig := gotHeader.Get("X-Webhook-Signature")
	assert.NotEqual(t, "spoofed", sig)
	assert.True(t, webhookdomain.VerifySignature(webhook.SigningSecret, ts, gotBody, sig))

	stored, err := e.repo.Get(context.Background(), e.db, webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalDeliveries)
	assert.Equal(t, int64(1), stored.SuccessfulDeliveries)
	assert.Equal(t, int64(0), stored.FailedDeliveries)
	assert.Equal(t, webhookdomain.DeliveryStatusSuccess, stored.LastDeliveryStatus)
	assert.NotNil(t, stored.LastDeliveryAt)
}

func TestDeliverExhaustsRetriesThenFails(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.Enqueue(delivery)

	var stored *webhookdomain.WebhookDelivery
	require.Eventually(t, func() bool {
		var err error
		stored, err = e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus maxRetries retries.
	assert.Equal(t, int32(4), requests.Load())
	assert.Equal(t, 4, stored.Attempts)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "endpoint returned status 500")
	assert.Nil(t, stored.NextRetryAt)

	storedWebhook, err := e.repo.Get(context.Background(), e.db, webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), storedWebhook.TotalDeliveries)
	assert.Equal(t, int64(0), storedWebhook.SuccessfulDeliveries)
	assert.Equal(t, int64(4), storedWebhook.FailedDeliveries)
	assert.Equal(t, webhookdomain.DeliveryStatusFailed, storedWebhook.LastDeliveryStatus)
}

func TestDeliverRecoversMidSequence(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.Enqueue(delivery)

	var stored *webhookdomain.WebhookDelivery
	require.Eventually(t, func() bool {
		var err error
		stored, err = e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, 3, stored.Attempts)

	storedWebhook, err := e.repo.Get(context.Background(), e.db, webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), storedWebhook.TotalDeliveries)
	assert.Equal(t, int64(1), storedWebhook.SuccessfulDeliveries)
	assert.Equal(t, int64(2), storedWebhook.FailedDeliveries)
}

func TestDeliverSkipsInactiveWebhook(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          false,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.deliver(delivery)

	assert.Equal(t, int32(0), requests.Load())
	assert.Equal(t, webhookdomain.DeliveryStatusPending, delivery.Status)
	assert.Equal(t, 0, delivery.Attempts)
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	e := newEnv(t)

	cfg := config.DefaultDeliveryConfig()
	cfg.ResponseBodyLimit = 10
	e.holder.Store(cfg)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789ABCDEF"))
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        0,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.deliver(delivery)

	assert.Equal(t, webhookdomain.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, "0123456789", delivery.ResponseBody)
}

func TestDeliverRecordsConnectionError(t *testing.T) {
	e := newEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        0,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.deliver(delivery)

	assert.Equal(t, webhookdomain.DeliveryStatusFailed, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	assert.Nil(t, delivery.ResponseStatus)
	require.NotNil(t, delivery.Error)
	assert.NotEmpty(t, *delivery.Error)
}

func TestEnqueueDeduplicatesInflight(t *testing.T) {
	e := newEnv(t)

	release := make(chan struct{})
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.Enqueue(delivery)
	// Registered synchronously above, so this duplicate is dropped.
	e.disp.Enqueue(delivery)
	close(release)

	require.Eventually(t, func() bool {
		stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), requests.Load())
}

func TestReconcileRequeuesDueRetries(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})

	// A retrying delivery orphaned by a previous process, already due.
	delivery := e.insertDelivery(t, webhook.ID, `{}`)
	due := e.clock.Now().Add(-time.Minute)
	delivery.Attempts = 1
	delivery.Status = webhookdomain.DeliveryStatusRetrying
	delivery.NextRetryAt = &due
	require.NoError(t, e.repo.UpdateDelivery(context.Background(), e.db, delivery))

	e.disp.reconcile()

	require.Eventually(t, func() bool {
		stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), requests.Load())

	stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
	assert.Nil(t, stored.NextRetryAt)
}

func TestReconcileRecoversStrandedPending(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})

	// A pending delivery inserted by a previous process that crashed before
	// the first attempt.
	stranded := e.insertDelivery(t, webhook.ID, `{}`)
	stranded.UpdatedAt = e.clock.Now().Add(-2 * time.Minute)
	require.NoError(t, e.repo.UpdateDelivery(context.Background(), e.db, stranded))

	// A pending delivery that was just handed to a worker; the sweep must
	// leave it alone.
	fresh := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.reconcile()

	require.Eventually(t, func() bool {
		stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, stranded.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), requests.Load())

	storedFresh, err := e.repo.FindDeliveryByID(context.Background(), e.db, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryStatusPending, storedFresh.Status)
	assert.Equal(t, 0, storedFresh.Attempts)
}

func TestBackoffDoesNotOccupyWorkers(t *testing.T) {
	e := newEnv(t)

	// A single-worker dispatcher: if a backoff wait held the worker slot,
	// nothing else could be delivered until it elapsed.
	disp := NewDispatcher(DispatcherParams{
		DB:     e.db,
		Log:    zap.NewNop(),
		Cfg:    config.Config{DeliveryWorkers: 1, DeliveryReconcileSecs: 3600},
		Holder: e.holder,
		Clock:  e.clock,
		Repo:   e.repo,
	})
	t.Cleanup(disp.Stop)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var healthyRequests atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyRequests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	slowRetry := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               failing.URL,
		MaxRetries:        3,
		InitialDelayMS:    10000,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	fast := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               healthy.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})

	// Park two deliveries in a 10s backoff.
	first := e.insertDelivery(t, slowRetry.ID, `{}`)
	second := e.insertDelivery(t, slowRetry.ID, `{}`)
	disp.Enqueue(first)
	disp.Enqueue(second)

	require.Eventually(t, func() bool {
		for _, id := range []snowflake.ID{first.ID, second.ID} {
			stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, id)
			if err != nil || stored == nil || stored.Status != webhookdomain.DeliveryStatusRetrying {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// The lone worker slot must be free while those two wait out their
	// backoff.
	prompt := e.insertDelivery(t, fast.ID, `{}`)
	disp.Enqueue(prompt)

	require.Eventually(t, func() bool {
		stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, prompt.ID)
		return err == nil && stored != nil && stored.Status == webhookdomain.DeliveryStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), healthyRequests.Load())
}

func TestDeliverIgnoresFinishedDelivery(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	// The sequence completed while a stale handle (a late backoff timer, a
	// sweep race) still points at the old state.
	delivery.Attempts = 2
	delivery.Status = webhookdomain.DeliveryStatusSuccess
	require.NoError(t, e.repo.UpdateDelivery(context.Background(), e.db, delivery))

	stale := *delivery
	stale.Attempts = 1
	stale.Status = webhookdomain.DeliveryStatusRetrying

	e.disp.deliver(&stale)

	assert.Equal(t, int32(0), requests.Load())

	stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryStatusSuccess, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestEnqueueAfterStopIsNoop(t *testing.T) {
	e := newEnv(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := e.insertWebhook(t, &webhookdomain.Webhook{
		URL:               server.URL,
		MaxRetries:        3,
		InitialDelayMS:    1,
		BackoffMultiplier: 2,
		IsActive:          true,
	})
	delivery := e.insertDelivery(t, webhook.ID, `{}`)

	e.disp.Stop()
	e.disp.Enqueue(delivery)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), requests.Load())

	stored, err := e.repo.FindDeliveryByID(context.Background(), e.db, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DeliveryStatusPending, stored.Status)
}

func TestBackoffDelay(t *testing.T) {
	webhook := &webhookdomain.Webhook{InitialDelayMS: 1000, BackoffMultiplier: 2}

	assert.Equal(t, time.Second, backoffDelay(webhook, 0, time.Hour))
	assert.Equal(t, 2*time.Second, backoffDelay(webhook, 1, time.Hour))
	assert.Equal(t, 4*time.Second, backoffDelay(webhook, 2, time.Hour))

	// Cap applies once the curve passes it.
	assert.Equal(t, 5*time.Second, backoffDelay(webhook, 10, 5*time.Second))

	// Degenerate policies fall back to sane values.
	assert.Equal(t, time.Second, backoffDelay(&webhookdomain.Webhook{}, 0, time.Hour))
	assert.Equal(t, time.Second, backoffDelay(&webhookdomain.Webhook{InitialDelayMS: 1000, BackoffMultiplier: 0.5}, 3, time.Hour))
}
