package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	obsmetrics "github.com/hookline/hookline/internal/observability/metrics"
	"github.com/hookline/hookline/internal/orgcontext"
	"github.com/hookline/hookline/internal/secrets"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultDeliveryPageSize = 50
	maxDeliveryPageSize     = 250
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Holder     *config.DeliveryConfigHolder
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       webhookdomain.Repository
	Dispatcher *Dispatcher
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	holder     *config.DeliveryConfigHolder
	repo       webhookdomain.Repository
	dispatcher *Dispatcher
	genID      *snowflake.Node
	clock      clock.Clock
	metrics    *obsmetrics.Metrics
}

func New(p Params) webhookdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		cfg:        p.Cfg,
		holder:     p.Holder,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req webhookdomain.CreateRequest) (*webhookdomain.SecretResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	endpoint, err := normalizeURL(req.URL)
	if err != nil {
		return nil, err
	}
	events, err := normalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}
	policy, err := s.resolvePolicy(req.RetryPolicy)
	if err != nil {
		return nil, err
	}
	headers, err := encodeHeaders(req.Headers)
	if err != nil {
		return nil, err
	}

	signingSecret, err := secrets.GenerateSigningSecret()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	webhook := &webhookdomain.Webhook{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		URL:               endpoint,
		Events:            events,
		SigningSecret:     signingSecret,
		Headers:           headers,
		MaxRetries:        policy.MaxRetries,
		InitialDelayMS:    policy.InitialDelayMS,
		BackoffMultiplier: policy.BackoffMultiplier,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.Insert(ctx, s.db, webhook); err != nil {
		return nil, err
	}

	resp := toResponse(webhook)
	return &webhookdomain.SecretResponse{Response: resp, SigningSecret: signingSecret}, nil
}

func (s *Service) List(ctx context.Context) ([]webhookdomain.Response, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]webhookdomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*webhookdomain.Response, error) {
	webhook, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := toResponse(webhook)
	return &resp, nil
}

// Update replaces only the supplied fields.
func (s *Service) Update(ctx context.Context, id string, req webhookdomain.UpdateRequest) (*webhookdomain.Response, error) {
	webhook, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.URL != nil {
		endpoint, err := normalizeURL(*req.URL)
		if err != nil {
			return nil, err
		}
		webhook.URL = endpoint
	}
	if req.Events != nil {
		events, err := normalizeEvents(req.Events)
		if err != nil {
			return nil, err
		}
		webhook.Events = events
	}
	if req.Headers != nil {
		headers, err := encodeHeaders(req.Headers)
		if err != nil {
			return nil, err
		}
		webhook.Headers = headers
	}
	if req.RetryPolicy != nil {
		policy, err := s.resolvePolicy(req.RetryPolicy)
		if err != nil {
			return nil, err
		}
		webhook.MaxRetries = policy.MaxRetries
		webhook.InitialDelayMS = policy.InitialDelayMS
		webhook.BackoffMultiplier = policy.BackoffMultiplier
	}

	webhook.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, webhook); err != nil {
		return nil, err
	}

	resp := toResponse(webhook)
	return &resp, nil
}

func (s *Service) Toggle(ctx context.Context, id string, isActive bool) (*webhookdomain.Response, error) {
	webhook, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	webhook.IsActive = isActive
	webhook.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, webhook); err != nil {
		return nil, err
	}

	resp := toResponse(webhook)
	return &resp, nil
}

// RegenerateSecret replaces the signing secret in place. Deliveries already
// in flight keep signing with the secret they loaded; new attempts pick up
// the replacement.
func (s *Service) RegenerateSecret(ctx context.Context, id string) (*webhookdomain.SecretResponse, error) {
	webhook, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	signingSecret, err := secrets.GenerateSigningSecret()
	if err != nil {
		return nil, err
	}

	webhook.SigningSecret = signingSecret
	webhook.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, webhook); err != nil {
		return nil, err
	}

	resp := toResponse(webhook)
	return &webhookdomain.SecretResponse{Response: resp, SigningSecret: signingSecret}, nil
}

// Delete removes the webhook and its delivery history.
func (s *Service) Delete(ctx context.Context, id string) error {
	webhook, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDeliveriesForWebhook(ctx, s.db, webhook.ID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.db, webhook.OrgID, webhook.ID)
}

// Trigger fans an event out to every active subscribed webhook. It returns
// once the delivery records are persisted; dispatch runs asynchronously and
// failures surface only through delivery history and stats.
func (s *Service) Trigger(ctx context.Context, req webhookdomain.TriggerRequest) (*webhookdomain.TriggerResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	event := strings.TrimSpace(req.Event)
	if event == "" {
		return nil, webhookdomain.ErrInvalidEvent
	}

	payload, err := canonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	webhooks, err := s.repo.ListActiveForEvent(ctx, s.db, orgID, event)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for i := range webhooks {
		delivery := &webhookdomain.WebhookDelivery{
			ID:        s.genID.Generate(),
			WebhookID: webhooks[i].ID,
			Event:     event,
			Payload:   datatypes.JSON(payload),
			Attempts:  0,
			Status:    webhookdomain.DeliveryStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertDelivery(ctx, s.db, delivery); err != nil {
			return nil, err
		}
		s.dispatcher.Enqueue(delivery)
	}

	s.metrics.RecordTriggerEvent(ctx, event, len(webhooks))
	s.log.Debug("event triggered",
		zap.String("event", event),
		zap.Int("matched", len(webhooks)),
	)

	return &webhookdomain.TriggerResponse{Event: event, Matched: len(webhooks)}, nil
}

func (s *Service) Deliveries(ctx context.Context, webhookID string, limit int) ([]webhookdomain.DeliveryResponse, error) {
	webhook, err := s.lookup(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultDeliveryPageSize
	}
	if limit > maxDeliveryPageSize {
		limit = maxDeliveryPageSize
	}

	deliveries, err := s.repo.ListDeliveries(ctx, s.db, webhook.ID, limit)
	if err != nil {
		return nil, err
	}

	resp := make([]webhookdomain.DeliveryResponse, 0, len(deliveries))
	for i := range deliveries {
		resp = append(resp, toDeliveryResponse(&deliveries[i]))
	}
	return resp, nil
}

// RetryDelivery resets a delivery to pending with zero attempts and
// dispatches it immediately, bypassing any backoff delay.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) (*webhookdomain.DeliveryResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := snowflake.ParseString(strings.TrimSpace(deliveryID))
	if err != nil {
		return nil, webhookdomain.ErrInvalidDeliveryID
	}

	delivery, err := s.repo.FindDeliveryByID(ctx, s.db, parsed)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, webhookdomain.ErrNotFound
	}

	// Ownership check joins through the webhook.
	webhook, err := s.repo.FindByID(ctx, s.db, orgID, delivery.WebhookID)
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		return nil, webhookdomain.ErrNotFound
	}

	delivery.Attempts = 0
	delivery.Status = webhookdomain.DeliveryStatusPending
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateDelivery(ctx, s.db, delivery); err != nil {
		return nil, err
	}

	s.dispatcher.Enqueue(delivery)

	resp := toDeliveryResponse(delivery)
	return &resp, nil
}

func (s *Service) lookup(ctx context.Context, id string) (*webhookdomain.Webhook, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, webhookdomain.ErrInvalidWebhookID
	}

	webhook, err := s.repo.FindByID(ctx, s.db, orgID, parsed)
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		return nil, webhookdomain.ErrNotFound
	}
	return webhook, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, webhookdomain.ErrInvalidOrganization
	}
	return orgID, nil
}

// resolvePolicy fills defaults from config and clamps to the hot-reloadable
// ceilings.
func (s *Service) resolvePolicy(policy *webhookdomain.RetryPolicy) (webhookdomain.RetryPolicy, error) {
	resolved := webhookdomain.RetryPolicy{
		MaxRetries:        s.cfg.DefaultMaxRetries,
		InitialDelayMS:    int64(s.cfg.DefaultInitialDelayMS),
		BackoffMultiplier: s.cfg.DefaultBackoffMultipler,
	}
	if policy != nil {
		resolved = *policy
	}

	limits := s.holder.Get()
	if resolved.MaxRetries < 0 || resolved.MaxRetries > limits.MaxRetriesCeiling {
		return webhookdomain.RetryPolicy{}, webhookdomain.ErrInvalidRetryPolicy
	}
	if resolved.InitialDelayMS <= 0 || resolved.InitialDelayMS > limits.MaxInitialDelay.Milliseconds() {
		return webhookdomain.RetryPolicy{}, webhookdomain.ErrInvalidRetryPolicy
	}
	if resolved.BackoffMultiplier < 1 {
		return webhookdomain.RetryPolicy{}, webhookdomain.ErrInvalidRetryPolicy
	}
	return resolved, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", webhookdomain.ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", webhookdomain.ErrInvalidURL
	}
	return raw, nil
}

func normalizeEvents(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, e := range raw {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, webhookdomain.ErrInvalidEvents
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, webhookdomain.ErrInvalidEvents
	}
	return out, nil
}

func encodeHeaders(headers map[string]string) (datatypes.JSON, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeHeaders(raw datatypes.JSON) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	headers := map[string]string{}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return map[string]string{}
	}
	return headers
}

func toResponse(w *webhookdomain.Webhook) webhookdomain.Response {
	return webhookdomain.Response{
		ID:      w.ID.String(),
		URL:     w.URL,
		Events:  append([]string(nil), w.Events...),
		Headers: decodeHeaders(w.Headers),
		RetryPolicy: webhookdomain.RetryPolicy{
			MaxRetries:        w.MaxRetries,
			InitialDelayMS:    w.InitialDelayMS,
			BackoffMultiplier: w.BackoffMultiplier,
		},
		IsActive: w.IsActive,
		Stats: webhookdomain.Stats{
			TotalDeliveries:      w.TotalDeliveries,
			SuccessfulDeliveries: w.SuccessfulDeliveries,
			FailedDeliveries:     w.FailedDeliveries,
			LastDeliveryAt:       w.LastDeliveryAt,
			LastDeliveryStatus:   w.LastDeliveryStatus,
		},
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toDeliveryResponse(d *webhookdomain.WebhookDelivery) webhookdomain.DeliveryResponse {
	return webhookdomain.DeliveryResponse{
		ID:             d.ID.String(),
		WebhookID:      d.WebhookID.String(),
		Event:          d.Event,
		Payload:        json.RawMessage(d.Payload),
		Attempts:       d.Attempts,
		Status:         d.Status,
		ResponseStatus: d.ResponseStatus,
		ResponseBody:   d.ResponseBody,
		Error:          d.Error,
		DurationMS:     d.DurationMS,
		NextRetryAt:    d.NextRetryAt,
		CreatedAt:      d.CreatedAt,
	}
}

// canonicalPayload compacts the payload so the stored bytes, the dispatched
// body, and the signed content are all the same representation.
func canonicalPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if len(raw) > webhookdomain.MaxPayloadBytes {
		return nil, webhookdomain.ErrPayloadTooLarge
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, webhookdomain.ErrInvalidPayload
	}
	return buf.Bytes(), nil
}
