package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/orgcontext"
	"github.com/hookline/hookline/internal/secrets"
	"github.com/hookline/hookline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const usageUpdateTimeout = 5 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  apikeydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   config.Config
	repo  apikeydomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		cfg:   p.Cfg,
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}

	rateLimit := req.RateLimit
	windowSeconds := req.RateLimitWindowSeconds
	if rateLimit == 0 {
		rateLimit = s.cfg.DefaultRateLimit
	}
	if windowSeconds == 0 {
		windowSeconds = s.cfg.DefaultRateLimitWindow
	}
	if rateLimit < 0 || windowSeconds <= 0 {
		return nil, apikeydomain.ErrInvalidRateLimit
	}

	secret, err := secrets.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := &apikeydomain.APIKey{
		ID:                     s.genID.Generate(),
		OrgID:                  orgID,
		Name:                   name,
		Prefix:                 secret.Prefix,
		SecretFingerprint:      secret.Fingerprint,
		Permissions:            normalizePermissions(req.Permissions),
		RateLimit:              rateLimit,
		RateLimitWindowSeconds: windowSeconds,
		IsActive:               true,
		CreatedAt:              now,
		UpdatedAt:              now,
		ExpiresAt:              req.ExpiresAt,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		// The prefix carries its own randomness, so a unique-index collision
		// is resolvable by regenerating once.
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		if secret, err = secrets.GenerateAPIKey(); err != nil {
			return nil, err
		}
		key.Prefix = secret.Prefix
		key.SecretFingerprint = secret.Fingerprint
		if err := s.repo.Insert(ctx, s.db, key); err != nil {
			return nil, err
		}
	}

	return &apikeydomain.SecretResponse{
		ID:     key.ID.String(),
		Prefix: key.Prefix,
		APIKey: secret.Full,
	}, nil
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*apikeydomain.Response, error) {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := toResponse(key)
	return &resp, nil
}

// Rotate issues a new prefix and fingerprint in place and resets usage. The
// previous secret stops validating immediately.
func (s *Service) Rotate(ctx context.Context, id string) (*apikeydomain.SecretResponse, error) {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := secrets.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key.Prefix = secret.Prefix
	key.SecretFingerprint = secret.Fingerprint
	key.UsageCount = 0
	key.LastUsedAt = nil
	key.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{
		ID:     key.ID.String(),
		Prefix: key.Prefix,
		APIKey: secret.Full,
	}, nil
}

// Revoke flips the key inactive without deleting the row.
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	key.IsActive = false
	key.UpdatedAt = s.clock.Now()
	return s.repo.Update(ctx, s.db, key)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.db, key.OrgID, key.ID)
}

// Validate checks a presented bearer secret. Lookup is by indexed prefix,
// the fingerprint comparison is constant time, and the usage counter update
// runs asynchronously so it never delays the validation response.
func (s *Service) Validate(ctx context.Context, fullSecret string) (*apikeydomain.Validation, error) {
	prefix, ok := secrets.ParsePrefix(fullSecret)
	if !ok {
		return &apikeydomain.Validation{Valid: false, Message: apikeydomain.MsgInvalidKey}, nil
	}

	key, err := s.repo.FindActiveByPrefix(ctx, s.db, prefix)
	if err != nil {
		return nil, err
	}
	if key == nil || !secrets.Match(key.SecretFingerprint, fullSecret) {
		return &apikeydomain.Validation{Valid: false, Message: apikeydomain.MsgInvalidKey}, nil
	}

	now := s.clock.Now()
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return &apikeydomain.Validation{Valid: false, Message: apikeydomain.MsgExpiredKey}, nil
	}

	go s.recordUsage(key.ID, now)

	return &apikeydomain.Validation{Valid: true, Key: key}, nil
}

func (s *Service) recordUsage(id snowflake.ID, usedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), usageUpdateTimeout)
	defer cancel()
	if err := s.repo.RecordUsage(ctx, s.db, id, usedAt); err != nil {
		s.log.Warn("api key usage update failed",
			zap.String("key_id", id.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) lookup(ctx context.Context, id string) (*apikeydomain.APIKey, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByID(ctx, s.db, orgID, parsed)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apikeydomain.ErrNotFound
	}
	return key, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, apikeydomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		ID:                     key.ID.String(),
		Name:                   key.Name,
		Prefix:                 key.Prefix,
		Permissions:            append([]string(nil), key.Permissions...),
		RateLimit:              key.RateLimit,
		RateLimitWindowSeconds: key.RateLimitWindowSeconds,
		UsageCount:             key.UsageCount,
		IsActive:               key.IsActive,
		CreatedAt:              key.CreatedAt,
		LastUsedAt:             key.LastUsedAt,
		ExpiresAt:              key.ExpiresAt,
	}
}

func normalizePermissions(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, p := range raw {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
