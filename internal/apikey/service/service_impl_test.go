package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	"github.com/hookline/hookline/internal/apikey/repository"
	"github.com/hookline/hookline/internal/clock"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   apikeydomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&apikeydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   config.Config{DefaultRateLimit: 100, DefaultRateLimitWindow: 60},
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})

	return &fixture{svc: svc, db: db, node: node, clock: clk}
}

func (f *fixture) orgCtx() (context.Context, snowflake.ID) {
	orgID := f.node.Generate()
	return orgcontext.WithOrgID(context.Background(), int64(orgID)), orgID
}

func TestCreatePersistsOnlyFingerprint(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.APIKey, created.Prefix+"_"))

	var stored apikeydomain.APIKey
	require.NoError(t, f.db.Raw(`SELECT * FROM api_keys WHERE prefix = ?`, created.Prefix).Scan(&stored).Error)
	assert.Equal(t, created.Prefix, stored.Prefix)
	assert.NotEmpty(t, stored.SecretFingerprint)
	assert.NotEqual(t, created.APIKey, stored.SecretFingerprint)
	assert.NotContains(t, stored.SecretFingerprint, strings.TrimPrefix(created.APIKey, created.Prefix+"_"))

	validation, err := f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
}

func TestCreateAppliesDefaultsAndValidates(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{
		Name:        "  deploy bot  ",
		Permissions: []string{"Webhooks:Write", "webhooks:write", " ", "events:trigger"},
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy bot", got.Name)
	assert.Equal(t, 100, got.RateLimit)
	assert.Equal(t, 60, got.RateLimitWindowSeconds)
	assert.Equal(t, []string{"webhooks:write", "events:trigger"}, got.Permissions)
	assert.True(t, got.IsActive)

	_, err = f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "   "})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "bad", RateLimit: -1})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRateLimit)

	_, err = f.svc.Create(context.Background(), apikeydomain.CreateRequest{Name: "no org"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidOrganization)
}

func TestValidateMessages(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)

	validation, err := f.svc.Validate(ctx, "not-a-key")
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, apikeydomain.MsgInvalidKey, validation.Message)

	// Correct prefix, wrong secret body.
	tampered := created.APIKey[:len(created.APIKey)-1]
	if strings.HasSuffix(created.APIKey, "a") {
		tampered += "b"
	} else {
		tampered += "a"
	}
	validation, err = f.svc.Validate(ctx, tampered)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, apikeydomain.MsgInvalidKey, validation.Message)

	validation, err = f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	require.NotNil(t, validation.Key)
	assert.Equal(t, created.Prefix, validation.Key.Prefix)
}

func TestValidateExpiredKey(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	expiry := f.clock.Now().Add(time.Hour)
	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "short lived", ExpiresAt: &expiry})
	require.NoError(t, err)

	validation, err := f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.True(t, validation.Valid)

	f.clock.Advance(2 * time.Hour)

	validation, err = f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, apikeydomain.MsgExpiredKey, validation.Message)
}

func TestRevokeStopsValidation(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Revoke(ctx, created.ID))

	validation, err := f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, apikeydomain.MsgInvalidKey, validation.Message)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestRotateInvalidatesOldSecret(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE api_keys SET usage_count = 7 WHERE prefix = ?`, created.Prefix).Error)

	rotated, err := f.svc.Rotate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, rotated.ID)
	assert.NotEqual(t, created.Prefix, rotated.Prefix)
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	validation, err := f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.False(t, validation.Valid)

	validation, err = f.svc.Validate(ctx, rotated.APIKey)
	require.NoError(t, err)
	assert.True(t, validation.Valid)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UsageCount)
	assert.Nil(t, got.LastUsedAt)
}

func TestTenantIsolation(t *testing.T) {
	f := setup(t)
	ctxA, _ := f.orgCtx()
	ctxB, _ := f.orgCtx()

	created, err := f.svc.Create(ctxA, apikeydomain.CreateRequest{Name: "org a key"})
	require.NoError(t, err)

	_, err = f.svc.Get(ctxB, created.ID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	err = f.svc.Delete(ctxB, created.ID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	listB, err := f.svc.List(ctxB)
	require.NoError(t, err)
	assert.Empty(t, listB)

	listA, err := f.svc.List(ctxA)
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, created.ID, listA[0].ID)
}

func TestDeleteRemovesKey(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	created, err := f.svc.Create(ctx, apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, created.ID))

	_, err = f.svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	validation, err := f.svc.Validate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
}

func TestLookupRejectsMalformedID(t *testing.T) {
	f := setup(t)
	ctx, _ := f.orgCtx()

	_, err := f.svc.Get(ctx, "not-a-snowflake")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidKeyID)
}
