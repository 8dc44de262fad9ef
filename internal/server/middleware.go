package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	obscontext "github.com/hookline/hookline/internal/observability/context"
	"github.com/hookline/hookline/internal/orgcontext"
)

const (
	HeaderOrg = "X-Org-ID"

	contextAPIKeyKey = "api_key"
)

// APIKeyRequired authenticates requests with a bearer API key. Organization
// identity is derived solely from the api_keys table.
//
// Outside production the X-Org-ID header is accepted as a fallback so the
// first key of a fresh organization can be created before any key exists.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			if s.cfg.Environment != "production" && s.bootstrapOrgContext(c) {
				c.Next()
				return
			}
			AbortWithError(c, newUnauthorizedError(apikeydomain.MsgInvalidKey))
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, newUnauthorizedError(apikeydomain.MsgInvalidKey))
			return
		}

		validation, err := s.apiKeySvc.Validate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !validation.Valid {
			AbortWithError(c, newUnauthorizedError(validation.Message))
			return
		}

		key := validation.Key
		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(key.OrgID))
		ctx = obscontext.WithOrgID(ctx, key.OrgID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAPIKeyKey, key)

		c.Next()
	}
}

func (s *Server) bootstrapOrgContext(c *gin.Context) bool {
	raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
	if raw == "" {
		return false
	}
	orgID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || orgID == 0 {
		return false
	}

	ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
	ctx = obscontext.WithOrgID(ctx, raw)
	c.Request = c.Request.WithContext(ctx)
	return true
}

// RateLimit enforces the authenticated key's own quota through the
// fixed-window limiter. Requests without a key record (bootstrap fallback)
// pass through unlimited.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := apiKeyFromContext(c)
		if key == nil {
			c.Next()
			return
		}

		result := s.limiter.Check(key.ID.String(), key.RateLimit, key.RateLimitWindowSeconds)

		c.Header("X-RateLimit-Limit", strconv.Itoa(key.RateLimit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), key.OrgID.String(), c.FullPath(), "quota")
			AbortWithError(c, ErrRateLimited)
			return
		}

		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), key.OrgID.String(), c.FullPath())
		c.Next()
	}
}

func apiKeyFromContext(c *gin.Context) *apikeydomain.APIKey {
	value, ok := c.Get(contextAPIKeyKey)
	if !ok {
		return nil
	}
	key, ok := value.(*apikeydomain.APIKey)
	if !ok {
		return nil
	}
	return key
}
