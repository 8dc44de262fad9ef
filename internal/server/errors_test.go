package server

import (
	"fmt"
	"net/http"
	"testing"

	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid request", ErrInvalidRequest, http.StatusBadRequest, "validation_error"},
		{"webhook invalid organization", webhookdomain.ErrInvalidOrganization, http.StatusBadRequest, "validation_error"},
		{"api key invalid organization", apikeydomain.ErrInvalidOrganization, http.StatusBadRequest, "validation_error"},
		{"webhook invalid url", webhookdomain.ErrInvalidURL, http.StatusBadRequest, "validation_error"},
		{"api key invalid rate limit", apikeydomain.ErrInvalidRateLimit, http.StatusBadRequest, "validation_error"},
		{"wrapped invalid organization", fmt.Errorf("create webhook: %w", webhookdomain.ErrInvalidOrganization), http.StatusBadRequest, "validation_error"},
		{"unauthorized", newUnauthorizedError("Invalid API key"), http.StatusUnauthorized, "unauthorized"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"conflict", ErrConflict, http.StatusConflict, "conflict"},
		{"webhook not found", webhookdomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, "not_found"},
		{"payload too large", webhookdomain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"unknown error", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal_error"},
		{"nil error", nil, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantType, payload.Type)
		})
	}
}

func TestMapErrorCarriesUnauthorizedMessage(t *testing.T) {
	_, payload := mapError(newUnauthorizedError("API key expired"))
	assert.Equal(t, "API key expired", payload.Message)
}

func TestMapErrorValidationFields(t *testing.T) {
	status, payload := mapError(webhookdomain.ErrInvalidOrganization)
	assert.Equal(t, http.StatusBadRequest, status)
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "organization", payload.Errors[0].Field)
		assert.Equal(t, "invalid_organization", payload.Errors[0].Code)
	}
}
