package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusAndCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"nil", nil, http.StatusOK, CodeInternal},
		{"rate", fmt.Errorf("admit: %w", ErrRateExceeded), http.StatusTooManyRequests, CodeRateLimited},
		{"input", NewInputError("domain is required"), http.StatusBadRequest, CodeInvalidInput},
		{"unparseable", fmt.Errorf("%w: no host", ErrUnparseable), http.StatusBadRequest, CodeInvalidInput},
		{"denied", ErrAuthorizationDenied, http.StatusForbidden, CodeForbidden},
		{"store", fmt.Errorf("exists: %w", ErrStoreUnavailable), http.StatusInternalServerError, CodeStoreFailed},
		{"upstream", fmt.Errorf("fetch: %w", ErrUpstreamUnreachable), http.StatusBadGateway, CodeUpstream},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.code, ErrorCode(tt.err))
			}
		})
	}
}

func TestRateLimitingNeverBecomes5xx(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrRateExceeded, ErrStoreUnavailable)
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(err))
}

func TestDomainErrorCodeWins(t *testing.T) {
	err := &DomainError{Err: ErrStoreUnavailable, Code: "CUSTOM"}
	assert.Equal(t, "CUSTOM", ErrorCode(err))
	assert.Equal(t, ErrStoreUnavailable.Error(), err.Error())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestParseAccessPolicy(t *testing.T) {
	for in, want := range map[string]AccessPolicy{
		"":               RequireBoth,
		"require_key":    RequireKey,
		"Require-Domain": RequireDomain,
		" REQUIRE_BOTH ": RequireBoth,
	} {
		got, err := ParseAccessPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAccessPolicy("allow_all")
	assert.ErrorIs(t, err, ErrConfigInvalid)

	assert.True(t, RequireBoth.KeyRequired())
	assert.True(t, RequireBoth.DomainRequired())
	assert.False(t, RequireKey.DomainRequired())
	assert.False(t, RequireDomain.KeyRequired())
}

func TestOutcomeDenied(t *testing.T) {
	assert.False(t, OutcomeAllowed.Denied())
	assert.False(t, OutcomeError.Denied(), "errors are not denials")
	for _, o := range []Outcome{OutcomeDeniedNoOrigin, OutcomeDeniedUnknownDomain, OutcomeDeniedBadKey} {
		assert.True(t, o.Denied(), o)
	}
	assert.True(t, Decision{Outcome: OutcomeAllowed}.Allowed())
	assert.False(t, Decision{Outcome: OutcomeError}.Allowed())
}
