package domain

import (
	"fmt"
	"strings"
)

// DomainEntry is one allowlisted domain. Name is canonical and unique across the
// store; entries are never updated in place, only removed and re-added.
//
//nolint:revive // DomainEntry reads better than Entry at call sites outside the package
type DomainEntry struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Outcome is the result class of an access decision.
type Outcome string

const (
	// OutcomeAllowed means the origin (and key, when required) passed every check.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeDeniedNoOrigin means neither Origin nor Referer was supplied.
	OutcomeDeniedNoOrigin Outcome = "denied_no_origin"
	// OutcomeDeniedUnknownDomain means the origin is unparseable or not allowlisted.
	OutcomeDeniedUnknownDomain Outcome = "denied_unknown_domain"
	// OutcomeDeniedBadKey means the presented key is missing or wrong.
	OutcomeDeniedBadKey Outcome = "denied_bad_key"
	// OutcomeError means the decision could not be made, typically a store failure.
	OutcomeError Outcome = "error"
)

// Denied reports whether the outcome is one of the denial outcomes.
func (o Outcome) Denied() bool {
	switch o {
	case OutcomeDeniedNoOrigin, OutcomeDeniedUnknownDomain, OutcomeDeniedBadKey:
		return true
	}
	return false
}

// Decision is the ephemeral result of one authorization check.
type Decision struct {
	Outcome Outcome
	// Domain is the canonical matched domain on OutcomeAllowed, and the normalized
	// candidate on OutcomeDeniedUnknownDomain when it could be parsed.
	Domain string
	// Err is set on OutcomeError only.
	Err error
}

// Allowed reports whether access is granted.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// AccessPolicy selects which checks the decision engine enforces.
type AccessPolicy string

const (
	// RequireKey checks only the shared key.
	RequireKey AccessPolicy = "require_key"
	// RequireDomain checks only the caller's origin against the allowlist.
	RequireDomain AccessPolicy = "require_domain"
	// RequireBoth checks the key first, then the origin.
	RequireBoth AccessPolicy = "require_both"
)

// ParseAccessPolicy accepts the policy names case-insensitively, with either
// underscores or dashes.
func ParseAccessPolicy(s string) (AccessPolicy, error) {
	p := AccessPolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch p {
	case RequireKey, RequireDomain, RequireBoth:
		return p, nil
	case "":
		return RequireBoth, nil
	}
	return "", fmt.Errorf("%w: unknown access policy %q", ErrConfigInvalid, s)
}

// KeyRequired reports whether the policy checks the shared key.
func (p AccessPolicy) KeyRequired() bool {
	return p == RequireKey || p == RequireBoth
}

// DomainRequired reports whether the policy checks the origin.
func (p AccessPolicy) DomainRequired() bool {
	return p == RequireDomain || p == RequireBoth
}
