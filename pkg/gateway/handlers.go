package gateway

import (
	"net/http"
	"strings"

	"github.com/polisai/assetgate/pkg/authz"
	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/origin"
)

const maxBodyBytes = 64 << 10

// Route labels used for decision metrics and spans.
const (
	routeValidate       = "validate"
	routeValidateDomain = "validate_domain"
	routeAsset          = "asset"
)

type decisionResponse struct {
	Allowed bool   `json:"allowed"`
	Domain  string `json:"domain,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Key     string `json:"key,omitempty"`
}

type validateDomainRequest struct {
	Domain *string `json:"domain"`
}

// handleValidate checks the x-api-key header and the declared origin.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Engine.Decide(r.Context(), authz.Query{
		Origin: origin.FromRequest(r),
		Key:    r.Header.Get("x-api-key"),
		Route:  routeValidate,
	})
	if !s.settle(w, r, d, routeValidate) {
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Allowed: true, Domain: d.Domain})
}

// handleValidateDomain checks a domain named in the body against the allowlist and
// hands out the client key to allowed callers.
func (s *Server) handleValidateDomain(w http.ResponseWriter, r *http.Request) {
	var req validateDomainRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.inputError(w, r, "request body must be a JSON object with a domain field")
		return
	}
	if req.Domain == nil || strings.TrimSpace(*req.Domain) == "" {
		s.inputError(w, r, "domain is required")
		return
	}

	d := s.domainOnly.Decide(r.Context(), authz.Query{Origin: *req.Domain, Route: routeValidateDomain})
	if d.Outcome == domain.OutcomeError {
		writeError(w, r, d.Err)
		return
	}

	resp := decisionResponse{Allowed: d.Allowed(), Domain: d.Domain}
	if d.Allowed() || s.opts.RevealKeyOnDenial {
		resp.Key = s.opts.ClientKey
	}
	if !d.Allowed() {
		resp.Reason = string(d.Outcome)
		s.auditDenial(r, routeValidateDomain, d)
		writeJSON(w, http.StatusForbidden, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAsset streams the protected asset to authorized callers.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Engine.Decide(r.Context(), authz.Query{
		Origin: origin.FromRequest(r),
		Key:    r.Header.Get("x-api-key"),
		Route:  routeAsset,
	})
	if !s.settle(w, r, d, routeAsset) {
		return
	}

	if err := s.deps.Fetcher.Serve(w, r); err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.deps.Logger.Error("Asset fetch failed", "domain", d.Domain, "error", err)
		writeError(w, r, err)
	}
}

// settle writes the response for a non-allowed decision and reports whether the
// caller should continue.
func (s *Server) settle(w http.ResponseWriter, r *http.Request, d domain.Decision, route string) bool {
	switch {
	case d.Allowed():
		return true
	case d.Outcome == domain.OutcomeError:
		writeError(w, r, d.Err)
	default:
		s.auditDenial(r, route, d)
		writeJSON(w, http.StatusForbidden, decisionResponse{Reason: string(d.Outcome)})
	}
	return false
}

func (s *Server) auditDenial(r *http.Request, route string, d domain.Decision) {
	s.deps.Logger.Info("Access denied",
		"route", route,
		"outcome", d.Outcome,
		"domain", d.Domain,
		"source", s.source(r),
	)
}

func (s *Server) inputError(w http.ResponseWriter, r *http.Request, msg string) {
	s.deps.Logger.Debug("Rejected malformed request", "path", r.URL.Path, "source", s.source(r), "reason", msg)
	writeError(w, r, domain.NewInputError(msg))
}
