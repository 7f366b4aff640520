package gateway

import (
	"context"
	"net/http"

	"github.com/polisai/assetgate/pkg/management"
)

type domainsRequest struct {
	Domains []string `json:"domains"`
}

type domainsResponse struct {
	Domains []string `json:"domains"`
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Manager.ListAll(r.Context())
	if err != nil {
		s.deps.Logger.Error("Listing domains failed", "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainsResponse{Domains: names})
}

func (s *Server) handleAddDomains(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, s.deps.Manager.AddAll)
}

func (s *Server) handleRemoveDomains(w http.ResponseWriter, r *http.Request) {
	s.batch(w, r, s.deps.Manager.RemoveAll)
}

// batch decodes {"domains": [...]} and applies op. Per-entry failures are reported
// in the body; the status is 200 unless the request itself is malformed.
func (s *Server) batch(w http.ResponseWriter, r *http.Request, op func(context.Context, []string) management.BatchResult) {
	var req domainsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.inputError(w, r, `request body must be {"domains": [...]}`)
		return
	}
	if len(req.Domains) == 0 {
		s.inputError(w, r, "domains must not be empty")
		return
	}

	result := op(r.Context(), req.Domains)
	writeJSON(w, http.StatusOK, result)
}
