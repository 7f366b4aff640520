package gateway

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, x-api-key"
)

// cors answers preflights and decorates responses for the configured origins.
// The asset is embedded by third-party pages, so "*" is the usual setting;
// authorization never depends on CORS.
type cors struct {
	any     bool
	allowed map[string]struct{}
}

func newCORS(origins []string) *cors {
	c := &cors{allowed: map[string]struct{}{}}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			c.any = true
		default:
			c.allowed[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}
	return c
}

func (c *cors) allows(origin string) bool {
	_, ok := c.allowed[origin]
	return ok
}

// Headers marks responses readable by allowed origins, rejections included.
func (c *cors) Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case c.any:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && c.allows(origin):
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

// Preflight answers OPTIONS requests. It sits behind admission so that
// preflights are charged like any other request.
func (c *cors) Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); !c.any && origin != "" && !c.allows(origin) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", corsMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	})
}
