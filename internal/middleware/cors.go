// Package middleware provides HTTP middleware shared by the backend and the engine.
package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const corsHeaders = "Authorization, Content-Type"

var corsMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// CORS returns middleware that answers for the listed origins. The allowed
// methods are the ones the chi router has registered for the request path.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			wildcard, explicit := false, false
			for _, o := range allowedOrigins {
				if o == "*" {
					wildcard = true
				} else if o == origin {
					explicit = true
				}
			}

			if origin != "" && (wildcard || explicit) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", routeMethods(r))
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; a wildcard-echoed origin would allow CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// routeMethods lists the methods routed for r's path, falling back to every
// CORS method outside a chi router or for an unknown path.
func routeMethods(r *http.Request) string {
	methods := make([]string, 0, len(corsMethods)+1)
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.Routes != nil {
		for _, m := range corsMethods {
			if rctx.Routes.Match(chi.NewRouteContext(), m, r.URL.Path) {
				methods = append(methods, m)
			}
		}
	}
	if len(methods) == 0 {
		methods = append(methods, corsMethods...)
	}
	return strings.Join(append(methods, http.MethodOptions), ", ")
}
