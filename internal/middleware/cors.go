// Package middleware holds small net/http.Handler wrappers shared by the
// node's HTTP surfaces (admission, Ollama-compatibility).
package middleware

import "net/http"

// CORS wraps handler, adding CORS headers for the given allowed origins. An
// empty allowedOrigins disables CORS entirely (no headers are added). A
// single "*" entry allows any origin.
func CORS(allowedOrigins []string, handler http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return handler
	}

	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; allowAll || ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Node-Token")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		handler.ServeHTTP(w, r)
	})
}
