package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Cors allows cross-origin calls from allowOrigins only. With no origins
// every cross-origin request is refused.
func Cors(allowOrigins ...string) mux.MiddlewareFunc {
	opts := cors.Options{
		AllowedOrigins: allowOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID", "X-Actor"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "Content-Disposition"},
		AllowCredentials: true,
	}
	if len(allowOrigins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(opts).Handler
}
