package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS lets browser clients in origins manage messages and fetch attachments.
// Content-Disposition is exposed so downloads keep their filename.
func CORS(origins []string, credentials bool) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: credentials,
		MaxAge:           300,
	})
}
