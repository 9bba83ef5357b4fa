package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/waha-bridge/internal/events"
)

// Correlation stamps the chi request id onto the request context so outbox
// events written while serving the request can be traced back to it.
// Must run after chimw.RequestID.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			r = r.WithContext(events.WithCorrelation(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
