package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/waha-bridge/internal/events"
)

func TestCorrelationCopiesRequestID(t *testing.T) {
	var got string
	handler := chimw.RequestID(Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = events.CorrelationID(r.Context())
	})))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/waha", nil)
	req.Header.Set(chimw.RequestIDHeader, "hook-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "hook-7" {
		t.Fatalf("expected correlation id hook-7, got %q", got)
	}
}

func TestCorrelationWithoutRequestID(t *testing.T) {
	var got string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = events.CorrelationID(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if got != "" {
		t.Fatalf("expected no correlation id, got %q", got)
	}
}
