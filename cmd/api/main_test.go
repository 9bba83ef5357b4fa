package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/waha-bridge/internal/app/bootstrap"
	appconfig "github.com/wolfman30/waha-bridge/internal/config"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

func TestSetupMessagingMetricsExposesMetrics(t *testing.T) {
	handler, metrics := setupMessagingMetrics()
	if handler == nil || metrics == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	metrics.ObserveWebhook("message", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "waha_bridge_messaging_webhook_total") {
		t.Fatalf("expected webhook counter to be exported")
	}
}

func TestSessionReadersFallBackToDefaults(t *testing.T) {
	cfg := &appconfig.Config{WAHABaseURL: "http://waha:3000", WAHAAPIKey: "default-key"}
	readers := sessionReaders(cfg, logging.New("error"))

	reader, err := readers(&messaging.Account{ID: uuid.New(), Session: "default"})
	if err != nil {
		t.Fatalf("build reader: %v", err)
	}
	client, ok := reader.(*wahaclient.Client)
	if !ok {
		t.Fatalf("expected wahaclient reader, got %T", reader)
	}
	if client.BaseURL() != "http://waha:3000" || client.Session() != "default" {
		t.Fatalf("unexpected client %s/%s", client.BaseURL(), client.Session())
	}
}

func TestHealthChecksIncludeConfiguredDependencies(t *testing.T) {
	if checks := healthChecks(nil, nil, nil); len(checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(checks))
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	checks := healthChecks(nil, nil, client)
	check, ok := checks["redis"]
	if !ok {
		t.Fatalf("expected redis check")
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("redis check: %v", err)
	}
}

func TestHistoryForWithoutRedis(t *testing.T) {
	core := &bootstrap.Core{}
	if historyFor(core) != nil {
		t.Fatalf("expected nil history without redis")
	}
}
