package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/inbound"
	"github.com/port-labs/ocean-sub007/mapping"
	"github.com/port-labs/ocean-sub007/reconcile"
	"github.com/port-labs/ocean-sub007/store/memory"
	"github.com/port-labs/ocean-sub007/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serviceHandler struct {
	claims bool
}

func (h *serviceHandler) Name() string { return "service-handler" }

func (h *serviceHandler) Authenticate(context.Context, core.InboundEvent) error { return nil }

func (h *serviceHandler) ValidatePayload(context.Context, core.InboundEvent) error { return nil }

func (h *serviceHandler) ShouldProcessEvent(event core.InboundEvent) bool {
	return h.claims && event.Payload["action"] != nil
}

func (h *serviceHandler) MatchingKinds(core.InboundEvent) []string { return []string{"service"} }

func (h *serviceHandler) Handle(_ context.Context, event core.InboundEvent, _ core.ResourceMapping) (core.HandlerResult, error) {
	return core.HandlerResult{UpdatedRawItems: []core.RawItem{{"id": event.Payload["service"]}}}, nil
}

func (h *serviceHandler) Cancel(context.Context) {}

func (h *serviceHandler) OnError(context.Context, error) {}

func (h *serviceHandler) MaxRetries() int { return -1 }

type stack struct {
	server  *Server
	manager *webhooks.Manager
	catalog *memory.Catalog
}

func newStack(t *testing.T, claims bool) stack {
	t.Helper()
	registry := webhooks.NewRegistry()
	if err := registry.Register("/webhook-test", func(core.InboundEvent) core.Handler {
		return &serviceHandler{claims: claims}
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	mappings := core.StaticMappings{{
		Kind:   "service",
		Entity: core.EntityTemplate{Identifier: ".id", Blueprint: `"service"`},
	}}
	catalog := memory.NewCatalog()
	engine := reconcile.NewEngine(catalog, mapping.NewExprParser(), core.ReconcileConfig{CallerTag: "ocean-webhook"}, nil)
	manager := webhooks.NewManager(registry, webhooks.NewDispatcher(registry, mappings), webhooks.ManagerOptions{
		Executor:        webhooks.NewExecutor(core.WebhookConfig{HandlerTimeoutSeconds: 5, DefaultMaxRetries: 1}, nil),
		Reconciler:      webhooks.ReconcilerFunc(engine.Apply),
		ShutdownMaxWait: 2 * time.Second,
	})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	srv, err := New(inbound.NewDispatcher(manager, nil, nil), registry.Paths(), Options{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return stack{server: srv, manager: manager, catalog: catalog}
}

func post(srv *Server, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookEndToEndUpsertsOnce(t *testing.T) {
	s := newStack(t, true)

	w := post(s.server, "/webhook-test", `{"action":"created","service":"svc-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", response)
	}
	if w.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("expected trace id header")
	}

	if err := s.manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	calls := s.catalog.UpsertCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one upsert call, got %d", len(calls))
	}
	if len(calls[0]) != 1 || calls[0][0].Identifier != "svc-1" {
		t.Fatalf("unexpected upsert batch %+v", calls[0])
	}
}

func TestWebhookRejectsUnclaimedEvent(t *testing.T) {
	s := newStack(t, false)
	defer s.manager.Shutdown(context.Background())

	w := post(s.server, "/webhook-test", `{"action":"created"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["status"] != "error" || response["code"] != core.ErrorEventNotSupported {
		t.Fatalf("unexpected error body %v", response)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	s := newStack(t, true)
	defer s.manager.Shutdown(context.Background())

	w := post(s.server, "/webhook-test", `{"action":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServerRoutesAndHealth(t *testing.T) {
	srv, err := New(inbound.NewDispatcher(&webhooks.Manager{}, nil, nil), []string{"hooks/github"}, Options{PathPrefix: "/integration/"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if routes := srv.Routes(); len(routes) != 1 || routes[0] != "/integration/hooks/github" {
		t.Fatalf("unexpected routes %v", routes)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", w.Code)
	}

	if _, err := New(nil, nil, Options{}); !core.IsConfiguration(err) {
		t.Fatalf("expected configuration error for missing dispatcher, got %v", err)
	}
}

func TestServerMountsMetricsHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ocean_inbound_dispatch_total 1\n"))
	})
	srv, err := New(inbound.NewDispatcher(&webhooks.Manager{}, nil, nil), nil, Options{MetricsHandler: metrics})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("ocean_inbound_dispatch_total")) {
		t.Fatalf("expected metrics exposition, got %d %q", w.Code, w.Body.String())
	}
}
