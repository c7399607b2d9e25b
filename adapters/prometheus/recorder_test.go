package prometheus

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/port-labs/ocean-sub007/core"
)

func TestRecorderCountsObserverOperations(t *testing.T) {
	recorder := NewRecorder(nil)
	observer := core.NewObserver(nil, recorder)
	ctx := context.Background()

	observer.ObserveOperation(ctx, time.Now(), "inbound_dispatch", nil, map[string]any{"path": "/webhook"})
	observer.ObserveOperation(ctx, time.Now(), "inbound_dispatch", nil, map[string]any{"path": "/webhook"})

	family := gatherFamily(t, recorder, "ocean_inbound_dispatch_total")
	if len(family.GetMetric()) != 1 {
		t.Fatalf("expected one label combination, got %d", len(family.GetMetric()))
	}
	metric := family.GetMetric()[0]
	if metric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected counter value 2, got %v", metric.GetCounter().GetValue())
	}
	labels := map[string]string{}
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["path"] != "/webhook" || labels["status"] != "success" || labels["operation"] != "inbound_dispatch" {
		t.Fatalf("unexpected labels %+v", labels)
	}

	histogram := gatherFamily(t, recorder, "ocean_inbound_dispatch_duration_ms")
	if histogram.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected two duration samples")
	}
}

func TestRecorderKeepsFirstLabelSet(t *testing.T) {
	recorder := NewRecorder(nil)
	ctx := context.Background()

	recorder.IncCounter(ctx, "ocean.worker.total", 1, map[string]string{"path": "/a"})
	recorder.IncCounter(ctx, "ocean.worker.total", 1, map[string]string{"path": "/a", "handler": "extra"})
	recorder.IncCounter(ctx, "ocean.worker.total", 1, nil)

	family := gatherFamily(t, recorder, "ocean_worker_total")
	var total float64
	for _, metric := range family.GetMetric() {
		if len(metric.GetLabel()) != 1 {
			t.Fatalf("expected only the path label, got %+v", metric.GetLabel())
		}
		total += metric.GetCounter().GetValue()
	}
	if total != 3 {
		t.Fatalf("expected all increments recorded, got %v", total)
	}
}

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"ocean.inbound_dispatch.total": "ocean_inbound_dispatch_total",
		"ocean-webhook.run":            "ocean_webhook_run",
		"9lives":                       "_9lives",
		"":                             "ocean_unnamed",
	}
	for input, want := range cases {
		if got := MetricName(input); got != want {
			t.Fatalf("MetricName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := NewRecorder(nil)
	recorder.IncCounter(context.Background(), "ocean.resync.total", 1, map[string]string{"status": "success"})

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), `ocean_resync_total{status="success"} 1`) {
		t.Fatalf("expected exposition to contain counter, got:\n%s", body)
	}
}

func gatherFamily(t *testing.T, recorder *Recorder, name string) *dto.MetricFamily {
	t.Helper()
	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}
