// Package prometheus records runtime operation metrics into a prometheus
// registry.
package prometheus

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/port-labs/ocean-sub007/core"
)

// DurationBuckets are the millisecond buckets of every duration histogram.
var DurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

type counterEntry struct {
	vec    *prom.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prom.HistogramVec
	labels []string
}

// Recorder implements core.MetricsRecorder. A metric's label set is fixed by
// its first observation; later tags outside that set are dropped and missing
// ones are recorded empty.
type Recorder struct {
	registry *prom.Registry

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

func NewRecorder(registry *prom.Registry) *Recorder {
	if registry == nil {
		registry = prom.NewRegistry()
	}
	return &Recorder{
		registry:   registry,
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
}

func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	entry, err := r.counter(MetricName(name), tags)
	if err != nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	entry, err := r.histogram(MetricName(name), tags)
	if err != nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) (*counterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[name]; ok {
		return entry, nil
	}
	labels := labelNames(tags)
	vec := prom.NewCounterVec(prom.CounterOpts{
		Name: name,
		Help: "Count of " + strings.ReplaceAll(name, "_", " ") + ".",
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		return nil, err
	}
	entry := &counterEntry{vec: vec, labels: labels}
	r.counters[name] = entry
	return entry, nil
}

func (r *Recorder) histogram(name string, tags map[string]string) (*histogramEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[name]; ok {
		return entry, nil
	}
	labels := labelNames(tags)
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    name,
		Help:    "Distribution of " + strings.ReplaceAll(name, "_", " ") + ".",
		Buckets: DurationBuckets,
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		return nil, err
	}
	entry := &histogramEntry{vec: vec, labels: labels}
	r.histograms[name] = entry
	return entry, nil
}

// MetricName maps a dotted metric name such as ocean.inbound_dispatch.total
// to a valid prometheus name.
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == ':':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "ocean_unnamed"
	}
	return b.String()
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		if label := MetricName(key); label != "" && !strings.HasPrefix(label, "__") {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[MetricName(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = normalized[label]
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
