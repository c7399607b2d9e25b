package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// EntityKey is the catalog identity of an entity.
type EntityKey struct {
	Blueprint  string
	Identifier string
}

func (k EntityKey) String() string {
	return k.Blueprint + "/" + k.Identifier
}

func (k EntityKey) Valid() bool {
	return strings.TrimSpace(k.Blueprint) != "" && strings.TrimSpace(k.Identifier) != ""
}

type Entity struct {
	Identifier string
	Blueprint  string
	Title      string
	Properties map[string]any
	// Relations maps a relation name to the identifiers it points at.
	Relations map[string][]string
}

func (e Entity) Key() EntityKey {
	return EntityKey{
		Blueprint:  strings.TrimSpace(e.Blueprint),
		Identifier: strings.TrimSpace(e.Identifier),
	}
}

// RelatedIdentifiers returns every identifier referenced by the entity
// relations, deduplicated and sorted.
func (e Entity) RelatedIdentifiers() []string {
	if len(e.Relations) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, targets := range e.Relations {
		for _, target := range targets {
			target = strings.TrimSpace(target)
			if target == "" {
				continue
			}
			if _, exists := seen[target]; exists {
				continue
			}
			seen[target] = struct{}{}
			out = append(out, target)
		}
	}
	sort.Strings(out)
	return out
}

func (e Entity) Clone() Entity {
	cloned := e
	cloned.Properties = CloneAnyMap(e.Properties)
	if e.Relations != nil {
		cloned.Relations = make(map[string][]string, len(e.Relations))
		for name, targets := range e.Relations {
			cloned.Relations[name] = append([]string(nil), targets...)
		}
	}
	return cloned
}

type EntityTemplate struct {
	Identifier string            `yaml:"identifier" json:"identifier"`
	Blueprint  string            `yaml:"blueprint" json:"blueprint"`
	Title      string            `yaml:"title" json:"title"`
	Properties map[string]string `yaml:"properties" json:"properties"`
	Relations  map[string]string `yaml:"relations" json:"relations"`
}

type Selector struct {
	Query string `yaml:"query" json:"query"`
}

// ResourceMapping is one resolved entry of the active port app config.
type ResourceMapping struct {
	Kind     string         `yaml:"kind" json:"kind"`
	Selector Selector       `yaml:"selector" json:"selector"`
	Entity   EntityTemplate `yaml:"entity" json:"entity"`
}

type MappingSource interface {
	Mappings(ctx context.Context) ([]ResourceMapping, error)
}

// StaticMappings is a MappingSource over an already resolved list.
type StaticMappings []ResourceMapping

func (m StaticMappings) Mappings(context.Context) ([]ResourceMapping, error) {
	return append([]ResourceMapping(nil), m...), nil
}

// InboundEvent is immutable after creation. Handlers receive a Clone.
type InboundEvent struct {
	TraceID string
	Path    string
	Payload map[string]any
	Headers map[string]string
	Body    []byte
}

func (e InboundEvent) Clone() InboundEvent {
	return InboundEvent{
		TraceID: e.TraceID,
		Path:    e.Path,
		Payload: CloneAnyMap(e.Payload),
		Headers: cloneStringMap(e.Headers),
		Body:    append([]byte(nil), e.Body...),
	}
}

func (e InboundEvent) Header(key string) string {
	return HeaderValue(e.Headers, key)
}

type RawItem = map[string]any

type HandlerResult struct {
	UpdatedRawItems []RawItem
	DeletedRawItems []RawItem
}

// Handler processes one inbound event for one resource mapping. A new
// instance is built per (mapping, handler) pair from a private event copy.
type Handler interface {
	Name() string
	Authenticate(ctx context.Context, event InboundEvent) error
	ValidatePayload(ctx context.Context, event InboundEvent) error
	ShouldProcessEvent(event InboundEvent) bool
	MatchingKinds(event InboundEvent) []string
	Handle(ctx context.Context, event InboundEvent, mapping ResourceMapping) (HandlerResult, error)
	Cancel(ctx context.Context)
	OnError(ctx context.Context, err error)
	// MaxRetries bounds RetryableError retries; negative means use the
	// configured default.
	MaxRetries() int
}

type HandlerFactory func(event InboundEvent) Handler

// HandlerOutcome is the joined result of one (mapping, handler) pair for one
// event. Err is set when the pair failed; siblings are unaffected.
type HandlerOutcome struct {
	Mapping  ResourceMapping
	Handler  string
	Result   HandlerResult
	Attempts int
	Err      error
}

func (o HandlerOutcome) Failed() bool {
	return o.Err != nil
}

type EntityQuery struct {
	Blueprint   string
	Identifiers []string
}

// Catalog is the external store of typed entities.
type Catalog interface {
	// Upsert is best-effort and returns the entities that were applied.
	Upsert(ctx context.Context, entities []Entity, callerTag string) ([]Entity, error)
	Delete(ctx context.Context, entities []Entity, callerTag string) error
	SearchEntities(ctx context.Context, query EntityQuery) ([]Entity, error)
}

// ParseResult carries the entity resolved from a raw item. Matched is false
// when the mapping selector filtered the item out; Entity still carries the
// resolved identity in that case when it could be computed.
type ParseResult struct {
	Entity  Entity
	Matched bool
}

type EntityParser interface {
	Parse(ctx context.Context, item RawItem, mapping ResourceMapping) (ParseResult, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type InboundRequest struct {
	Path     string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	TraceID    string
	Metadata   map[string]any
}

func HeaderValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// NormalizePath returns a leading-slash path without a trailing slash.
func NormalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("core: path is required")
	}
	if strings.ContainsAny(path, " \t\n?#") {
		return "", fmt.Errorf("core: invalid path %q", path)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		path = trimmed
	} else {
		path = "/"
	}
	return path, nil
}

// CloneAnyMap copies nested maps and slices so that the copy can be mutated
// independently.
func CloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneAnyValue(value)
	}
	return out
}

func cloneAnyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CloneAnyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for index, item := range typed {
			out[index] = cloneAnyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case []map[string]any:
		out := make([]map[string]any, len(typed))
		for index, item := range typed {
			out[index] = CloneAnyMap(item)
		}
		return out
	default:
		return value
	}
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
