package core

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"webhook":          "/webhook",
		"/webhook/":        "/webhook",
		"  /integration ":  "/integration",
		"/":                "/",
		"///":              "/",
		"/github/events//": "/github/events",
	}
	for input, want := range cases {
		got, err := NormalizePath(input)
		if err != nil {
			t.Fatalf("normalize %q: %v", input, err)
		}
		if got != want {
			t.Fatalf("normalize %q: expected %q, got %q", input, want, got)
		}
	}
	for _, input := range []string{"", "  ", "/with space", "/query?x=1", "/frag#x"} {
		if _, err := NormalizePath(input); err == nil {
			t.Fatalf("expected error normalizing %q", input)
		}
	}
}

func TestEntityRelatedIdentifiersDedupesAndSorts(t *testing.T) {
	entity := Entity{
		Identifier: "svc",
		Blueprint:  "service",
		Relations: map[string][]string{
			"team":    {"platform", " "},
			"depends": {"lib-b", "lib-a", "platform"},
		},
	}
	got := strings.Join(entity.RelatedIdentifiers(), ",")
	if got != "lib-a,lib-b,platform" {
		t.Fatalf("unexpected related identifiers %q", got)
	}
	if (Entity{}).RelatedIdentifiers() != nil {
		t.Fatalf("expected nil related identifiers without relations")
	}
}

func TestEntityKeyTrimsAndValidates(t *testing.T) {
	key := Entity{Identifier: " svc ", Blueprint: " service "}.Key()
	if key.String() != "service/svc" || !key.Valid() {
		t.Fatalf("unexpected key %+v", key)
	}
	if (EntityKey{Blueprint: "service"}).Valid() {
		t.Fatalf("expected key without identifier to be invalid")
	}
}

func TestEntityCloneIsIndependent(t *testing.T) {
	original := Entity{
		Identifier: "svc",
		Blueprint:  "service",
		Properties: map[string]any{"tags": []any{"a"}, "meta": map[string]any{"tier": 1}},
		Relations:  map[string][]string{"team": {"platform"}},
	}
	cloned := original.Clone()
	cloned.Properties["tags"].([]any)[0] = "mutated"
	cloned.Properties["meta"].(map[string]any)["tier"] = 2
	cloned.Relations["team"][0] = "other"

	if original.Properties["tags"].([]any)[0] != "a" {
		t.Fatalf("expected nested slice copy")
	}
	if original.Properties["meta"].(map[string]any)["tier"] != 1 {
		t.Fatalf("expected nested map copy")
	}
	if original.Relations["team"][0] != "platform" {
		t.Fatalf("expected relation copy")
	}
}

func TestInboundEventCloneAndHeaderLookup(t *testing.T) {
	event := InboundEvent{
		Path:    "/hook",
		Payload: map[string]any{"action": "opened"},
		Headers: map[string]string{"X-GitHub-Event": " push "},
		Body:    []byte("{}"),
	}
	cloned := event.Clone()
	cloned.Payload["action"] = "closed"
	cloned.Headers["X-GitHub-Event"] = "issues"
	cloned.Body[0] = '['

	if event.Payload["action"] != "opened" || event.Body[0] != '{' {
		t.Fatalf("expected clone to be independent of the original")
	}
	if got := event.Header("x-github-event"); got != "push" {
		t.Fatalf("expected case-insensitive trimmed header, got %q", got)
	}
}

func TestStaticMappingsReturnsCopy(t *testing.T) {
	mappings := StaticMappings{{Kind: "repository"}}
	got, err := mappings.Mappings(context.Background())
	if err != nil {
		t.Fatalf("mappings: %v", err)
	}
	got[0].Kind = "mutated"
	if mappings[0].Kind != "repository" {
		t.Fatalf("expected static mappings to return a copy")
	}
}
