package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/port-labs/ocean-sub007/core"
)

func TestChildCopiesAttributesWithoutMutatingParent(t *testing.T) {
	parent := New(KindResync, WithAttributes(map[string]any{"a": 1, "b": 2}))
	child := parent.Child(KindWebhook, WithAttributes(map[string]any{"b": 3}))

	if value, _ := child.Get("a"); value != 1 {
		t.Fatalf("expected inherited attribute, got %v", value)
	}
	if value, _ := child.Get("b"); value != 3 {
		t.Fatalf("expected override, got %v", value)
	}
	child.Set("c", 4)
	if _, ok := parent.Get("c"); ok {
		t.Fatalf("expected child mutation to stay private")
	}
	if value, _ := parent.Get("b"); value != 2 {
		t.Fatalf("expected parent attribute unchanged, got %v", value)
	}
	if child.Parent() != parent {
		t.Fatalf("expected parent link")
	}
	if child.Sorter() != parent.Sorter() {
		t.Fatalf("expected sorter shared with parent")
	}
	if child.Kind() != KindWebhook {
		t.Fatalf("expected child kind webhook, got %s", child.Kind())
	}
}

func TestChildInheritsMappingUnlessReplaced(t *testing.T) {
	parent := New(KindResync, WithMapping(core.ResourceMapping{Kind: "repository"}))
	inherited := parent.Child("")
	if mapping, ok := inherited.Mapping(); !ok || mapping.Kind != "repository" {
		t.Fatalf("expected inherited mapping, got %+v", mapping)
	}
	replaced := parent.Child("", WithMapping(core.ResourceMapping{Kind: "issue"}))
	if mapping, _ := replaced.Mapping(); mapping.Kind != "issue" {
		t.Fatalf("expected replaced mapping, got %+v", mapping)
	}
	if inherited.Kind() != KindResync {
		t.Fatalf("expected inherited kind, got %s", inherited.Kind())
	}
}

func TestCloneDeepCopiesAttributes(t *testing.T) {
	original := New(KindWebhook, WithAttributes(map[string]any{
		"nested": map[string]any{"count": 1},
	}))
	cloned := original.Clone()
	nested, _ := cloned.Get("nested")
	nested.(map[string]any)["count"] = 2

	current, _ := original.Get("nested")
	if current.(map[string]any)["count"] != 1 {
		t.Fatalf("expected clone to deep copy attributes")
	}
	if cloned.ID() != original.ID() || cloned.Sorter() != original.Sorter() {
		t.Fatalf("expected clone to keep identity and sorter")
	}
}

func TestAbortRunsCallbacksBestEffort(t *testing.T) {
	ec := New(KindResync)
	var calls atomic.Int32
	ec.OnAbort(func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})
	ec.OnAbort(func(context.Context) error {
		calls.Add(1)
		panic("callback panic")
	})
	ec.OnAbort(func(context.Context) error {
		calls.Add(1)
		return nil
	})

	ec.Abort(context.Background())
	ec.Abort(context.Background())

	if !ec.Aborted() {
		t.Fatalf("expected aborted")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected each callback once, got %d", calls.Load())
	}

	ec.OnAbort(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if calls.Load() != 4 {
		t.Fatalf("expected late callback to run immediately")
	}
}

func TestAbortPropagatesToDescendants(t *testing.T) {
	root := New(KindResync)
	child := root.Child(KindWebhook)
	root.Abort(context.Background())
	if !child.Aborted() {
		t.Fatalf("expected descendant to observe abort")
	}
}

func TestAbortRunsDescendantCallbacks(t *testing.T) {
	root := New(KindResync)
	child := root.Child(KindResync)
	grandchild := child.Child(KindWebhook)
	queued := grandchild.Clone()
	released := child.Child(KindWebhook)
	released.Release()

	var order []string
	var mu sync.Mutex
	record := func(name string) AbortFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	child.OnAbort(record("child"))
	grandchild.OnAbort(record("grandchild"))
	queued.OnAbort(record("queued"))
	released.OnAbort(record("released"))

	root.Abort(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "child" {
		t.Fatalf("expected child then both descendants, got %v", order)
	}
	for _, name := range order {
		if name == "released" {
			t.Fatalf("expected released context to stay detached, got %v", order)
		}
	}

	late := 0
	grandchild.OnAbort(func(context.Context) error {
		late++
		return nil
	})
	if late != 1 {
		t.Fatalf("expected callback on aborted descendant to run immediately")
	}
}

func TestCacheFetchesOnce(t *testing.T) {
	ec := New(KindWebhook)
	var fetches atomic.Int32
	var wg sync.WaitGroup
	for index := 0; index < 16; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := Cache(context.Background(), ec, "catalog.exists::service::a", func(context.Context) (bool, error) {
				fetches.Add(1)
				return true, nil
			})
			if err != nil || !value {
				t.Errorf("cache: %v %v", value, err)
			}
		}()
	}
	wg.Wait()
	if fetches.Load() != 1 {
		t.Fatalf("expected a single fetch, got %d", fetches.Load())
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	ec := New(KindWebhook)
	_, err := Cache(context.Background(), ec, "k", func(context.Context) (int, error) {
		return 0, errors.New("unavailable")
	})
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	value, err := Cache(context.Background(), ec, "k", func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || value != 7 {
		t.Fatalf("expected refetch after error, got %d %v", value, err)
	}
}

func TestScopeThreadsContext(t *testing.T) {
	root := New(KindResync, WithAttributes(map[string]any{"tenant": "acme"}))
	ctx := WithContext(context.Background(), root)

	err := Scope(ctx, KindWebhook, func(ctx context.Context, ec *Context) error {
		current := Current(ctx)
		if current != ec || current.Parent() != root {
			t.Fatalf("expected scoped child to be current")
		}
		if value, _ := current.Get("tenant"); value != "acme" {
			t.Fatalf("expected inherited tenant, got %v", value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if Current(ctx) != root {
		t.Fatalf("expected outer context unchanged")
	}
}

func TestTrackerSupersedesSameKind(t *testing.T) {
	tracker := NewTracker()
	first := New(KindResync)
	second := New(KindResync)
	webhook := New(KindWebhook)

	if previous := tracker.Begin(context.Background(), first); previous != nil {
		t.Fatalf("expected no predecessor")
	}
	tracker.Begin(context.Background(), webhook)
	if previous := tracker.Begin(context.Background(), second); previous != first {
		t.Fatalf("expected first run superseded")
	}
	if !first.Aborted() || second.Aborted() || webhook.Aborted() {
		t.Fatalf("expected only the older resync aborted")
	}

	tracker.End(first)
	if active, _ := tracker.Active(KindResync); active != second {
		t.Fatalf("expected stale end to keep newer run active")
	}
	tracker.End(second)
	if _, ok := tracker.Active(KindResync); ok {
		t.Fatalf("expected no active resync")
	}
}
