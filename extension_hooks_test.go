package ocean

import (
	"context"
	"strings"
	"testing"

	"github.com/port-labs/ocean-sub007/core"
	oceansync "github.com/port-labs/ocean-sub007/sync"
)

type captureRegistrar struct {
	paths []string
}

func (r *captureRegistrar) Register(path string, _ core.HandlerFactory) error {
	r.paths = append(r.paths, path)
	return nil
}

func noopSource(context.Context, core.ResourceMapping) ([]core.RawItem, error) {
	return nil, nil
}

func TestExtensionHooks_RegisterAndApplyHandlerPacks(t *testing.T) {
	hooks := NewExtensionHooks()
	for _, pack := range []HandlerPack{
		{Name: "gitlab", Routes: []HandlerRoute{{Path: "/gitlab", Factory: repositoryFactory}}},
		{Name: "github", Routes: []HandlerRoute{{Path: "/github", Factory: repositoryFactory}}},
	} {
		if err := hooks.RegisterHandlerPack(pack); err != nil {
			t.Fatalf("register handler pack %s: %v", pack.Name, err)
		}
	}
	if err := hooks.RegisterHandlerPack(HandlerPack{
		Name:   "github",
		Routes: []HandlerRoute{{Path: "/other", Factory: repositoryFactory}},
	}); err == nil {
		t.Fatalf("expected duplicate handler pack registration error")
	}

	registrar := &captureRegistrar{}
	if err := hooks.ApplyHandlerPacks(registrar); err != nil {
		t.Fatalf("apply handler packs: %v", err)
	}
	if strings.Join(registrar.paths, ",") != "/github,/gitlab" {
		t.Fatalf("expected deterministic pack ordering, got %v", registrar.paths)
	}
}

func TestExtensionHooks_RejectsInvalidPacks(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterHandlerPack(HandlerPack{Name: " "}); err == nil {
		t.Fatalf("expected blank handler pack name error")
	}
	if err := hooks.RegisterHandlerPack(HandlerPack{Name: "empty"}); err == nil {
		t.Fatalf("expected empty handler pack error")
	}
	if err := hooks.RegisterHandlerPack(HandlerPack{Name: "nil", Routes: []HandlerRoute{{Path: "/x"}}}); err == nil {
		t.Fatalf("expected nil factory error")
	}
	if err := hooks.RegisterSourcePack(SourcePack{Name: "blank", Sources: map[string]oceansync.SourceFunc{" ": noopSource}}); err == nil {
		t.Fatalf("expected blank kind error")
	}
	if err := hooks.RegisterSourcePack(SourcePack{Name: "nil", Sources: map[string]oceansync.SourceFunc{"team": nil}}); err == nil {
		t.Fatalf("expected nil source error")
	}
	if err := hooks.ApplyHandlerPacks(nil); err == nil {
		t.Fatalf("expected nil registrar error")
	}
}

func TestExtensionHooks_SourcesRejectOverlappingKinds(t *testing.T) {
	hooks := NewExtensionHooks()
	if err := hooks.RegisterSourcePack(SourcePack{Name: "a", Sources: map[string]oceansync.SourceFunc{"repository": noopSource}}); err != nil {
		t.Fatalf("register source pack a: %v", err)
	}
	sources, err := hooks.Sources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("expected one source, got %d (%v)", len(sources), err)
	}
	if err := hooks.RegisterSourcePack(SourcePack{Name: "b", Sources: map[string]oceansync.SourceFunc{"repository": noopSource}}); err != nil {
		t.Fatalf("register source pack b: %v", err)
	}
	if _, err := hooks.Sources(); err == nil {
		t.Fatalf("expected overlapping kind error")
	}
	if names := hooks.SourcePackNames(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected source pack names %v", names)
	}
}
