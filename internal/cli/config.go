package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/mapping"
)

// FileRawConfigLoader reads the raw config map from a YAML file. An empty
// path yields an empty map so defaults apply.
type FileRawConfigLoader struct {
	Path string
}

func (l FileRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

func loadConfig(ctx context.Context, opts *RootOptions) (core.Config, *core.CfgxConfigProvider, error) {
	provider := core.NewCfgxConfigProvider(FileRawConfigLoader{Path: opts.ConfigPath})
	cfg, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, nil, err
	}
	return cfg, provider, nil
}

func loadMappings(ctx context.Context, opts *RootOptions) (core.MappingSource, int, error) {
	path := strings.TrimSpace(opts.MappingsPath)
	if path == "" {
		return core.StaticMappings(nil), 0, nil
	}
	source := mapping.NewFileSource(path)
	mappings, err := source.Mappings(ctx)
	if err != nil {
		return nil, 0, err
	}
	return source, len(mappings), nil
}
