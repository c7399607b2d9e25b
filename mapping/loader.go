package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/port-labs/ocean-sub007/core"
)

type document struct {
	Resources []core.ResourceMapping `yaml:"resources"`
}

// Load decodes a `resources:` document into resource mappings.
func Load(r io.Reader) ([]core.ResourceMapping, error) {
	var doc document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("mapping: decode resources: %w", err)
	}
	for index, resource := range doc.Resources {
		if err := validate(resource); err != nil {
			return nil, fmt.Errorf("mapping: resources[%d]: %w", index, err)
		}
	}
	return doc.Resources, nil
}

func LoadFile(path string) ([]core.ResourceMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}
	return Load(bytes.NewReader(raw))
}

func validate(resource core.ResourceMapping) error {
	if strings.TrimSpace(resource.Kind) == "" {
		return fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(resource.Entity.Identifier) == "" {
		return fmt.Errorf("entity.identifier is required")
	}
	if strings.TrimSpace(resource.Entity.Blueprint) == "" {
		return fmt.Errorf("entity.blueprint is required")
	}
	return nil
}

// FileSource serves the mappings of a YAML file and reloads them on demand.
type FileSource struct {
	Path string

	mu      sync.RWMutex
	current []core.ResourceMapping
	loaded  bool
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Mappings(context.Context) ([]core.ResourceMapping, error) {
	s.mu.RLock()
	if s.loaded {
		out := append([]core.ResourceMapping(nil), s.current...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()
	if err := s.Reload(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.ResourceMapping(nil), s.current...), nil
}

// Reload re-reads the file; the previous mappings stay active on error.
func (s *FileSource) Reload() error {
	mappings, err := LoadFile(s.Path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = mappings
	s.loaded = true
	return nil
}

var _ core.MappingSource = (*FileSource)(nil)
