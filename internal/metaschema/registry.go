package metaschema

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds the compiled metadata specs keyed by event type.
// All specs load eagerly from one directory; the set is small (one spec per
// event type), so there is no cache layer — Reload swaps the whole map.
type Registry struct {
	mu    sync.RWMutex
	dir   string
	specs map[string]*Spec
}

// NewFileSystemRegistry eagerly loads all *.yaml specs from dir.
// A missing directory is valid: zero specs means metadata payloads pass
// through with only the tagged-variant decode applied.
func NewFileSystemRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every spec from disk and swaps the live set atomically.
func (r *Registry) Reload() error {
	specs, err := loadSpecs(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()
	return nil
}

func loadSpecs(dir string) (map[string]*Spec, error) {
	specs := make(map[string]*Spec)

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return specs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata spec dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metadata spec path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading metadata spec dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading spec file %s: %w", path, err)
		}

		var spec Spec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parsing spec file %s: %w", path, err)
		}
		if spec.EventType == "" {
			continue // empty / comment-only file
		}
		if err := spec.Compile(); err != nil {
			return nil, fmt.Errorf("spec file %s: %w", path, err)
		}

		if _, exists := specs[spec.EventType]; exists {
			return nil, fmt.Errorf("duplicate metadata spec for event type %q", spec.EventType)
		}
		spec.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))
		specs[spec.EventType] = &spec
	}
	return specs, nil
}

// Get returns the spec for an event type, or nil when none is registered.
func (r *Registry) Get(eventType string) *Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[eventType]
}

// Validate checks a metadata payload against the registered spec for the
// event type. Event types with no spec validate trivially.
func (r *Registry) Validate(eventType string, payload map[string]interface{}) error {
	spec := r.Get(eventType)
	if spec == nil {
		return nil
	}
	return spec.ValidatePayload(payload)
}
