// Package policy holds the qualifying/activation event classification
// tables. The tables are configuration, not code: YAML files on disk, one per
// product plus a platform-level table, reloadable at runtime without
// redeploying the engine.
package policy

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
)

// EventClass is the classification outcome for one (product, event type).
type EventClass struct {
	Qualifying bool `yaml:"qualifying"`
	Activation bool `yaml:"activation"`
}

// Table maps event types to their classification for one product scope.
// The empty product id is the platform-level table, used for events that
// carry no product attribution.
type Table struct {
	ProductID   string                `yaml:"product_id"`
	Events      map[string]EventClass `yaml:"events"`
	Fingerprint string                `yaml:"-"` // SHA-256 of the raw file
}

type tableKey struct {
	productID string
	eventType string
}

// Classifier annotates accepted events with qualifying/activation flags.
// Lookups not present in any table default to non-qualifying: an unknown
// event type is passive until the policy says otherwise.
type Classifier struct {
	mu     sync.RWMutex
	dir    string
	rules  map[tableKey]EventClass
	tables []Table
}

// NewFileSystemClassifier eagerly loads all *.yaml tables from dir.
// A missing directory is valid (zero tables configured, everything
// classifies as non-qualifying).
func NewFileSystemClassifier(dir string) (*Classifier, error) {
	c := &Classifier{dir: dir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every policy table from disk and swaps the live rule set
// atomically. Safe to call while classification is in flight.
func (c *Classifier) Reload() error {
	rules, tables, err := loadTables(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = rules
	c.tables = tables
	c.mu.Unlock()
	return nil
}

func loadTables(dir string) (map[tableKey]EventClass, []Table, error) {
	rules := make(map[tableKey]EventClass)
	var tables []Table

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return rules, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("policy dir: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("policy path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading policy dir: %w", err)
	}

	seen := make(map[string]string) // product id -> file, duplicate detection
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading policy file %s: %w", path, err)
		}

		var tbl Table
		if err := yaml.Unmarshal(data, &tbl); err != nil {
			return nil, nil, fmt.Errorf("parsing policy file %s: %w", path, err)
		}
		if len(tbl.Events) == 0 {
			continue // empty / comment-only file
		}

		if prior, dup := seen[tbl.ProductID]; dup {
			return nil, nil, fmt.Errorf("policy for product %q defined in both %s and %s", tbl.ProductID, prior, e.Name())
		}
		seen[tbl.ProductID] = e.Name()

		tbl.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))
		tables = append(tables, tbl)
		for evType, class := range tbl.Events {
			rules[tableKey{productID: tbl.ProductID, eventType: evType}] = class
		}
	}
	return rules, tables, nil
}

// Classify stamps the event's IsQualifying/IsActivation flags in place.
// Events with a product id use that product's table; events without one use
// the platform-level table. Missing entries default to non-qualifying.
func (c *Classifier) Classify(evt *v1.Event) EventClass {
	c.mu.RLock()
	class := c.rules[tableKey{productID: evt.ProductID, eventType: evt.Type}]
	c.mu.RUnlock()

	evt.IsQualifying = class.Qualifying
	evt.IsActivation = class.Activation
	return class
}

// Lookup returns the classification for a (product, event type) pair without
// touching an event. Used by recompute passes that re-stamp stored events
// after a policy change.
func (c *Classifier) Lookup(productID, eventType string) EventClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[tableKey{productID: productID, eventType: eventType}]
}

// Tables returns a snapshot of the loaded tables (for diagnostics).
func (c *Classifier) Tables() []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Table, len(c.tables))
	copy(out, c.tables)
	return out
}
