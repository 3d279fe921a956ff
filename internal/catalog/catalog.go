// Package catalog keeps the external registry of tenant credentials: one
// entry per (tenant, service) recording where the credential lives, how it
// is sourced and its rotation history. It never stores credential values.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/systmms/tenantkeys/pkg/keymgr"
)

// ErrNotFound is returned by Get for pairs with no entry.
var ErrNotFound = errors.New("catalog entry not found")

// FileCatalog stores entries in a single JSON file.
type FileCatalog struct {
	path string
	mu   sync.RWMutex
}

type document struct {
	Entries map[string]keymgr.CatalogEntry `json:"entries"`
}

// NewFileCatalog creates a catalog backed by path. The file is created on
// first write.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

// Path returns the backing file.
func (c *FileCatalog) Path() string {
	return c.path
}

// Upsert merges entry into the catalog. Rotation counts accumulate and the
// last rotation time is kept when entry does not carry one.
func (c *FileCatalog) Upsert(_ context.Context, entry keymgr.CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.load()
	if err != nil {
		return err
	}

	key := entryKey(entry.TenantID, entry.Service)
	if prev, ok := doc.Entries[key]; ok {
		entry.Rotations = prev.Rotations
		if entry.LastRotated.IsZero() {
			entry.LastRotated = prev.LastRotated
		}
	}
	if entry.Status == keymgr.StatusRotated {
		entry.Rotations++
	}
	doc.Entries[key] = entry

	return c.save(doc)
}

// Get returns the entry for (tenantID, service).
func (c *FileCatalog) Get(tenantID, service string) (keymgr.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, err := c.load()
	if err != nil {
		return keymgr.CatalogEntry{}, err
	}
	entry, ok := doc.Entries[entryKey(tenantID, service)]
	if !ok {
		return keymgr.CatalogEntry{}, fmt.Errorf("%w: %s/%s", ErrNotFound, tenantID, service)
	}
	return entry, nil
}

// List returns the entries for tenantID sorted by service, or every entry
// sorted by tenant then service when tenantID is empty.
func (c *FileCatalog) List(tenantID string) ([]keymgr.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, err := c.load()
	if err != nil {
		return nil, err
	}

	entries := make([]keymgr.CatalogEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if tenantID == "" || e.TenantID == tenantID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TenantID != entries[j].TenantID {
			return entries[i].TenantID < entries[j].TenantID
		}
		return entries[i].Service < entries[j].Service
	})
	return entries, nil
}

func (c *FileCatalog) load() (document, error) {
	doc := document{Entries: make(map[string]keymgr.CatalogEntry)}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("failed to read catalog file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]keymgr.CatalogEntry)
	}
	return doc, nil
}

// save writes through a temp file and rename so readers never see a
// partial document.
func (c *FileCatalog) save(doc document) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace catalog file: %w", err)
	}
	return nil
}

func entryKey(tenantID, service string) string {
	return tenantID + "/" + service
}
