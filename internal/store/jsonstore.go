// Package store provides the shared on-disk JSON document persistence used by
// every engine component. Documents are pretty-printed UTF-8 JSON at fixed
// relative paths; the format is part of the external contract with the
// excluded collaborator systems, so reload must round-trip field-for-field.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Document is a mutex-guarded JSON file. Each component owns one Document per
// persisted store; the mutex makes concurrent external callers safe against
// interleaved read-modify-write, it does not parallelize any work.
type Document struct {
	mu   sync.Mutex
	path string
}

// NewDocument creates a handle for the JSON file at path.
func NewDocument(path string) *Document {
	return &Document{path: path}
}

// Path returns the backing file path.
func (d *Document) Path() string {
	return d.path
}

// Load unmarshals the file into v. A missing file leaves v untouched and
// returns nil so fresh stores start empty.
func (d *Document) Load(v interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readJSON(d.path, v)
}

// Save marshals v pretty-printed and writes it, creating parent directories.
func (d *Document) Save(v interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeJSON(d.path, v)
}

// Update runs fn while holding the store lock, then persists v if fn reports
// a change. v is the in-memory document the caller mutates inside fn.
func (d *Document) Update(v interface{}, fn func() bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !fn() {
		return nil
	}
	return writeJSON(d.path, v)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
