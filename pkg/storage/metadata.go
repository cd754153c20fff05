package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/types"
)

// MetadataTable tracks the version, transfer id and timestamp of every
// stored file, keyed by namespaced filename. It persists as one JSON
// file next to the data; a corrupt file starts the table empty rather
// than blocking the node.
type MetadataTable struct {
	path string

	mu      sync.Mutex
	entries map[string]types.FileMetadata
}

// NewMetadataTable loads the table at path, or starts empty.
func NewMetadataTable(path string) *MetadataTable {
	t := &MetadataTable{path: path, entries: make(map[string]types.FileMetadata)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t
	}
	logger := log.WithComponent("storage")
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to read metadata table, starting empty")
		return t
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("metadata table corrupt, starting empty")
		t.entries = make(map[string]types.FileMetadata)
	}
	return t
}

// Get returns the entry for a namespaced filename.
func (t *MetadataTable) Get(filename string) (types.FileMetadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	md, ok := t.entries[filename]
	return md, ok
}

// Upsert inserts or replaces an entry and persists the table.
func (t *MetadataTable) Upsert(md types.FileMetadata) error {
	if md.Filename == "" {
		return fmt.Errorf("metadata requires a filename")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[md.Filename] = md
	return t.persistLocked()
}

// Delete removes an entry and persists the table. Missing entries are
// tolerated.
func (t *MetadataTable) Delete(filename string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[filename]; !ok {
		return nil
	}
	delete(t.entries, filename)
	return t.persistLocked()
}

// Rename moves entries from one namespaced filename to another. A
// directory rename moves every entry under the old prefix.
func (t *MetadataTable) Rename(oldNS, newNS string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for filename, md := range t.entries {
		var renamed string
		switch {
		case filename == oldNS:
			renamed = newNS
		case strings.HasPrefix(filename, oldNS+"/"):
			renamed = newNS + strings.TrimPrefix(filename, oldNS)
		default:
			continue
		}
		delete(t.entries, filename)
		md.Filename = renamed
		t.entries[renamed] = md
		changed = true
	}
	if !changed {
		return nil
	}
	return t.persistLocked()
}

// All returns every entry sorted by filename.
func (t *MetadataTable) All() []types.FileMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]types.FileMetadata, 0, len(t.entries))
	for _, md := range t.entries {
		all = append(all, md)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Filename < all[j].Filename })
	return all
}

func (t *MetadataTable) persistLocked() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata table: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace metadata table: %w", err)
	}
	return nil
}
