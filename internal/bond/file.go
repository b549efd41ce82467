package bond

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists bonds as a single JSON document, rewritten atomically on
// every upsert.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]Record
}

var _ Store = (*FileStore)(nil)

// fileDocument is the on-disk layout: adapter id -> device id -> record.
type fileDocument struct {
	Version  int                          `json:"version"`
	Adapters map[string]map[string]Record `json:"adapters"`
}

// OpenFileStore loads path, creating parent directories. A missing file is an
// empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create bond directory: %w", err)
	}

	s := &FileStore{path: path, data: make(map[string]map[string]Record)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bond file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse bond file %s: %w", path, err)
	}
	for adapterID, set := range doc.Adapters {
		s.data[adapterID] = set
	}
	return s, nil
}

// Upsert merges records for adapterID and flushes the file.
func (s *FileStore) Upsert(ctx context.Context, adapterID string, records []Record) error {
	if err := ValidateAll(records); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Merge into a copy so a failed write leaves memory and disk consistent
	next := make(map[string]Record, len(s.data[adapterID])+len(records))
	for k, v := range s.data[adapterID] {
		next[k] = v
	}
	Merge(next, records)

	prev, hadPrev := s.data[adapterID]
	s.data[adapterID] = next
	if err := s.flushLocked(); err != nil {
		if hadPrev {
			s.data[adapterID] = prev
		} else {
			delete(s.data, adapterID)
		}
		return err
	}
	return nil
}

// List returns adapterID's records.
func (s *FileStore) List(ctx context.Context, adapterID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Sorted(s.data[adapterID]), nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(fileDocument{Version: 1, Adapters: s.data}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bonds: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".bonds-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp bond file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write bond file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync bond file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close bond file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace bond file: %w", err)
	}
	return nil
}
