package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the ledger as a single JSON object keyed by correspondent.
// The whole file is rewritten on every Put through a temp file and rename.
type FileStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]Status
}

// NewFileStore creates a store backed by path. The file is created on first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		entries: make(map[string]Status),
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the file. A missing file is an empty ledger.
func (s *FileStore) Load(_ context.Context) (map[string]Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Status{}, nil
		}
		return nil, err
	}

	entries := make(map[string]Status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	s.entries = entries

	out := make(map[string]Status, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out, nil
}

// Put records one entry and rewrites the file.
func (s *FileStore) Put(_ context.Context, correspondent string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[correspondent] = status
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

// Close is a no-op; every Put is already flushed.
func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
