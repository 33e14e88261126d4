package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore is an on-disk Store: one JSON file per namespaced key under
// baseDir, written via a temp-file-then-rename so a crash mid-write never
// leaves a half-written snapshot (the engine only ever needs the last
// fully-written one). Loading/parsing follows the teacher's artifact-file
// convention (horizon/devenv.loadContractArtifact: os.ReadFile +
// json.Unmarshal, errors wrapped with fmt.Errorf).
type FileStore struct {
	baseDir string
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if
// necessary.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) path(key Key) string {
	return filepath.Join(f.baseDir, sanitizeFilename(key.namespace())+".json")
}

// sanitizeFilename replaces the NUL namespace separator and path-hostile
// characters with '_' so a Key cannot escape baseDir. The mapping is not
// injective: keys that differ only in these characters share one file.
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"\x00", "_",
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
	)
	return replacer.Replace(s)
}

// Load reads and parses the namespaced file, returning (nil, nil) if it
// does not exist or fails to parse (spec.md §4.6 "missing or invalid
// entries resolve to no state").
func (f *FileStore) Load(ctx context.Context, key Key) (*PersistedState, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// Save writes state to its namespaced file via a temp file + rename.
func (f *FileStore) Save(ctx context.Context, key Key, state *PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshaling state: %w", err)
	}

	target := f.path(key)
	tmp, err := os.CreateTemp(f.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("store: renaming temp file into place: %w", err)
	}
	return nil
}

// Delete removes the namespaced file, if any.
func (f *FileStore) Delete(ctx context.Context, key Key) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: deleting state file: %w", err)
	}
	return nil
}
