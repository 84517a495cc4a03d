package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps profiles in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[StainType]*Reference
}

// NewMemoryStore creates a store pre-populated with the given profiles.
func NewMemoryStore(refs ...*Reference) *MemoryStore {
	s := &MemoryStore{profiles: make(map[StainType]*Reference)}
	for _, ref := range refs {
		s.profiles[ref.StainType] = ref.Clone()
	}
	return s
}

// Get returns a copy of the profile for stainType, or nil when absent.
func (s *MemoryStore) Get(stainType StainType) (*Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.profiles[stainType]
	if !ok {
		return nil, nil
	}
	return ref.Clone(), nil
}

// Put stores a copy of ref, replacing any previous profile of its stain type.
func (s *MemoryStore) Put(ref *Reference) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[ref.StainType] = ref.Clone()
	return nil
}

// FileStore reads and writes profiles as <stain>_reference.json files in a
// directory. Writes go to a temporary file that is renamed over the target,
// so readers see either the old or the new profile and never a partial one.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	cache map[StainType]cachedReference
}

type cachedReference struct {
	ref     *Reference
	modTime time.Time
	size    int64
}

// NewFileStore creates a store backed by dir. The directory is created on
// the first Put.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:   dir,
		cache: make(map[StainType]cachedReference),
	}
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file a profile of the given stain type is stored in.
func (s *FileStore) Path(stainType StainType) string {
	return filepath.Join(s.dir, strings.ToLower(string(stainType))+"_reference.json")
}

// Get loads the profile for stainType. A missing file is not an error.
// Parsed profiles are cached until the file changes on disk.
func (s *FileStore) Get(stainType StainType) (*Reference, error) {
	path := s.Path(stainType)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading profile %s: %w", path, err)
	}

	s.mu.RLock()
	cached, ok := s.cache[stainType]
	s.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.ref.Clone(), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading profile %s: %w", path, err)
	}

	// YAML is a superset of JSON, hand-edited YAML profiles load as well
	ref := &Reference{}
	if err := yaml.Unmarshal(data, ref); err != nil {
		return nil, fmt.Errorf("error parsing profile %s: %w", path, err)
	}
	if ref.StainType == "" {
		ref.StainType = stainType
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	if ref.StainType != stainType {
		return nil, fmt.Errorf("invalid profile %s: stain type %q does not match %q", path, ref.StainType, stainType)
	}

	s.mu.Lock()
	s.cache[stainType] = cachedReference{ref: ref, modTime: info.ModTime(), size: info.Size()}
	s.mu.Unlock()

	return ref.Clone(), nil
}

// Put writes ref to disk, atomically replacing any existing profile file.
func (s *FileStore) Put(ref *Reference) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("error creating profile directory: %w", err)
	}

	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling profile: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temporary profile file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing profile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("error syncing profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmpName, s.Path(ref.StainType)); err != nil {
		return fmt.Errorf("error replacing profile: %w", err)
	}
	delete(s.cache, ref.StainType)
	return nil
}
