package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by a Store when no record exists for a key.
var ErrNotFound = errors.New("session not found")

// Store persists whole session records. Every Save replaces the record.
type Store interface {
	Load(key string) (*Session, error)
	Save(s *Session) error
	Delete(key string) (bool, error)
	List() ([]string, error)
	Close() error
}

// Percent-escapes make the mapping reversible, so distinct keys never
// share a file.
var (
	filenameEscaper = strings.NewReplacer(
		"%", "%25",
		"_", "%5F",
		"/", "%2F",
		"\\", "%5C",
		":", "_",
	)
	filenameUnescaper = strings.NewReplacer(
		"_", ":",
		"%2F", "/",
		"%5C", "\\",
		"%5F", "_",
		"%25", "%",
	)
)

// SafeFilename maps a session key to a filename stem. ":" becomes "_";
// "%", "_" and path separators are percent-escaped.
func SafeFilename(key string) string {
	return filenameEscaper.Replace(key)
}

// keyFromFilename reverses SafeFilename.
func keyFromFilename(stem string) string {
	return filenameUnescaper.Replace(stem)
}

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, SafeFilename(key)+".json")
}

// Load reads a session record.
func (f *FileStore) Load(key string) (*Session, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", key, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", key, err)
	}
	switch s.Key {
	case "":
		s.Key = key
	case key:
	default:
		// Written for another key under an older filename mapping.
		return nil, ErrNotFound
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return &s, nil
}

// Save writes the record through a temp file and rename.
func (f *FileStore) Save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.Key, err)
	}

	target := f.path(s.Key)
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing session %s: %w", s.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing session %s: %w", s.Key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing session %s: %w", s.Key, err)
	}
	return nil
}

// Delete removes a record. It reports whether one existed.
func (f *FileStore) Delete(key string) (bool, error) {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", key, err)
	}
	return true, nil
}

// List returns the stored keys, sorted.
func (f *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, keyFromFilename(strings.TrimSuffix(name, ".json")))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
