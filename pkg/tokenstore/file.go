package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyFilePath = errors.New("token_store.file.empty_path")

// FileBackend persists the pairs of every profile in a single JSON document.
type FileBackend struct {
	path    string
	profile string
}

type fileDocument struct {
	Profiles map[string]TokenPair `json:"profiles"`
}

// NewFileBackend returns a backend writing to path under the given profile.
func NewFileBackend(path string, profile string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errEmptyFilePath
	}
	return &FileBackend{path: path, profile: normalizeProfile(profile)}, nil
}

// Path returns the backing file location.
func (backend *FileBackend) Path() string {
	return backend.path
}

// Load reads the profile's pair; a missing file yields an empty pair.
func (backend *FileBackend) Load(ctx context.Context) (TokenPair, error) {
	document, err := backend.read()
	if err != nil {
		return TokenPair{}, err
	}
	return document.Profiles[backend.profile], nil
}

// Save writes the profile's pair, keeping other profiles intact.
func (backend *FileBackend) Save(ctx context.Context, pair TokenPair) error {
	document, err := backend.read()
	if err != nil {
		return err
	}
	document.Profiles[backend.profile] = pair
	return backend.write(document)
}

// Clear removes the profile from the document.
func (backend *FileBackend) Clear(ctx context.Context) error {
	document, err := backend.read()
	if err != nil {
		return err
	}
	delete(document.Profiles, backend.profile)
	return backend.write(document)
}

func (backend *FileBackend) read() (fileDocument, error) {
	document := fileDocument{Profiles: make(map[string]TokenPair)}
	data, err := os.ReadFile(backend.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document, nil
	}
	if err != nil {
		return fileDocument{}, fmt.Errorf("token_store.file.read: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return document, nil
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return fileDocument{}, fmt.Errorf("token_store.file.decode: %w", err)
	}
	if document.Profiles == nil {
		document.Profiles = make(map[string]TokenPair)
	}
	return document, nil
}

// write replaces the file atomically through a temp file in the same directory.
func (backend *FileBackend) write(document fileDocument) error {
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("token_store.file.encode: %w", err)
	}
	directory := filepath.Dir(backend.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("token_store.file.mkdir: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("token_store.file.create: %w", err)
	}
	temporaryName := temporary.Name()
	defer func() { _ = os.Remove(temporaryName) }()
	if err := temporary.Chmod(0o600); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("token_store.file.chmod: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("token_store.file.write: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("token_store.file.close: %w", err)
	}
	if err := os.Rename(temporaryName, backend.path); err != nil {
		return fmt.Errorf("token_store.file.rename: %w", err)
	}
	return nil
}

func normalizeProfile(profile string) string {
	trimmed := strings.TrimSpace(profile)
	if trimmed == "" {
		return DefaultProfile
	}
	return trimmed
}
