package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// credentialFile is the on-disk layout of a FileStore.
type credentialFile struct {
	Entries map[string]string `json:"entries"`
}

// FileStore persists credentials in a JSON file shared by every profile.
// Writes go through a lock file and an atomic rename so concurrent processes
// never observe a half-written file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore backed by path. The parent directory is
// created if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential file path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create credential directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", &Error{Op: "get", Key: key, Err: err}
	}

	v, ok := file.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	err := s.update(ctx, func(entries map[string]string) {
		entries[key] = value
	})
	if err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	err := s.update(ctx, func(entries map[string]string) {
		delete(entries, key)
	})
	if err != nil {
		return &Error{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) read() (*credentialFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]string)
	}
	return &file, nil
}

// update applies fn to the current entries and writes the result back.
// Entries for other profiles are preserved.
func (s *FileStore) update(ctx context.Context, fn func(entries map[string]string)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockFile(ctx, s.path)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("failed to release lock: %w", uerr)
		}
	}()

	// A corrupt file is replaced rather than blocking every future login.
	file, err := s.read()
	if err != nil {
		file = &credentialFile{Entries: make(map[string]string)}
	}

	fn(file.Entries)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
