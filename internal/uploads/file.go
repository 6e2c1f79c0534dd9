package uploads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
)

// FileStore keeps the upload list as a JSON array in a single file. It is
// meant for one user; updates are serialized within the process only.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFilePath is uploads.json under the user config directory.
func DefaultFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fiscalmind", "uploads.json")
}

func (s *FileStore) Name() string {
	return "file"
}

func (s *FileStore) List(ctx context.Context) ([]fiscal.FileInfo, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return decodeList(data)
}

func (s *FileStore) Update(ctx context.Context, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.List(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(files)
	if err != nil {
		return err
	}
	return s.save(updated)
}

func (s *FileStore) save(files []fiscal.FileInfo) error {
	data, err := encodeList(files)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating upload list directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".uploads-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing upload list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing upload list: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}
