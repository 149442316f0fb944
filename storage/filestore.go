package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pksingh99/jirban-jira/domain"
)

// FileStore keeps board definitions as YAML files named <key>.yaml in a
// directory. It is used when no storage account is configured.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(boardKey string) (string, error) {
	if boardKey == "" || strings.ContainsAny(boardKey, `/\`) || boardKey == "." || boardKey == ".." {
		return "", &domain.ConfigurationError{Board: boardKey, Reason: "invalid board key"}
	}
	return filepath.Join(s.dir, boardKey+".yaml"), nil
}

func (s *FileStore) Load(ctx context.Context, boardKey string) (domain.BoardDefinition, error) {
	p, err := s.path(boardKey)
	if err != nil {
		return domain.BoardDefinition{}, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(p)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return domain.BoardDefinition{}, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, boardKey)
	}
	if err != nil {
		return domain.BoardDefinition{}, err
	}
	def, err := domain.ParseDefinition(data)
	if err != nil {
		return domain.BoardDefinition{}, err
	}
	if def.Key == "" {
		def.Key = boardKey
	}
	return def, nil
}

func (s *FileStore) Save(ctx context.Context, boardKey string, def domain.BoardDefinition) error {
	p, err := s.path(boardKey)
	if err != nil {
		return err
	}
	data, err := domain.MarshalDefinition(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// ListBoards returns the keys of every definition in the directory.
func (s *FileStore) ListBoards(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok && !e.IsDir() {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
