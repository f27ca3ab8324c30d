package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore writes artifacts to <root>/<session>/<path>.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: strings.TrimSpace(root)}
}

func (s *DiskStore) file(k key) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("artifact dir is required")
	}
	return filepath.Join(s.root, k.session, filepath.FromSlash(k.path)), nil
}

// Put writes through a temp file so readers never see a partial artifact.
func (s *DiskStore) Put(_ context.Context, sessionID, p string, content []byte) error {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return err
	}
	name, err := s.file(k)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".artifact-*")
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", k, err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact %s: %w", k, err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact %s: %w", k, err)
	}
	return nil
}

func (s *DiskStore) Get(_ context.Context, sessionID, p string) ([]byte, error) {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return nil, err
	}
	name, err := s.file(k)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *DiskStore) List(_ context.Context, sessionID string) ([]string, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.root == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	dir := filepath.Join(s.root, session)
	var paths []string
	err = filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".artifact-") {
			return nil
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
