package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilesystemStore persists content on disk under a base directory, sharded by digest prefix.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore ensures the base directory exists and returns a handle.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if baseDir == "" {
		baseDir = "./data/documents"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create document directory: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir}, nil
}

func (s *FilesystemStore) Put(_ context.Context, data []byte) (Ref, error) {
	ref := RefFor(data)
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare document directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create document file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write document file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close document file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("commit document file: %w", err)
	}

	return ref, nil
}

func (s *FilesystemStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document file: %w", err)
	}

	return data, nil
}

func (s *FilesystemStore) Exists(_ context.Context, ref Ref) (bool, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat document file: %w", err)
	}

	return true, nil
}

// Path exposes the on-disk location of a reference.
func (s *FilesystemStore) Path(ref Ref) (string, error) {
	return s.resolve(ref)
}

func (s *FilesystemStore) resolve(ref Ref) (string, error) {
	digest, err := ref.Digest()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, digest[:2], digest), nil
}
