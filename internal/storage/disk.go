package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"geoanchor/internal/config"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

// DiskStore owns the two directories the API writes to. Names handed to it are
// reduced to their base name, so nothing outside the directories is reachable.
type DiskStore struct {
	uploadDir string
	dataDir   string
}

func NewDiskStore(cfg config.StorageConfig) *DiskStore {
	return &DiskStore{
		uploadDir: cfg.UploadDir,
		dataDir:   cfg.DataDir,
	}
}

// CreateUpload opens a new file in the upload directory, creating the directory
// on demand. It fails with fs.ErrExist rather than overwrite an existing file.
func (s *DiskStore) CreateUpload(name string) (*os.File, error) {
	path, err := s.resolve(s.uploadDir, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

func (s *DiskStore) RemoveUpload(name string) error {
	path, err := s.resolve(s.uploadDir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// UploadPath returns the path of an existing regular file in the upload directory.
func (s *DiskStore) UploadPath(name string) (string, error) {
	return s.existing(s.uploadDir, name)
}

func (s *DiskStore) ReadUpload(name string) ([]byte, error) {
	path, err := s.UploadPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteSnapshot writes data as a new file in the data directory. An existing
// file with the same name is reported with fs.ErrExist.
func (s *DiskStore) WriteSnapshot(name string, data []byte) (err error) {
	path, err := s.resolve(s.dataDir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	_, err = f.Write(data)
	return err
}

func (s *DiskStore) SnapshotPath(name string) (string, error) {
	return s.existing(s.dataDir, name)
}

func (s *DiskStore) ReadSnapshot(name string) ([]byte, error) {
	path, err := s.SnapshotPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *DiskStore) existing(dir, name string) (string, error) {
	path, err := s.resolve(dir, name)
	if err != nil {
		return "", err
	}
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// BaseName strips any directory components from a client supplied name.
func BaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(filepath.Clean("/" + name))
}

func (s *DiskStore) resolve(dir, name string) (string, error) {
	base := BaseName(name)
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	path := filepath.Join(root, base)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel != base {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return path, nil
}
