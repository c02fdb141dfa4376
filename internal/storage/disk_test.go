package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoanchor/internal/config"
)

func newTestStore(t *testing.T) (*DiskStore, string) {
	t.Helper()
	root := t.TempDir()
	return NewDiskStore(config.StorageConfig{
		UploadDir: filepath.Join(root, "uploads"),
		DataDir:   filepath.Join(root, "data"),
	}), root
}

func TestBaseName(t *testing.T) {
	tests := map[string]string{
		"photo.png":             "photo.png",
		"../../etc/passwd":      "passwd",
		"/etc/passwd":           "passwd",
		`..\..\windows\win.ini`: "win.ini",
		"a/b/../c.jpg":          "c.jpg",
		"..":                    "/",
		"":                      "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, BaseName(in), "BaseName(%q)", in)
	}
}

func TestCreateUploadCreatesDirAndRefusesOverwrite(t *testing.T) {
	store, _ := newTestStore(t)

	f, err := store.CreateUpload("a.png")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.CreateUpload("a.png")
	assert.True(t, errors.Is(err, fs.ErrExist))

	data, err := store.ReadUpload("a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestUploadPathNeverEscapes(t *testing.T) {
	store, root := newTestStore(t)
	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))

	for _, name := range []string{"../secret.txt", "../../secret.txt", secret, "..", ""} {
		_, err := store.UploadPath(name)
		assert.Error(t, err, name)
	}
}

func TestUploadPathRejectsSymlink(t *testing.T) {
	store, root := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))
	target := filepath.Join(root, "outside.png")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(filepath.Join(root, "uploads"), "link.png")))

	_, err := store.UploadPath("link.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotWriteRead(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.WriteSnapshot("coordinates_1.json", []byte(`{"a":1}`)))
	err := store.WriteSnapshot("coordinates_1.json", []byte(`{"a":2}`))
	assert.True(t, errors.Is(err, fs.ErrExist))

	data, err := store.ReadSnapshot("coordinates_1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	_, err = store.ReadSnapshot("coordinates_2.json")
	assert.ErrorIs(t, err, ErrNotFound)
}
