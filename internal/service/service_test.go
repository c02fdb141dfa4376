package service

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"geoanchor/internal/apperr"
	"geoanchor/internal/config"
	"geoanchor/internal/events"
	"geoanchor/internal/ollama"
	"geoanchor/internal/storage"
)

var pngBytes = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{0x42}, 2048)...)

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func fileInput(filename, mime string, data []byte) UploadInput {
	header := &multipart.FileHeader{
		Filename: filename,
		Header:   textproto.MIMEHeader{},
		Size:     int64(len(data)),
	}
	header.Header.Set("Content-Type", mime)
	return UploadInput{
		Field:  "image",
		File:   memFile{bytes.NewReader(data)},
		Header: header,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fakeOllama struct {
	tags     ollama.TagsResponse
	tagsErr  error
	response string
	genErr   error
	got      ollama.GenerateRequest
}

func (f *fakeOllama) Tags(context.Context) (ollama.TagsResponse, error) {
	return f.tags, f.tagsErr
}

func (f *fakeOllama) Generate(_ context.Context, req ollama.GenerateRequest) (ollama.GenerateResponse, error) {
	f.got = req
	if f.genErr != nil {
		return ollama.GenerateResponse{}, f.genErr
	}
	return ollama.GenerateResponse{Response: f.response, Done: true}, nil
}

func testStorage(t *testing.T) (config.StorageConfig, *storage.DiskStore) {
	t.Helper()
	root := t.TempDir()
	cfg := config.StorageConfig{
		UploadDir:      filepath.Join(root, "uploads"),
		DataDir:        filepath.Join(root, "data"),
		MaxUploadBytes: 20 << 20,
	}
	return cfg, storage.NewDiskStore(cfg)
}

func requireKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr), "expected *apperr.Error, got %T: %v", err, err)
	require.Equal(t, kind, appErr.Kind, "unexpected kind for %v", err)
	return appErr
}

var nopLog = zerolog.Nop()
