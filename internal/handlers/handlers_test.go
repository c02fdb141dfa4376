package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoanchor/internal/config"
	"geoanchor/internal/events"
	"geoanchor/internal/jobs"
	"geoanchor/internal/metrics"
	"geoanchor/internal/ollama"
	"geoanchor/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var pngBytes = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{0x07}, 4096)...)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type stubCheck struct {
	status jobs.CheckStatus
	ok     bool
}

func (s stubCheck) Status() (jobs.CheckStatus, bool) { return s.status, s.ok }

type testEnv struct {
	router  *gin.Engine
	cfg     *config.AppConfig
	events  *recordingPublisher
	metrics *metrics.Metrics
	logs    *bytes.Buffer
}

type envOption func(*config.AppConfig, *Dependencies)

func withOllama(t *testing.T, handler http.HandlerFunc) envOption {
	return func(cfg *config.AppConfig, deps *Dependencies) {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		cfg.Ollama.BaseURL = srv.URL
		deps.Ollama = ollama.NewClient(srv.URL, 5*time.Second)
	}
}

func withMaxUpload(n int64) envOption {
	return func(cfg *config.AppConfig, _ *Dependencies) {
		cfg.Storage.MaxUploadBytes = n
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{
		Environment: "test",
		Storage: config.StorageConfig{
			UploadDir:      filepath.Join(root, "uploads"),
			DataDir:        filepath.Join(root, "data"),
			MaxUploadBytes: 20 << 20,
		},
		Ollama: config.OllamaConfig{BaseURL: "http://127.0.0.1:1", Temperature: 0.2},
	}
	pub := &recordingPublisher{}
	m := metrics.New()
	deps := Dependencies{
		Publisher: pub,
		Ollama:    ollama.NewClient(cfg.Ollama.BaseURL, time.Second),
		Check:     stubCheck{},
		Metrics:   m,
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	deps.Store = storage.NewDiskStore(cfg.Storage)

	var logs bytes.Buffer
	router := gin.New()
	NewHandlerSet(zerolog.New(&logs), cfg, deps).Register(router.Group("/api"))

	return &testEnv{router: router, cfg: cfg, events: pub, metrics: m, logs: &logs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func multipartRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, w.WriteField("note", "no file here"))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertNoDir(t *testing.T, dir string) {
	t.Helper()
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "%s should not exist", dir)
}

func TestUploadImage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(multipartRequest(t, "image", "Vista.PNG", "image/png", pngBytes))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Immagine caricata con successo", body["message"])

	filename, _ := body["filename"].(string)
	assert.Regexp(t, `^image-\d{13}-[0-9a-z]{23}\.png$`, filename)
	assert.Equal(t, "http://example.com/uploads/"+filename, body["imageUrl"])

	stored, err := os.ReadFile(filepath.Join(env.cfg.Storage.UploadDir, filename))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, stored)

	require.Len(t, env.events.events, 1)
	assert.Equal(t, events.TypeImageUploaded, env.events.events[0].Type)
	assert.Len(t, env.events.events[0].Checksum, 64)
}

func TestUploadImageURLBehindProxy(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, "image", "a.webp", "image/webp", append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 64)...))
	req.Host = "maps.example.org"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.True(t, strings.HasPrefix(body["imageUrl"].(string), "https://maps.example.org/uploads/image-"))
}

func TestUploadImageURLIgnoresUnknownForwardedScheme(t *testing.T) {
	for _, proto := range []string{"javascript", "ftp, https", "  "} {
		t.Run(proto, func(t *testing.T) {
			env := newTestEnv(t)

			req := multipartRequest(t, "image", "a.png", "image/png", pngBytes)
			req.Header.Set("X-Forwarded-Proto", proto)
			rec := env.do(req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			imageURL, _ := decode(t, rec)["imageUrl"].(string)
			assert.True(t, strings.HasPrefix(imageURL, "http://example.com/uploads/"), imageURL)
		})
	}
}

func TestUploadImageRejections(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
		error  string
	}{
		{
			name:   "no file",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "", "", "", nil) },
			status: http.StatusBadRequest,
			error:  "Nessun file caricato",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/upload-image", strings.NewReader("{}"))
			},
			status: http.StatusBadRequest,
			error:  "Nessun file caricato",
		},
		{
			name:   "wrong field",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "file", "a.png", "image/png", pngBytes) },
			status: http.StatusBadRequest,
			error:  "Nessun file caricato",
		},
		{
			name:   "text file",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "image", "notes.txt", "text/plain", []byte("hello")) },
			status: http.StatusBadRequest,
			error:  "Tipo di file non supportato. Sono ammesse solo immagini JPEG, JPG, PNG e WEBP",
		},
		{
			name:   "extension mismatch",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "image", "a.gif", "image/png", pngBytes) },
			status: http.StatusBadRequest,
			error:  "Tipo di file non supportato. Sono ammesse solo immagini JPEG, JPG, PNG e WEBP",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(tt.req(t))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.error, body["error"])
			assertNoDir(t, env.cfg.Storage.UploadDir)
			assert.Empty(t, env.events.events)
		})
	}
}

func TestUploadImageTooLarge(t *testing.T) {
	t.Run("over limit", func(t *testing.T) {
		env := newTestEnv(t, withMaxUpload(1024))

		rec := env.do(multipartRequest(t, "image", "a.png", "image/png", pngBytes))
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
		assert.Equal(t, false, decode(t, rec)["success"])
		assertNoDir(t, env.cfg.Storage.UploadDir)
	})

	t.Run("body exceeds reader limit", func(t *testing.T) {
		env := newTestEnv(t, withMaxUpload(1024))

		huge := append(append([]byte{}, pngBytes...), make([]byte, multipartOverhead*2)...)
		rec := env.do(multipartRequest(t, "image", "a.png", "image/png", huge))
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
		assertNoDir(t, env.cfg.Storage.UploadDir)
	})
}

func TestSaveCoordinates(t *testing.T) {
	env := newTestEnv(t)
	points := `[{"id":1,"imagePoint":{"xNorm":0.1,"yNorm":0.9},"mapPoint":{"lat":45.46,"lng":9.19}},{"free":["form",null]}]`

	rec := env.postJSON("/api/save-coordinates", `{"imageName":"image-1.png","points":`+points+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Coordinate salvate con successo", body["message"])
	filePath, _ := body["filePath"].(string)
	require.Regexp(t, `^coordinates_\d+\.json$`, filePath)

	data, err := os.ReadFile(filepath.Join(env.cfg.Storage.DataDir, filePath))
	require.NoError(t, err)
	var saved map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.JSONEq(t, `"image-1.png"`, string(saved["imageName"]))
	assert.JSONEq(t, points, string(saved["points"]))
	assert.NotEmpty(t, saved["timestamp"])
}

func TestSaveCoordinatesRejections(t *testing.T) {
	bodies := map[string]string{
		"points not array":   `{"imageName":"a.png","points":{"x":1}}`,
		"points string":      `{"imageName":"a.png","points":"[]"}`,
		"points null":        `{"imageName":"a.png","points":null}`,
		"missing points":     `{"imageName":"a.png"}`,
		"missing image name": `{"points":[]}`,
		"image name number":  `{"imageName":7,"points":[]}`,
		"empty image name":   `{"imageName":"","points":[]}`,
		"invalid json":       `{"imageName":`,
		"empty body":         ``,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.postJSON("/api/save-coordinates", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, false, decode(t, rec)["success"])
			assertNoDir(t, env.cfg.Storage.DataDir)
		})
	}
}

func TestGetCoordinatesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	points := `[{"label":"Duomo","x":12.5},[1,2,3]]`

	rec := env.postJSON("/api/save-coordinates", `{"imageName":"a.png","points":`+points+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	filePath := decode(t, rec)["filePath"].(string)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/coordinates/"+filePath, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success  bool `json:"success"`
		Snapshot struct {
			ImageName string          `json:"imageName"`
			Points    json.RawMessage `json:"points"`
			Timestamp string          `json:"timestamp"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "a.png", resp.Snapshot.ImageName)
	assert.JSONEq(t, points, string(resp.Snapshot.Points))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/coordinates/coordinates_1.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/coordinates/secrets.txt", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, `{"models":[
			{"name":"llava:7b","modified_at":"2026-02-01T10:00:00Z","size":4700000000,
			 "details":{"parameter_size":"7B","quantization_level":"Q4_0","family":"llama"}},
			{"name":"moondream"}
		]}`)
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/ollama/models", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true,"models":[
		{"name":"llava:7b","modified":"2026-02-01T10:00:00Z","size":4700000000,"parameterSize":"7B","quantization":"Q4_0","family":"llama"},
		{"name":"moondream","modified":null,"size":null,"parameterSize":null,"quantization":null,"family":null}
	]}`, rec.Body.String())
}

func TestListModelsMissingArray(t *testing.T) {
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/ollama/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"models":[]}`, rec.Body.String())
}

func TestListModelsUpstreamError(t *testing.T) {
	long := strings.Repeat("x", 1000)
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, long)
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/ollama/models", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Impossibile recuperare i modelli da Ollama", body["error"])
	assert.Equal(t, "HTTP 500: "+long[:400], body["details"])
}

func TestListModelsUnreachable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/ollama/models", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["details"])
}

func TestAutoLocate(t *testing.T) {
	var got ollama.GenerateRequest
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollama.GenerateResponse{
			Response: "Ecco:\n```json\n{\"mapPoints\":[{\"description\":\"Duomo\",\"confidence\":0.7}],\"estimatedPose\":{\"heading\":90},\"analysis\":\"facciata\"}\n```",
			Done:     true,
		})
	}))
	require.NoError(t, os.MkdirAll(env.cfg.Storage.UploadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Storage.UploadDir, "image-1.png"), pngBytes, 0o644))

	rec := env.postJSON("/api/ollama/autolocate", `{"model":"llava","filename":"image-1.png","existingPoints":[{"label":"Torre","xNorm":0.5,"yNorm":0.5}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, `true`, string(resp["success"]))
	assert.JSONEq(t, `[{"description":"Duomo","confidence":0.7}]`, string(resp["suggestions"]))
	assert.JSONEq(t, `{"heading":90}`, string(resp["pose"]))
	assert.JSONEq(t, `"facciata"`, string(resp["analysis"]))
	assert.Contains(t, string(resp["raw"]), "mapPoints")

	assert.Equal(t, "llava", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Images, 1)
	assert.Contains(t, got.Prompt, "Torre (x=0.5000, y=0.5000)")
}

func TestAutoLocateUnparseableAnswer(t *testing.T) {
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"Non lo so.","done":true}`)
	}))
	require.NoError(t, os.MkdirAll(env.cfg.Storage.UploadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Storage.UploadDir, "image-1.png"), pngBytes, 0o644))

	rec := env.postJSON("/api/ollama/autolocate", `{"model":"llava","filename":"image-1.png"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true,"suggestions":[],"pose":null,"analysis":"Non lo so.","raw":"Non lo so."}`, rec.Body.String())
}

func TestAutoLocateErrors(t *testing.T) {
	var called atomic.Bool
	env := newTestEnv(t, withOllama(t, func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'nope' not found"}`)
	}))
	require.NoError(t, os.MkdirAll(env.cfg.Storage.UploadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Storage.UploadDir, "image-1.png"), pngBytes, 0o644))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing model", `{"filename":"image-1.png"}`, http.StatusBadRequest},
		{"missing filename", `{"model":"llava"}`, http.StatusBadRequest},
		{"model not a string", `{"model":3,"filename":"image-1.png"}`, http.StatusBadRequest},
		{"absent image", `{"model":"llava","filename":"other.png"}`, http.StatusNotFound},
		{"traversal", `{"model":"llava","filename":"../../etc/passwd"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON("/api/ollama/autolocate", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, false, decode(t, rec)["success"])
		})
	}
	assert.False(t, called.Load(), "inference service must not be called for invalid requests")

	rec := env.postJSON("/api/ollama/autolocate", `{"model":"nope","filename":"image-1.png"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, `HTTP 404: {"error":"model 'nope' not found"}`, decode(t, rec)["details"])
}

func TestClientLog(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON("/api/log", `{"level":"warn","message":"tile mancante","details":{"z":3}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Contains(t, env.logs.String(), `[CLIENT WARN] tile mancante { z: 3 }`)
	assert.Contains(t, env.logs.String(), `"level":"warn"`)

	rec = env.postJSON("/api/log", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.logs.String(), `[CLIENT INFO] `)

	rec = env.postJSON("/api/log", `{"level":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientLogAcceptsNonStringFields(t *testing.T) {
	tests := map[string]string{
		"number message": `{"message":42}`,
		"object message": `{"level":"error","message":{"err":"boom"}}`,
		"number level":   `{"level":3,"message":"x"}`,
		"null fields":    `{"level":null,"message":null}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.postJSON("/api/log", body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		})
	}

	env := newTestEnv(t)
	env.postJSON("/api/log", `{"level":"error","message":{"err":"boom"}}`)
	assert.Contains(t, env.logs.String(), `[CLIENT ERROR] { err: 'boom' }`)
}

func TestHealth(t *testing.T) {
	checked := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	env := newTestEnv(t, func(_ *config.AppConfig, deps *Dependencies) {
		deps.Check = stubCheck{ok: true, status: jobs.CheckStatus{Reachable: false, CheckedAt: checked, Error: "connection refused"}}
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status":"degraded",
		"environment":"test",
		"events":"disabled",
		"ollama":{"reachable":false,"models":0,"checkedAt":"2026-05-06T07:08:09Z","error":"connection refused"}
	}`, rec.Body.String())
}

func TestMetricsCountOutcomes(t *testing.T) {
	env := newTestEnv(t)

	env.postJSON("/api/save-coordinates", `{"imageName":"a.png","points":[]}`)
	env.postJSON("/api/save-coordinates", `{"imageName":"a.png"}`)

	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `geoanchor_snapshots_total{result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `geoanchor_snapshots_total{result="rejected"} 1`)
}
