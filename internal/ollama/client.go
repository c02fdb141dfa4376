// Package ollama is a minimal client for the two Ollama endpoints the API
// depends on: model listing and non-streamed generation.
package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// MaxErrorBody is the number of characters of an upstream error body kept for diagnostics.
const MaxErrorBody = 400

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds the process-wide client. A zero timeout leaves requests
// bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// StatusError reports a non-2xx answer from Ollama.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Details is the client-facing diagnostic: status code plus the truncated body.
func (e *StatusError) Details() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type ModelDetails struct {
	ParameterSize     *string `json:"parameter_size"`
	QuantizationLevel *string `json:"quantization_level"`
	Family            *string `json:"family"`
}

type Model struct {
	Name       *string       `json:"name"`
	ModifiedAt *string       `json:"modified_at"`
	Size       *int64        `json:"size"`
	Details    *ModelDetails `json:"details"`
}

type TagsResponse struct {
	Models []Model `json:"models"`
}

type Options struct {
	Temperature float64 `json:"temperature"`
}

type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Stream  bool     `json:"stream"`
	Options Options  `json:"options"`
}

type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) Tags(ctx context.Context) (TagsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return TagsResponse{}, fmt.Errorf("build tags request: %w", err)
	}

	var out TagsResponse
	if err := c.do(req, "tags", &out); err != nil {
		return TagsResponse{}, err
	}
	return out, nil
}

func (c *Client) Generate(ctx context.Context, in GenerateRequest) (GenerateResponse, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out GenerateResponse
	if err := c.do(req, "generate", &out); err != nil {
		return GenerateResponse{}, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       Truncate(string(body), MaxErrorBody),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama %s response: %w", endpoint, err)
	}
	return nil
}

// Truncate keeps at most n characters of s.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
