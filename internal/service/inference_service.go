package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"geoanchor/internal/apperr"
	"geoanchor/internal/locate"
	"geoanchor/internal/ollama"
	"geoanchor/internal/storage"
)

const (
	MsgModelsFailed     = "Impossibile recuperare i modelli da Ollama"
	MsgAutoLocateFailed = "Errore durante la richiesta a Ollama"
	MsgAutoLocateParams = "Parametri mancanti: model e filename sono obbligatori"
	MsgImageNotFound    = "Immagine non trovata"
	MsgImageReadFailed  = "Impossibile leggere l'immagine"
)

// OllamaAPI is the subset of the Ollama client used by the service.
type OllamaAPI interface {
	Tags(ctx context.Context) (ollama.TagsResponse, error)
	Generate(ctx context.Context, req ollama.GenerateRequest) (ollama.GenerateResponse, error)
}

type ModelInfo struct {
	Name          string  `json:"name"`
	Modified      *string `json:"modified"`
	Size          *int64  `json:"size"`
	ParameterSize *string `json:"parameterSize"`
	Quantization  *string `json:"quantization"`
	Family        *string `json:"family"`
}

type AutoLocateInput struct {
	Model          string
	Filename       string
	ExistingPoints []json.RawMessage
}

type AutoLocateResult struct {
	Suggestions json.RawMessage
	Pose        json.RawMessage
	Analysis    string
	Raw         string
}

type InferenceService struct {
	client      OllamaAPI
	store       *storage.DiskStore
	temperature float64
	log         zerolog.Logger
}

func NewInferenceService(client OllamaAPI, store *storage.DiskStore, temperature float64, log zerolog.Logger) *InferenceService {
	return &InferenceService{
		client:      client,
		store:       store,
		temperature: temperature,
		log:         log,
	}
}

func (s *InferenceService) ListModels(ctx context.Context) ([]ModelInfo, error) {
	tags, err := s.client.Tags(ctx)
	if err != nil {
		return nil, upstreamError(MsgModelsFailed, err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		info := ModelInfo{
			Modified: m.ModifiedAt,
			Size:     m.Size,
		}
		if m.Name != nil {
			info.Name = *m.Name
		}
		if m.Details != nil {
			info.ParameterSize = m.Details.ParameterSize
			info.Quantization = m.Details.QuantizationLevel
			info.Family = m.Details.Family
		}
		models = append(models, info)
	}
	return models, nil
}

func (s *InferenceService) AutoLocate(ctx context.Context, input AutoLocateInput) (AutoLocateResult, error) {
	model := strings.TrimSpace(input.Model)
	if model == "" || strings.TrimSpace(input.Filename) == "" {
		return AutoLocateResult{}, apperr.Invalid(MsgAutoLocateParams)
	}

	image, err := s.store.ReadUpload(input.Filename)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
		return AutoLocateResult{}, apperr.NotFound(MsgImageNotFound)
	}
	if err != nil {
		return AutoLocateResult{}, apperr.Internal(MsgImageReadFailed, fmt.Errorf("read upload: %w", err))
	}

	points := locate.ParsePoints(input.ExistingPoints)
	prompt := locate.BuildPrompt(points)

	s.log.Debug().
		Str("model", model).
		Str("filename", storage.BaseName(input.Filename)).
		Int("image_bytes", len(image)).
		Int("existing_points", len(points)).
		Msg("autolocate request")

	resp, err := s.client.Generate(ctx, ollama.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
		Stream:  false,
		Options: ollama.Options{Temperature: s.temperature},
	})
	if err != nil {
		return AutoLocateResult{}, upstreamError(MsgAutoLocateFailed, err)
	}

	suggestion := locate.Interpret(resp.Response)
	return AutoLocateResult{
		Suggestions: suggestion.MapPoints,
		Pose:        suggestion.Pose,
		Analysis:    suggestion.Analysis,
		Raw:         resp.Response,
	}, nil
}

func upstreamError(message string, err error) error {
	var statusErr *ollama.StatusError
	if errors.As(err, &statusErr) {
		return apperr.Upstream(message, statusErr.Details(), err)
	}
	return apperr.Upstream(message, ollama.Truncate(err.Error(), ollama.MaxErrorBody), err)
}
