package handlers

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"geoanchor/internal/metrics"
	"geoanchor/internal/service"
)

type modelsResponse struct {
	Success bool                `json:"success"`
	Models  []service.ModelInfo `json:"models"`
}

type autoLocateRequest struct {
	Model          json.RawMessage `json:"model"`
	Filename       json.RawMessage `json:"filename"`
	ExistingPoints json.RawMessage `json:"existingPoints"`
}

type autoLocateResponse struct {
	Success     bool            `json:"success"`
	Suggestions json.RawMessage `json:"suggestions"`
	Pose        json.RawMessage `json:"pose"`
	Analysis    string          `json:"analysis"`
	Raw         string          `json:"raw"`
}

func (h HandlerSet) ListModels(c *gin.Context) {
	models, err := h.inference.ListModels(c.Request.Context())
	h.metrics.Inference.WithLabelValues("models", metrics.Result(err, rejected(err))).Inc()
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, modelsResponse{Success: true, Models: models})
}

func (h HandlerSet) AutoLocate(c *gin.Context) {
	result, err := h.autoLocate(c)
	h.metrics.Inference.WithLabelValues("autolocate", metrics.Result(err, rejected(err))).Inc()
	if err != nil {
		h.fail(c, err)
		return
	}

	pose := result.Pose
	if pose == nil {
		pose = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, autoLocateResponse{
		Success:     true,
		Suggestions: result.Suggestions,
		Pose:        pose,
		Analysis:    result.Analysis,
		Raw:         result.Raw,
	})
}

func (h HandlerSet) autoLocate(c *gin.Context) (service.AutoLocateResult, error) {
	var req autoLocateRequest
	if err := readJSON(c, &req); err != nil {
		return service.AutoLocateResult{}, err
	}

	// non-string model or filename counts as missing
	input := service.AutoLocateInput{
		Model:    stringValue(req.Model),
		Filename: stringValue(req.Filename),
	}
	if bytes.HasPrefix(bytes.TrimSpace(req.ExistingPoints), []byte("[")) {
		_ = json.Unmarshal(req.ExistingPoints, &input.ExistingPoints)
	}
	return h.inference.AutoLocate(c.Request.Context(), input)
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
