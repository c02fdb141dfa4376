package handlers

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"geoanchor/internal/apperr"
	"geoanchor/internal/metrics"
	"geoanchor/internal/service"
)

type saveCoordinatesRequest struct {
	ImageName json.RawMessage `json:"imageName"`
	Points    json.RawMessage `json:"points"`
}

type saveCoordinatesResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FilePath string `json:"filePath"`
}

type snapshotResponse struct {
	Success  bool             `json:"success"`
	Snapshot service.Snapshot `json:"snapshot"`
}

func (h HandlerSet) SaveCoordinates(c *gin.Context) {
	result, err := h.saveCoordinates(c)
	h.metrics.Snapshots.WithLabelValues(metrics.Result(err, rejected(err))).Inc()
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().
		Str("filename", result.Filename).
		Int("points", len(result.Snapshot.Points)).
		Msg("coordinates saved")

	c.JSON(http.StatusOK, saveCoordinatesResponse{
		Success:  true,
		Message:  service.MsgCoordinatesSaved,
		FilePath: result.Filename,
	})
}

func (h HandlerSet) saveCoordinates(c *gin.Context) (service.SaveCoordinatesResult, error) {
	var req saveCoordinatesRequest
	if err := readJSON(c, &req); err != nil {
		return service.SaveCoordinatesResult{}, err
	}

	input, ok := req.input()
	if !ok {
		return service.SaveCoordinatesResult{}, apperr.Invalid(service.MsgInvalidCoordinates)
	}
	return h.snapshots.Save(c.Request.Context(), input)
}

// input accepts imageName only as a string and points only as an array.
func (r saveCoordinatesRequest) input() (service.SaveCoordinatesInput, bool) {
	var input service.SaveCoordinatesInput
	if err := json.Unmarshal(r.ImageName, &input.ImageName); err != nil {
		return input, false
	}
	if !bytes.HasPrefix(bytes.TrimSpace(r.Points), []byte("[")) {
		return input, false
	}
	if err := json.Unmarshal(r.Points, &input.Points); err != nil {
		return input, false
	}
	if input.Points == nil {
		input.Points = []json.RawMessage{}
	}
	return input, true
}

func (h HandlerSet) GetCoordinates(c *gin.Context) {
	snapshot, err := h.snapshots.Load(c.Request.Context(), c.Param("file"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshotResponse{Success: true, Snapshot: snapshot})
}
