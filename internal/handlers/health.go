package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geoanchor/internal/jobs"
)

type healthResponse struct {
	Status      string            `json:"status"`
	Environment string            `json:"environment"`
	Ollama      *jobs.CheckStatus `json:"ollama"`
	Events      string            `json:"events"`
}

// Health never fails: an unreachable inference service is reported, not
// treated as the API being down.
func (h HandlerSet) Health(c *gin.Context) {
	resp := healthResponse{
		Status:      "ok",
		Environment: h.cfg.Environment,
		Events:      "disabled",
	}
	if h.cfg.Redis.Enabled() {
		resp.Events = "redis"
	}
	if h.check != nil {
		if status, ok := h.check.Status(); ok {
			resp.Ollama = &status
			if !status.Reachable {
				resp.Status = "degraded"
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}
